package pcswitch

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	slogctx "github.com/veqryn/slog-context"
)

const (
	NetworkUDP = "udp"
	NetworkTCP = "tcp"

	DefaultPort        = 7776
	DefaultMaxPayload  = 1024
	DefaultBindBackoff = time.Second

	maxBindBackoff = 30 * time.Second
	streamTimeout  = 2 * time.Second
	readErrorDelay = 100 * time.Millisecond
)

var ErrUnknownNetwork = errors.New("unknown network")

// Packet is one inbound payload and where it came from.
type Packet struct {
	Payload []byte
	From    net.Addr
}

type Handler interface {
	HandlePacket(ctx context.Context, pkt Packet) error
}

type HandlerFunc func(ctx context.Context, pkt Packet) error

func (f HandlerFunc) HandlePacket(ctx context.Context, pkt Packet) error { return f(ctx, pkt) }

type ListenConfig struct {
	Network    string
	Host       string
	Port       int
	MaxPayload int

	// BindAttempts is how many times binding is tried before giving up.
	BindAttempts int
	// BindBackoff is the first delay between attempts. It doubles each time.
	BindBackoff time.Duration
}

func (c ListenConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ListenConfig) withDefaults() ListenConfig {
	if c.Network == "" {
		c.Network = NetworkUDP
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.BindAttempts <= 0 {
		c.BindAttempts = 1
	}
	if c.BindBackoff <= 0 {
		c.BindBackoff = DefaultBindBackoff
	}
	return c
}

// Listener owns the bound socket. It is created once and serves until its
// context ends or it is closed.
type Listener struct {
	cfg    ListenConfig
	packet net.PacketConn
	stream net.Listener
}

// Listen binds the configured address, retrying with exponential backoff.
// It only ever binds the configured port.
func Listen(ctx context.Context, cfg ListenConfig) (*Listener, error) {
	cfg = cfg.withDefaults()
	if cfg.Network != NetworkUDP && cfg.Network != NetworkTCP {
		return nil, errors.Wrap(ErrUnknownNetwork, cfg.Network)
	}

	ctx = slogctx.Append(ctx, "network", cfg.Network, "address", cfg.Address())

	var lc net.ListenConfig
	backoff := cfg.BindBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.BindAttempts; attempt++ {
		l := &Listener{cfg: cfg}
		switch cfg.Network {
		case NetworkUDP:
			l.packet, lastErr = lc.ListenPacket(ctx, cfg.Network, cfg.Address())
		case NetworkTCP:
			l.stream, lastErr = lc.Listen(ctx, cfg.Network, cfg.Address())
		}
		if lastErr == nil {
			slog.InfoContext(ctx, "Listening", "attempt", attempt)
			return l, nil
		}

		if attempt == cfg.BindAttempts {
			break
		}

		slog.WarnContext(ctx, "Bind failed, retrying", "attempt", attempt, "retry-in", backoff, "error", lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "binding %s %s", cfg.Network, cfg.Address())
		}
		backoff = min(2*backoff, maxBindBackoff)
	}

	return nil, errors.Wrapf(lastErr, "binding %s %s after %d attempts", cfg.Network, cfg.Address(), cfg.BindAttempts)
}

func (l *Listener) Addr() net.Addr {
	if l.packet != nil {
		return l.packet.LocalAddr()
	}
	return l.stream.Addr()
}

func (l *Listener) Close() error {
	if l.packet != nil {
		return l.packet.Close()
	}
	return l.stream.Close()
}

// Serve reads payloads one at a time and hands each to h before reading the
// next. Unreadable or oversized input is dropped. Serve returns nil when ctx
// ends, or the first error h returns.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	if l.packet != nil {
		return l.servePackets(ctx, h)
	}
	return l.serveStream(ctx, h)
}

func (l *Listener) servePackets(ctx context.Context, h Handler) error {
	// one extra byte tells an oversized datagram from one that fits exactly
	buf := make([]byte, l.cfg.MaxPayload+1)

	for {
		n, from, err := l.packet.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.DebugContext(ctx, "Dropping unreadable datagram", "error", err)
			pause(ctx, readErrorDelay)
			continue
		}

		if err := l.dispatch(ctx, h, buf[:n], from); err != nil {
			return err
		}
	}
}

func (l *Listener) serveStream(ctx context.Context, h Handler) error {
	for {
		conn, err := l.stream.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.DebugContext(ctx, "Accept failed", "error", err)
			pause(ctx, readErrorDelay)
			continue
		}

		payload, err := readStream(conn, l.cfg.MaxPayload)
		conn.Close()
		if err != nil {
			slog.DebugContext(ctx, "Dropping unreadable stream", "remote", conn.RemoteAddr().String(), "error", err)
			continue
		}

		if err := l.dispatch(ctx, h, payload, conn.RemoteAddr()); err != nil {
			return err
		}
	}
}

// pause waits for d or until ctx ends, whichever comes first.
func pause(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// readStream reads a single payload from conn, like one recv on the device.
func readStream(conn net.Conn, max int) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(streamTimeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, max+1)
	n, err := conn.Read(buf)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, err
	}
	return buf[:n], nil
}

func (l *Listener) dispatch(ctx context.Context, h Handler, payload []byte, from net.Addr) error {
	switch {
	case len(payload) == 0:
		return nil
	case len(payload) > l.cfg.MaxPayload:
		slog.DebugContext(ctx, "Dropping oversized payload", "size", len(payload), "max", l.cfg.MaxPayload)
		return nil
	}

	return h.HandlePacket(ctx, Packet{Payload: payload, From: from})
}
