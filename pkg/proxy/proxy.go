// Package proxy forwards trigger traffic from a host on the LAN to devices
// that are not directly reachable, one local port per device.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ivanvanderbyl/pcswitch/pkg/pcswitch"
)

const maxDatagram = 64 * 1024

var ErrInvalidMapping = errors.New("invalid mapping")

// Mapping sends everything arriving on LocalPort to Target.
type Mapping struct {
	LocalPort int
	Target    string
}

// ParseMapping reads "LOCALPORT=HOST:PORT".
func ParseMapping(s string) (Mapping, error) {
	local, target, ok := strings.Cut(s, "=")
	if !ok {
		return Mapping{}, errors.Wrapf(ErrInvalidMapping, "%q: expected LOCALPORT=HOST:PORT", s)
	}

	port, err := strconv.Atoi(local)
	if err != nil || port <= 0 || port > 65535 {
		return Mapping{}, errors.Wrapf(ErrInvalidMapping, "%q: bad local port", s)
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return Mapping{}, errors.Wrapf(ErrInvalidMapping, "%q: %v", s, err)
	}

	return Mapping{LocalPort: port, Target: target}, nil
}

type Proxy struct {
	Network  string
	Host     string
	Mappings []Mapping
}

// Run binds every mapping and forwards until ctx ends. Any bind failure
// stops all forwarders.
func (p *Proxy) Run(ctx context.Context) error {
	if len(p.Mappings) == 0 {
		return errors.Wrap(ErrInvalidMapping, "no mappings")
	}

	network := p.Network
	if network == "" {
		network = pcswitch.NetworkUDP
	}

	wp := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	for _, m := range p.Mappings {
		m := m
		wp.Go(func(ctx context.Context) error {
			ctx = slogctx.Append(ctx, "local-port", m.LocalPort, "target", m.Target)
			switch network {
			case pcswitch.NetworkUDP:
				return p.forwardDatagrams(ctx, m)
			case pcswitch.NetworkTCP:
				return p.forwardStreams(ctx, m)
			}
			return errors.Wrap(pcswitch.ErrUnknownNetwork, network)
		})
	}

	return wp.Wait()
}

func (p *Proxy) localAddr(m Mapping) string {
	return net.JoinHostPort(p.Host, strconv.Itoa(m.LocalPort))
}

func (p *Proxy) forwardDatagrams(ctx context.Context, m Mapping) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", p.localAddr(m))
	if err != nil {
		return errors.Wrapf(err, "listening on %s", p.localAddr(m))
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	target, err := net.ResolveUDPAddr("udp", m.Target)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", m.Target)
	}

	slog.InfoContext(ctx, "Forwarding datagrams", "address", conn.LocalAddr().String())

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.DebugContext(ctx, "Read failed", "error", err)
			continue
		}

		slog.InfoContext(ctx, "Forwarding datagram", "remote", from.String(), "size", n)
		if _, err := conn.WriteTo(buf[:n], target); err != nil {
			slog.ErrorContext(ctx, "Failed to forward datagram", "error", err)
		}
	}
}

func (p *Proxy) forwardStreams(ctx context.Context, m Mapping) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.localAddr(m))
	if err != nil {
		return errors.Wrapf(err, "listening on %s", p.localAddr(m))
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	slog.InfoContext(ctx, "Forwarding streams", "address", ln.Addr().String())

	var wg conc.WaitGroup
	defer wg.Wait()

	for {
		client, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.DebugContext(ctx, "Accept failed", "error", err)
			continue
		}

		wg.Go(func() { pipe(ctx, client, m.Target) })
	}
}

// pipe copies both directions between client and a new connection to target
// until either side closes.
func pipe(ctx context.Context, client net.Conn, target string) {
	ctx = slogctx.Append(ctx, "remote", client.RemoteAddr().String())
	defer client.Close()

	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to connect to target", "error", err)
		return
	}
	defer upstream.Close()

	stop := context.AfterFunc(ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	slog.InfoContext(ctx, "New connection")

	var wg conc.WaitGroup
	wg.Go(func() { copyAndClose(upstream, client) })
	wg.Go(func() { copyAndClose(client, upstream) })
	wg.Wait()

	slog.InfoContext(ctx, "Connection closed")
}

func copyAndClose(dst, src net.Conn) {
	io.Copy(dst, src)
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	dst.Close()
}
