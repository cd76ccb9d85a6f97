package pcswitch

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivanvanderbyl/pcswitch/pkg/relay"
)

const (
	e2eHold     = 50 * time.Millisecond
	e2eDeadline = 2 * time.Second
)

type testDevice struct {
	*Device
	pin    *relay.MemoryPin
	port   int
	errc   chan error
	cancel context.CancelFunc
}

func startTestDevice(t *testing.T, network string, mode MatchMode, cooldown time.Duration) *testDevice {
	t.Helper()

	pin := relay.NewMemoryPin("relay")
	ctrl, err := relay.NewController(pin, relay.WithHold(e2eHold), relay.WithCooldown(cooldown))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d, err := NewDevice(ctx, Config{
		Listen: ListenConfig{Network: network, Host: "127.0.0.1", Port: 0},
		Token:  testToken,
		Match:  mode,
	}, ctrl)
	require.NoError(t, err)

	_, portStr, err := net.SplitHostPort(d.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	td := &testDevice{Device: d, pin: pin, port: port, errc: make(chan error, 1), cancel: cancel}
	go func() { td.errc <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-td.errc:
		case <-time.After(e2eDeadline):
			t.Error("device did not stop")
		}
		assert.NoError(t, d.Close())
		assert.False(t, pin.Active(), "relay left energized")
	})
	return td
}

func (td *testDevice) send(t *testing.T, network string, payload []byte) {
	t.Helper()
	require.NoError(t, Send(context.Background(), network, "127.0.0.1", td.port, payload))
}

func waitForPulses(t *testing.T, pin *relay.MemoryPin, n int) []time.Duration {
	t.Helper()
	require.Eventually(t, func() bool { return len(pin.Pulses()) >= n }, e2eDeadline, 5*time.Millisecond)
	return pin.Pulses()
}

func TestTokenDatagramPulsesRelay(t *testing.T) {
	a := assert.New(t)
	td := startTestDevice(t, NetworkUDP, MatchExact, 0)

	td.send(t, NetworkUDP, testToken)

	pulses := waitForPulses(t, td.pin, 1)
	a.GreaterOrEqual(pulses[0], e2eHold)
	a.Less(pulses[0], 2*e2eHold)
	a.False(td.pin.Active())
}

func TestGarbageIsIgnoredAndListenerKeepsServing(t *testing.T) {
	a := assert.New(t)
	td := startTestDevice(t, NetworkUDP, MatchExact, 0)

	td.send(t, NetworkUDP, []byte("garbage"))
	time.Sleep(2 * e2eHold)
	a.Empty(td.pin.Pulses())
	a.False(td.pin.Active())

	td.send(t, NetworkUDP, testToken)
	waitForPulses(t, td.pin, 1)
}

func TestOversizedDatagramIsDropped(t *testing.T) {
	a := assert.New(t)
	td := startTestDevice(t, NetworkUDP, MatchContains, 0)

	big := make([]byte, DefaultMaxPayload+10)
	copy(big, testToken)
	td.send(t, NetworkUDP, big)
	time.Sleep(2 * e2eHold)
	a.Empty(td.pin.Pulses())

	td.send(t, NetworkUDP, testToken)
	waitForPulses(t, td.pin, 1)
}

func TestRapidTokensAreCoalesced(t *testing.T) {
	a := assert.New(t)
	td := startTestDevice(t, NetworkUDP, MatchExact, time.Second)

	const n = 5
	for i := 0; i < n; i++ {
		td.send(t, NetworkUDP, testToken)
	}

	waitForPulses(t, td.pin, 1)
	time.Sleep(n * e2eHold)

	pulses := td.pin.Pulses()
	a.GreaterOrEqual(len(pulses), 1)
	a.LessOrEqual(len(pulses), n)
	for _, d := range pulses {
		a.Less(d, 2*e2eHold)
	}
	a.False(td.pin.Active())
}

func TestStreamTransport(t *testing.T) {
	td := startTestDevice(t, NetworkTCP, MatchExact, 0)

	td.send(t, NetworkTCP, []byte("nope"))
	td.send(t, NetworkTCP, testToken)
	pulses := waitForPulses(t, td.pin, 1)
	assert.Len(t, pulses, 1)
}

func TestHardwareFaultStopsServing(t *testing.T) {
	td := startTestDevice(t, NetworkUDP, MatchExact, 0)
	td.pin.FailOn(true, assert.AnError)

	td.send(t, NetworkUDP, testToken)

	select {
	case err := <-td.errc:
		assert.ErrorIs(t, err, relay.ErrHardware)
		td.errc <- nil
	case <-time.After(e2eDeadline):
		t.Fatal("hardware fault did not stop the device")
	}
	assert.False(t, td.pin.Active())
}

// failingConn is a PacketConn whose reads always fail.
type failingConn struct {
	net.PacketConn
	reads atomic.Int32
}

func (c *failingConn) ReadFrom([]byte) (int, net.Addr, error) {
	c.reads.Add(1)
	return 0, nil, errors.New("connection refused")
}

func (c *failingConn) Close() error { return nil }

func TestRepeatedReadErrorsAreThrottled(t *testing.T) {
	a := assert.New(t)
	conn := &failingConn{}
	l := &Listener{cfg: ListenConfig{}.withDefaults(), packet: conn}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	handled := false
	err := l.Serve(ctx, HandlerFunc(func(context.Context, Packet) error {
		handled = true
		return nil
	}))
	a.NoError(err)
	a.False(handled)
	a.LessOrEqual(conn.reads.Load(), int32(5), "read loop must back off between errors")
	a.GreaterOrEqual(conn.reads.Load(), int32(2))
}

func TestListenFailsOnPortInUse(t *testing.T) {
	a := assert.New(t)

	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.LocalAddr().(*net.UDPAddr).Port

	start := time.Now()
	_, err = Listen(context.Background(), ListenConfig{
		Host:         "127.0.0.1",
		Port:         port,
		BindAttempts: 3,
		BindBackoff:  10 * time.Millisecond,
	})
	a.Error(err)
	a.Contains(err.Error(), strconv.Itoa(port))
	a.Contains(err.Error(), "after 3 attempts")
	a.GreaterOrEqual(time.Since(start), 30*time.Millisecond)
}

func TestListenRetriesUntilPortFrees(t *testing.T) {
	a := assert.New(t)

	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := busy.LocalAddr().(*net.UDPAddr).Port

	go func() {
		time.Sleep(30 * time.Millisecond)
		busy.Close()
	}()

	l, err := Listen(context.Background(), ListenConfig{
		Host:         "127.0.0.1",
		Port:         port,
		BindAttempts: 10,
		BindBackoff:  20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer l.Close()
	a.Equal(port, l.Addr().(*net.UDPAddr).Port, "must bind the configured port")
}

func TestListenStopsRetryingOnCancel(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Listen(ctx, ListenConfig{
		Host:         "127.0.0.1",
		Port:         busy.LocalAddr().(*net.UDPAddr).Port,
		BindAttempts: 5,
		BindBackoff:  time.Minute,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListenUnknownNetwork(t *testing.T) {
	_, err := Listen(context.Background(), ListenConfig{Network: "unix", Host: "127.0.0.1"})
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestSendValidation(t *testing.T) {
	a := assert.New(t)
	a.ErrorIs(Send(context.Background(), NetworkUDP, "127.0.0.1", DefaultPort, nil), ErrEmptyToken)
	a.ErrorIs(Send(context.Background(), "sctp", "127.0.0.1", DefaultPort, testToken), ErrUnknownNetwork)
}
