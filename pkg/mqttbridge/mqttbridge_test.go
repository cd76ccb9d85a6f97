package mqttbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivanvanderbyl/pcswitch/pkg/pcswitch"
	"github.com/ivanvanderbyl/pcswitch/pkg/relay"
)

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestBridge(t *testing.T) (*Bridge, *relay.MemoryPin) {
	t.Helper()

	pin := relay.NewMemoryPin("relay")
	ctrl, err := relay.NewController(pin, relay.WithHold(10*time.Millisecond), relay.WithCooldown(0))
	require.NoError(t, err)

	interp, err := pcswitch.NewInterpreter([]byte("PCSWITCH_TOKEN"), pcswitch.MatchExact, ctrl)
	require.NoError(t, err)

	return New(Config{Broker: "tcp://localhost:1883"}, interp), pin
}

func TestTopics(t *testing.T) {
	a := assert.New(t)
	b := New(Config{TopicPrefix: "office/pc"}, nil)

	a.Equal("office/pc/power/set", b.cfg.CommandTopic())
	a.Equal("office/pc/status", b.cfg.AvailabilityTopic())
	a.Equal("pcswitch", b.cfg.ClientID)
	a.Equal("pcswitch/power/set", New(Config{}, nil).cfg.CommandTopic())
}

func TestMessageWithTokenPulses(t *testing.T) {
	a := assert.New(t)
	b, pin := newTestBridge(t)
	h := b.messageHandler(context.Background())

	h(nil, &fakeMessage{topic: "pcswitch/power/set", payload: []byte("PCSWITCH_TOKEN")})
	a.Len(pin.Pulses(), 1)

	h(nil, &fakeMessage{topic: "pcswitch/power/set", payload: []byte("on")})
	a.Len(pin.Pulses(), 1)
}

func TestRetainedMessageIsIgnored(t *testing.T) {
	b, pin := newTestBridge(t)
	h := b.messageHandler(context.Background())

	h(nil, &fakeMessage{topic: "pcswitch/power/set", payload: []byte("PCSWITCH_TOKEN"), retained: true})
	assert.Empty(t, pin.Pulses())
}

func TestHardwareFaultIsReported(t *testing.T) {
	b, pin := newTestBridge(t)
	pin.FailOn(true, assert.AnError)
	h := b.messageHandler(context.Background())

	h(nil, &fakeMessage{topic: "pcswitch/power/set", payload: []byte("PCSWITCH_TOKEN")})
	h(nil, &fakeMessage{topic: "pcswitch/power/set", payload: []byte("PCSWITCH_TOKEN")})

	select {
	case err := <-b.errc:
		assert.ErrorIs(t, err, relay.ErrHardware)
	default:
		t.Fatal("expected hardware error")
	}
}

func TestTopicAddr(t *testing.T) {
	a := assert.New(t)
	addr := topicAddr("pcswitch/power/set")
	a.Equal("mqtt", addr.Network())
	a.Equal("mqtt:pcswitch/power/set", addr.String())
}
