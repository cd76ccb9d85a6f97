// Package mqttbridge lets an MQTT broker deliver trigger tokens. Messages on
// the command topic are validated exactly like datagrams.
package mqttbridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ivanvanderbyl/pcswitch/pkg/pcswitch"
)

const (
	disconnectQuiesce = 250 // milliseconds
	connectTimeout    = 10 * time.Second
)

type Config struct {
	Broker      string
	ClientID    string
	User        string
	Password    string
	TopicPrefix string
}

func (c Config) CommandTopic() string { return c.TopicPrefix + "/power/set" }

func (c Config) AvailabilityTopic() string { return c.TopicPrefix + "/status" }

// Bridge subscribes to the command topic and feeds every message to a
// pcswitch.Handler.
type Bridge struct {
	cfg     Config
	handler pcswitch.Handler
	client  mqtt.Client

	// errc carries the first handler error out of the paho callback goroutine.
	errc chan error
}

func New(cfg Config, handler pcswitch.Handler) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "pcswitch"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "pcswitch"
	}
	return &Bridge{
		cfg:     cfg,
		handler: handler,
		errc:    make(chan error, 1),
	}
}

// Run connects, serves until ctx ends and then publishes offline. It returns
// early with the handler's error if a trigger hits a relay fault.
func (b *Bridge) Run(ctx context.Context) error {
	ctx = slogctx.Append(ctx, "source", "mqtt", "broker", b.cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetUsername(b.cfg.User)
	opts.SetPassword(b.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetWill(b.cfg.AvailabilityTopic(), "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.InfoContext(ctx, "Connected to MQTT")
		if token := c.Subscribe(b.cfg.CommandTopic(), 1, b.messageHandler(ctx)); token.Wait() && token.Error() != nil {
			slog.ErrorContext(ctx, "Subscribe failed", "topic", b.cfg.CommandTopic(), "error", token.Error())
			return
		}
		c.Publish(b.cfg.AvailabilityTopic(), 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.WarnContext(ctx, "MQTT connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.Errorf("connecting to %s: timed out", b.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "connecting to %s", b.cfg.Broker)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-b.errc:
	}

	b.client.Publish(b.cfg.AvailabilityTopic(), 1, true, "offline").WaitTimeout(time.Second)
	b.client.Disconnect(disconnectQuiesce)
	slog.InfoContext(ctx, "Disconnected from MQTT")
	return err
}

func (b *Bridge) messageHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if msg.Retained() {
			// a retained token would fire again on every reconnect
			slog.WarnContext(ctx, "Ignoring retained trigger", "topic", msg.Topic())
			return
		}

		pkt := pcswitch.Packet{Payload: msg.Payload(), From: topicAddr(msg.Topic())}
		if err := b.handler.HandlePacket(ctx, pkt); err != nil {
			select {
			case b.errc <- err:
			default:
			}
		}
	}
}

// topicAddr lets an MQTT topic stand in as the sender address.
type topicAddr string

func (t topicAddr) Network() string { return "mqtt" }

func (t topicAddr) String() string { return fmt.Sprintf("mqtt:%s", string(t)) }
