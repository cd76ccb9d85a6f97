package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ivanvanderbyl/pcswitch/pkg/homekit"
	"github.com/ivanvanderbyl/pcswitch/pkg/mqttbridge"
	"github.com/ivanvanderbyl/pcswitch/pkg/pcswitch"
	"github.com/ivanvanderbyl/pcswitch/pkg/proxy"
	"github.com/ivanvanderbyl/pcswitch/pkg/relay"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	pinFlags := []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "gpio-driver",
			Usage:   "GPIO driver: gpiocdev, periph or memory (dry run)",
			Value:   relay.DriverGPIOCDev,
			EnvVars: []string{"PCSWITCH_GPIO_DRIVER"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "chip",
			Usage:   "GPIO chip for the gpiocdev driver",
			Value:   "gpiochip0",
			EnvVars: []string{"PCSWITCH_CHIP"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "pin",
			Usage:   "Relay line offset (BCM number for periph)",
			Value:   2,
			EnvVars: []string{"PCSWITCH_PIN"},
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:    "active-low",
			Usage:   "Relay board energizes when the line is low",
			EnvVars: []string{"PCSWITCH_ACTIVE_LOW"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "hold",
			Usage:   "How long the power button is held",
			Value:   relay.DefaultHold,
			EnvVars: []string{"PCSWITCH_HOLD"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "indicator-pin",
			Usage:   "LED line blinked before each pulse, -1 to disable",
			Value:   -1,
			EnvVars: []string{"PCSWITCH_INDICATOR_PIN"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "blink",
			Usage:   "How long the indicator blinks before the pulse",
			EnvVars: []string{"PCSWITCH_BLINK"},
		}),
	}

	serveFlags := append([]cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "YAML file with flag values",
			EnvVars: []string{"PCSWITCH_CONFIG"},
		},
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "bind",
			Usage:   "Address to listen on",
			Value:   "0.0.0.0",
			EnvVars: []string{"PCSWITCH_BIND"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "port",
			Usage:   "Port to listen on",
			Value:   pcswitch.DefaultPort,
			EnvVars: []string{"PCSWITCH_PORT"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "network",
			Usage:   "udp, or tcp for older stream clients. JSON commands such as {\"gpio\": \"on\"} only work when --token is that exact string",
			Value:   pcswitch.NetworkUDP,
			EnvVars: []string{"PCSWITCH_NETWORK"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "token",
			Usage:   "Pre-shared trigger token",
			EnvVars: []string{"PCSWITCH_TOKEN"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "match",
			Usage:   "Token match mode: exact or contains",
			Value:   string(pcswitch.MatchExact),
			EnvVars: []string{"PCSWITCH_MATCH"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "max-payload",
			Usage:   "Larger payloads are dropped",
			Value:   pcswitch.DefaultMaxPayload,
			EnvVars: []string{"PCSWITCH_MAX_PAYLOAD"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "bind-attempts",
			Usage:   "Bind attempts before giving up",
			Value:   5,
			EnvVars: []string{"PCSWITCH_BIND_ATTEMPTS"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "bind-backoff",
			Usage:   "Delay before the first bind retry, doubled each attempt",
			Value:   pcswitch.DefaultBindBackoff,
			EnvVars: []string{"PCSWITCH_BIND_BACKOFF"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "cooldown",
			Usage:   "Triggers within this window after a pulse are ignored",
			Value:   relay.DefaultCooldown,
			EnvVars: []string{"PCSWITCH_COOLDOWN"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "mqtt-broker",
			Usage:   "MQTT broker URL, e.g. tcp://localhost:1883. Empty disables MQTT",
			EnvVars: []string{"PCSWITCH_MQTT_BROKER"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "mqtt-user",
			EnvVars: []string{"PCSWITCH_MQTT_USER"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "mqtt-password",
			EnvVars: []string{"PCSWITCH_MQTT_PASSWORD"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "mqtt-topic-prefix",
			Value:   "pcswitch",
			EnvVars: []string{"PCSWITCH_MQTT_TOPIC_PREFIX"},
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:    "homekit",
			Usage:   "Expose the power button as a HomeKit switch",
			EnvVars: []string{"PCSWITCH_HOMEKIT"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "homekit-pin",
			Usage:   "HomeKit setup code",
			EnvVars: []string{"PCSWITCH_HOMEKIT_PIN"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "homekit-db",
			Usage:   "Directory for HomeKit pairing data",
			Value:   "./db",
			EnvVars: []string{"PCSWITCH_HOMEKIT_DB"},
		}),
	}, pinFlags...)

	return &cli.App{
		Name:    "pcswitch",
		Usage:   "Press a PC power button over the network",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"PCSWITCH_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "text or json",
				Value:   "text",
				EnvVars: []string{"PCSWITCH_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also append log lines to this file",
				EnvVars: []string{"PCSWITCH_LOG_FILE"},
			},
		},
		Before: setupLogging,
		After:  closeLogFile,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Listen for trigger tokens and pulse the relay",
				Flags:  serveFlags,
				Before: altsrc.InitInputSourceWithContext(serveFlags, altsrc.NewYamlSourceFromFlagFunc("config")),
				Action: serveAction,
			},
			{
				Name:  "trigger",
				Usage: "Send the trigger token to a device",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "host",
						Usage:    "Address of the device",
						Required: true,
						EnvVars:  []string{"PCSWITCH_HOST"},
					},
					&cli.IntFlag{
						Name:    "port",
						Value:   pcswitch.DefaultPort,
						EnvVars: []string{"PCSWITCH_PORT"},
					},
					&cli.StringFlag{
						Name:    "network",
						Value:   pcswitch.NetworkUDP,
						EnvVars: []string{"PCSWITCH_NETWORK"},
					},
					&cli.StringFlag{
						Name:     "token",
						Required: true,
						EnvVars:  []string{"PCSWITCH_TOKEN"},
					},
				},
				Action: func(c *cli.Context) error {
					err := pcswitch.Send(c.Context, c.String("network"), c.String("host"), c.Int("port"), []byte(c.String("token")))
					if err != nil {
						slog.Error("Failed to send trigger", "error", err)
						return err
					}

					slog.Info("Trigger sent", "host", c.String("host"), "port", c.Int("port"))
					return nil
				},
			},
			{
				Name:  "pulse",
				Usage: "Pulse the relay once from this machine",
				Flags: pinFlags,
				Action: func(c *cli.Context) error {
					ctrl, err := openController(c)
					if err != nil {
						return err
					}
					defer ctrl.Close()

					fmt.Println("Pressing the power button...")
					return ctrl.Pulse(c.Context)
				},
			},
			{
				Name:  "proxy",
				Usage: "Forward trigger traffic from this host to devices",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:     "map",
						Usage:    "LOCALPORT=HOST:PORT, repeatable",
						Required: true,
						EnvVars:  []string{"PCSWITCH_PROXY_MAP"},
					},
					&cli.StringFlag{
						Name:  "bind",
						Value: "0.0.0.0",
					},
					&cli.StringFlag{
						Name:  "network",
						Value: pcswitch.NetworkUDP,
					},
				},
				Action: proxyAction,
			},
		},
	}
}

func openController(c *cli.Context) (*relay.Controller, error) {
	pin, err := relay.Open(relay.PinConfig{
		Driver:    c.String("gpio-driver"),
		Chip:      c.String("chip"),
		Offset:    c.Int("pin"),
		ActiveLow: c.Bool("active-low"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening relay pin")
	}

	// cooldown is only defined for serve and reads as zero elsewhere
	opts := []relay.Option{
		relay.WithHold(c.Duration("hold")),
		relay.WithCooldown(c.Duration("cooldown")),
	}

	if c.Int("indicator-pin") >= 0 {
		led, err := relay.Open(relay.PinConfig{
			Driver: c.String("gpio-driver"),
			Chip:   c.String("chip"),
			Offset: c.Int("indicator-pin"),
		})
		if err != nil {
			pin.Close()
			return nil, errors.Wrap(err, "opening indicator pin")
		}
		opts = append(opts, relay.WithIndicator(led, c.Duration("blink")))
	}

	ctrl, err := relay.NewController(pin, opts...)
	if err != nil {
		pin.Close()
		return nil, errors.Wrap(err, "creating relay controller")
	}
	return ctrl, nil
}

func serveAction(c *cli.Context) error {
	if c.String("token") == "" {
		return errors.Wrap(pcswitch.ErrEmptyToken, "--token or PCSWITCH_TOKEN is required")
	}
	match, err := pcswitch.ParseMatchMode(c.String("match"))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	ctrl, err := openController(c)
	if err != nil {
		return err
	}

	device, err := pcswitch.NewDevice(ctx, pcswitch.Config{
		Listen: pcswitch.ListenConfig{
			Network:      c.String("network"),
			Host:         c.String("bind"),
			Port:         c.Int("port"),
			MaxPayload:   c.Int("max-payload"),
			BindAttempts: c.Int("bind-attempts"),
			BindBackoff:  c.Duration("bind-backoff"),
		},
		Token: []byte(c.String("token")),
		Match: match,
	}, ctrl)
	if err != nil {
		ctrl.Close()
		slog.Error("Unable to start listener", "error", err)
		return err
	}
	defer func() {
		if err := device.Close(); err != nil {
			slog.Error("Failed to release relay", "error", err)
		}
	}()

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	p.Go(device.Run)

	if broker := c.String("mqtt-broker"); broker != "" {
		bridge := mqttbridge.New(mqttbridge.Config{
			Broker:      broker,
			User:        c.String("mqtt-user"),
			Password:    c.String("mqtt-password"),
			TopicPrefix: c.String("mqtt-topic-prefix"),
		}, device.Interpreter())
		p.Go(bridge.Run)
	}

	if c.Bool("homekit") {
		button := homekit.NewPowerButton(homekit.Config{
			Pin:       c.String("homekit-pin"),
			StorePath: c.String("homekit-db"),
			Debug:     strings.EqualFold(c.String("log-level"), "debug"),
		}, device.Controller())
		p.Go(button.Run)
	}

	if err := p.Wait(); err != nil {
		if errors.Is(err, relay.ErrHardware) {
			slog.Error("Relay hardware fault, halting", "error", err)
		}
		return err
	}

	slog.Info("Stopped")
	return nil
}

func proxyAction(c *cli.Context) error {
	var mappings []proxy.Mapping
	for _, s := range c.StringSlice("map") {
		m, err := proxy.ParseMapping(s)
		if err != nil {
			return err
		}
		mappings = append(mappings, m)
	}

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	p := &proxy.Proxy{
		Network:  c.String("network"),
		Host:     c.String("bind"),
		Mappings: mappings,
	}
	return p.Run(ctx)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			slog.Info("Interrupt signal received")
		case <-ctx.Done():
		}
		// Stop delivering signals.
		signal.Stop(sigChan)
		cancel()
	}()

	return ctx, cancel
}

var logFile *os.File

func setupLogging(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return errors.Wrapf(err, "parsing log level %q", c.String("log-level"))
	}

	var w io.Writer = os.Stdout
	if path := c.String("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		logFile = f
		w = io.MultiWriter(os.Stdout, f)
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	switch c.String("log-format") {
	case "json":
		inner = slog.NewJSONHandler(w, opts)
	case "text":
		inner = slog.NewTextHandler(w, opts)
	default:
		return errors.Errorf("unknown log format %q", c.String("log-format"))
	}

	slog.SetDefault(slog.New(slogctx.NewHandler(inner, nil)))
	return nil
}

func closeLogFile(*cli.Context) error {
	if logFile == nil {
		return nil
	}
	f := logFile
	logFile = nil
	return f.Close()
}
