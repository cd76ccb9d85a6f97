package homekit

import (
	"context"
	syslog "log"
	"log/slog"
	"os"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/log"
	"github.com/pkg/errors"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ivanvanderbyl/pcswitch/pkg/pcswitch"
	"github.com/ivanvanderbyl/pcswitch/pkg/relay"
)

type (
	Config struct {
		Name      string
		Serial    string
		Pin       string
		StorePath string
		Debug     bool
	}

	// PowerButton exposes the relay as a momentary HomeKit switch. Turning it
	// on presses the power button once and the switch falls back to off.
	PowerButton struct {
		cfg       Config
		pulser    pcswitch.Pulser
		accessory *accessory.Switch

		errc chan error
	}
)

func NewPowerButton(cfg Config, pulser pcswitch.Pulser) *PowerButton {
	if cfg.Name == "" {
		cfg.Name = "PC Power"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "./db"
	}

	pb := &PowerButton{
		cfg:    cfg,
		pulser: pulser,
		errc:   make(chan error, 1),
	}
	pb.createAccessory()
	return pb
}

func (pb *PowerButton) createAccessory() {
	acc := accessory.NewSwitch(accessory.Info{
		Name:         pb.cfg.Name,
		SerialNumber: pb.cfg.Serial,
		Manufacturer: "pcswitch",
		Model:        "Relay",
	})
	acc.Switch.On.SetValue(false)
	pb.accessory = acc
}

// press is called with the HomeKit requested switch state.
func (pb *PowerButton) press(ctx context.Context, on bool) {
	if !on {
		return
	}
	defer pb.accessory.Switch.On.SetValue(false)

	slog.InfoContext(ctx, "Power button pressed from HomeKit")
	err := pb.pulser.Pulse(ctx)
	switch {
	case err == nil:
		return
	case errors.Is(err, relay.ErrCoalesced):
		slog.InfoContext(ctx, "Press coalesced", "reason", err)
		return
	case !errors.Is(err, relay.ErrHardware):
		slog.WarnContext(ctx, "Press not handled", "error", err)
		return
	}

	// only hardware faults stop the server
	slog.ErrorContext(ctx, "Failed to press power button", "error", err)
	select {
	case pb.errc <- errors.Wrap(err, "pressing power button"):
	default:
	}
}

// Run serves the accessory until ctx ends or a press hits a relay hardware
// fault.
func (pb *PowerButton) Run(ctx context.Context) error {
	ctx = slogctx.Append(ctx, "source", "homekit", "name", pb.cfg.Name)

	pb.accessory.Switch.On.OnValueRemoteUpdate(func(on bool) {
		pb.press(ctx, on)
	})

	if pb.cfg.Debug {
		newLogger := syslog.New(os.Stdout, "HAP ", syslog.LstdFlags|syslog.Lshortfile)
		log.Debug = &log.Logger{Logger: newLogger}
	}

	server, err := hap.NewServer(hap.NewFsStore(pb.cfg.StorePath), pb.accessory.A)
	if err != nil {
		return errors.Wrap(err, "creating server")
	}
	if pb.cfg.Pin != "" {
		server.Pin = pb.cfg.Pin
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	served := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting HomeKit server")
		served <- server.ListenAndServe(ctx)
	}()

	select {
	case err := <-pb.errc:
		cancel()
		<-served
		return err
	case err := <-served:
		if err != nil && ctx.Err() == nil {
			return errors.Wrap(err, "serving HomeKit")
		}
		return nil
	}
}
