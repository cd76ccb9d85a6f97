// Package pcswitch listens for trigger tokens on the network and pulses the
// PC power button relay when one arrives.
//
// The protocol is deliberately minimal: a client sends the pre-shared token as
// a single plaintext datagram to port 7776 and gets nothing back. There is no
// replay protection, so a device reachable from outside a private LAN can be
// triggered by anyone who observes one packet.
package pcswitch

import (
	"context"
	"log/slog"
	"net"

	"github.com/pkg/errors"

	"github.com/ivanvanderbyl/pcswitch/pkg/relay"
)

type Config struct {
	Listen ListenConfig
	Token  []byte
	Match  MatchMode
}

// Device is the single owner of the listening socket and the relay
// controller.
type Device struct {
	listener    *Listener
	interpreter *Interpreter
	controller  *relay.Controller
}

// NewDevice binds the listener and wires it to the controller. The device owns
// the controller from here on and closes it in Close.
func NewDevice(ctx context.Context, cfg Config, controller *relay.Controller) (*Device, error) {
	interp, err := NewInterpreter(cfg.Token, cfg.Match, controller)
	if err != nil {
		return nil, errors.Wrap(err, "creating interpreter")
	}

	listener, err := Listen(ctx, cfg.Listen)
	if err != nil {
		return nil, err
	}

	return &Device{
		listener:    listener,
		interpreter: interp,
		controller:  controller,
	}, nil
}

// Interpreter is shared with the other trigger sources so that every path
// validates tokens the same way.
func (d *Device) Interpreter() *Interpreter { return d.interpreter }

func (d *Device) Controller() *relay.Controller { return d.controller }

func (d *Device) Addr() string { return d.listener.Addr().String() }

// Run serves until ctx ends. It returns an error only for a relay hardware
// fault, after which the device must not keep running.
func (d *Device) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "Waiting for trigger", "address", d.Addr(), "hold", d.controller.Hold())

	err := d.listener.Serve(ctx, d.interpreter)
	if err != nil {
		return errors.Wrap(err, "serving triggers")
	}
	return nil
}

// Close stops listening and leaves the relay idle.
func (d *Device) Close() error {
	lerr := d.listener.Close()
	cerr := d.controller.Close()
	if cerr != nil {
		return cerr
	}
	if lerr != nil && !errors.Is(lerr, net.ErrClosed) {
		return errors.Wrap(lerr, "closing listener")
	}
	return nil
}
