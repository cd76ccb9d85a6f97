package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Pin is a single digital output. Set(true) energizes the relay, Set(false)
// returns it to the open circuit idle state. Drivers handle active-low wiring.
type Pin interface {
	Set(active bool) error
	Close() error
}

type State int32

const (
	Idle State = iota
	Pulsing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pulsing:
		return "pulsing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	DefaultHold     = 400 * time.Millisecond
	DefaultCooldown = time.Second

	blinkInterval = 50 * time.Millisecond
)

var (
	// ErrCoalesced is returned when a pulse request is folded into one that is
	// in flight or has just finished.
	ErrCoalesced = errors.New("pulse request coalesced")
	ErrHardware  = errors.New("relay hardware fault")
	ErrClosed    = errors.New("relay controller closed")
)

// HardwareError reports a failed pin operation. It matches ErrHardware.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("relay hardware fault during %s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

func (e *HardwareError) Is(target error) bool { return target == ErrHardware }

type Option func(*Controller)

// WithHold sets how long the pin stays active for each pulse.
func WithHold(d time.Duration) Option {
	return func(c *Controller) { c.hold = d }
}

// WithCooldown sets the window after a pulse during which new requests are
// coalesced into the previous one.
func WithCooldown(d time.Duration) Option {
	return func(c *Controller) { c.cooldown = d }
}

// WithIndicator blinks an LED for the given duration before every pulse.
func WithIndicator(p Pin, blink time.Duration) Option {
	return func(c *Controller) {
		c.indicator = p
		c.blink = blink
	}
}

// Controller owns the relay pin and turns pulse requests into timed closures.
// At most one pulse is ever in flight.
type Controller struct {
	pin       Pin
	indicator Pin
	hold      time.Duration
	cooldown  time.Duration
	blink     time.Duration

	state  atomic.Int32
	pulses atomic.Uint64

	mu          sync.Mutex
	lastRelease time.Time
	fault       error
	closed      bool
}

// NewController drives the pin idle and returns a controller that owns it.
func NewController(pin Pin, opts ...Option) (*Controller, error) {
	c := &Controller{
		pin:      pin,
		hold:     DefaultHold,
		cooldown: DefaultCooldown,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.hold <= 0 {
		return nil, errors.Errorf("invalid hold duration %s", c.hold)
	}

	if err := pin.Set(false); err != nil {
		return nil, &HardwareError{Op: "initialise", Err: err}
	}
	if c.indicator != nil {
		if err := c.indicator.Set(false); err != nil {
			return nil, &HardwareError{Op: "initialise indicator", Err: err}
		}
	}

	return c, nil
}

func (c *Controller) State() State { return State(c.state.Load()) }

// Pulses returns the number of completed pulses.
func (c *Controller) Pulses() uint64 { return c.pulses.Load() }

func (c *Controller) Hold() time.Duration { return c.hold }

// Pulse energizes the relay for the hold duration and then releases it. It
// blocks for the whole sequence. A request that arrives while another pulse is
// running, or within the cooldown after one, returns ErrCoalesced. Pin
// failures return a HardwareError and leave the controller refusing further
// pulses.
func (c *Controller) Pulse(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Idle), int32(Pulsing)) {
		return errors.Wrap(ErrCoalesced, "pulse in flight")
	}
	defer c.state.Store(int32(Idle))

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.fault != nil:
		return c.fault
	case c.cooldown > 0 && !c.lastRelease.IsZero() && time.Since(c.lastRelease) < c.cooldown:
		return errors.Wrap(ErrCoalesced, "cooling down")
	}

	if err := c.blinkIndicator(); err != nil {
		slog.WarnContext(ctx, "Indicator blink failed", "error", err)
	}

	err := c.pulse()
	if err != nil {
		c.fault = err
		slog.ErrorContext(ctx, "Relay pulse failed", "error", err)
		return err
	}

	c.lastRelease = time.Now()
	c.pulses.Add(1)
	slog.InfoContext(ctx, "Relay pulsed", "hold", c.hold, "count", c.pulses.Load())
	return nil
}

func (c *Controller) pulse() (err error) {
	released := false
	defer func() {
		if released {
			return
		}
		// Any exit before the release below must still open the circuit.
		if rerr := c.pin.Set(false); rerr != nil && err == nil {
			err = &HardwareError{Op: "release", Err: rerr}
		}
	}()

	if err := c.pin.Set(true); err != nil {
		return &HardwareError{Op: "activate", Err: err}
	}

	time.Sleep(c.hold)

	if err := c.pin.Set(false); err != nil {
		// one retry before reporting the relay as stuck
		if err = c.pin.Set(false); err != nil {
			released = true
			return &HardwareError{Op: "release", Err: err}
		}
	}
	released = true
	return nil
}

func (c *Controller) blinkIndicator() (err error) {
	if c.indicator == nil || c.blink <= 0 {
		return nil
	}

	defer func() {
		if cerr := c.indicator.Set(false); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "clearing indicator")
		}
	}()
	for elapsed := time.Duration(0); elapsed < c.blink; elapsed += 2 * blinkInterval {
		if err := c.indicator.Set(true); err != nil {
			return errors.Wrap(err, "lighting indicator")
		}
		time.Sleep(blinkInterval)
		if err := c.indicator.Set(false); err != nil {
			return errors.Wrap(err, "clearing indicator")
		}
		time.Sleep(blinkInterval)
	}
	return nil
}

// Close waits for any pulse in flight, drives the pin idle and releases it.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if err := c.pin.Set(false); err != nil {
		errs = append(errs, &HardwareError{Op: "release on close", Err: err})
	}
	if err := c.pin.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "closing relay pin"))
	}
	if c.indicator != nil {
		if err := c.indicator.Set(false); err != nil {
			errs = append(errs, errors.Wrap(err, "clearing indicator on close"))
		}
		if err := c.indicator.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing indicator pin"))
		}
	}

	if len(errs) > 0 {
		return errors.Errorf("closing relay controller: %v", errs)
	}
	return nil
}
