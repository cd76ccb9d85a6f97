package relay

import (
	"log/slog"
	"sync"
	"time"
)

// Transition is one recorded change of a MemoryPin.
type Transition struct {
	Active bool
	At     time.Time
}

// MemoryPin is a Pin with no hardware behind it. It records every transition
// and is used for dry runs and tests.
type MemoryPin struct {
	Name string

	mu          sync.Mutex
	active      bool
	closed      bool
	transitions []Transition
	failures    map[bool]error
}

func NewMemoryPin(name string) *MemoryPin {
	return &MemoryPin{Name: name, failures: make(map[bool]error)}
}

func (p *MemoryPin) Set(active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failures[active]; err != nil {
		return err
	}

	if p.active != active {
		slog.Debug("Pin changed", "pin", p.Name, "active", active)
	}
	p.active = active
	p.transitions = append(p.transitions, Transition{Active: active, At: time.Now()})
	return nil
}

func (p *MemoryPin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// FailOn makes every Set(active) call return err. A nil err clears it.
func (p *MemoryPin) FailOn(active bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, active)
		return
	}
	p.failures[active] = err
}

func (p *MemoryPin) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *MemoryPin) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *MemoryPin) Transitions() []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Transition(nil), p.transitions...)
}

// Pulses returns the active periods seen so far, in order. A period that has
// not ended yet is not included.
func (p *MemoryPin) Pulses() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		pulses []time.Duration
		start  time.Time
		high   bool
	)
	for _, t := range p.transitions {
		switch {
		case t.Active && !high:
			start, high = t.At, true
		case !t.Active && high:
			pulses = append(pulses, t.At.Sub(start))
			high = false
		}
	}
	return pulses
}
