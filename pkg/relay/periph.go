package relay

import (
	"fmt"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphPin drives a pin through periph.io, addressed by BCM number.
type PeriphPin struct {
	pin       gpio.PinIO
	activeLow bool
}

func OpenPeriph(bcm int, activeLow bool) (*PeriphPin, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initialising periph host")
	}

	name := fmt.Sprintf("GPIO%d", bcm)
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("unknown pin %s", name)
	}

	p := &PeriphPin{pin: pin, activeLow: activeLow}
	if err := p.Set(false); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PeriphPin) level(active bool) gpio.Level {
	if p.activeLow {
		return gpio.Level(!active)
	}
	return gpio.Level(active)
}

func (p *PeriphPin) Set(active bool) error {
	if err := p.pin.Out(p.level(active)); err != nil {
		return errors.Wrapf(err, "driving %s", p.pin.Name())
	}
	return nil
}

func (p *PeriphPin) Close() error {
	if err := p.Set(false); err != nil {
		return err
	}
	return p.pin.Halt()
}
