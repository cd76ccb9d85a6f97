package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	DriverGPIOCDev = "gpiocdev"
	DriverPeriph   = "periph"
	DriverMemory   = "memory"
)

var ErrUnknownDriver = errors.New("unknown gpio driver")

// PinConfig selects and addresses an output pin.
type PinConfig struct {
	Driver    string
	Chip      string
	Offset    int
	ActiveLow bool
}

// Open returns the pin described by cfg. The memory driver touches no
// hardware and is used for dry runs.
func Open(cfg PinConfig) (Pin, error) {
	if cfg.Offset < 0 {
		return nil, errors.Errorf("invalid pin %d", cfg.Offset)
	}

	switch cfg.Driver {
	case DriverGPIOCDev, "":
		return OpenLine(cfg.Chip, cfg.Offset, cfg.ActiveLow)
	case DriverPeriph:
		return OpenPeriph(cfg.Offset, cfg.ActiveLow)
	case DriverMemory:
		return NewMemoryPin(fmt.Sprintf("%s/%d", cfg.Chip, cfg.Offset)), nil
	}

	return nil, errors.Wrap(ErrUnknownDriver, cfg.Driver)
}
