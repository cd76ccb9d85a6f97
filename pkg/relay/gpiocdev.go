package relay

import (
	"github.com/pkg/errors"
	gpiod "github.com/warthog618/go-gpiocdev"
)

const consumer = "pcswitch"

// LinePin drives a line through the Linux GPIO character device.
type LinePin struct {
	line *gpiod.Line
}

// OpenLine requests offset on chip as an output, starting inactive. When
// activeLow is set the line is driven low to energize the relay.
func OpenLine(chip string, offset int, activeLow bool) (*LinePin, error) {
	opts := []gpiod.LineReqOption{
		gpiod.WithConsumer(consumer),
		gpiod.AsOutput(0),
	}
	if activeLow {
		opts = append(opts, gpiod.AsActiveLow)
	}

	line, err := gpiod.RequestLine(chip, offset, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting %s line %d", chip, offset)
	}
	return &LinePin{line: line}, nil
}

func (p *LinePin) Set(active bool) error {
	v := 0
	if active {
		v = 1
	}
	if err := p.line.SetValue(v); err != nil {
		return errors.Wrapf(err, "setting line %d", p.line.Offset())
	}
	return nil
}

// Close drives the line inactive and releases it.
func (p *LinePin) Close() error {
	if err := p.line.SetValue(0); err != nil {
		p.line.Close()
		return errors.Wrapf(err, "clearing line %d", p.line.Offset())
	}
	return p.line.Close()
}
