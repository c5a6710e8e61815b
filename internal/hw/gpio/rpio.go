package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver drives the flash line and reads the shutter button on a
// Raspberry Pi using go-rpio. Captures complete on backend goroutines and
// the button is polled from its own, so pin access is guarded.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
	outs map[int]bool
}

// NewRPiRealDriver maps /dev/gpiomem. Requires a Raspberry Pi (or root).
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO: %w (is this a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO memory mapped")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		outs: make(map[int]bool),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup(pin, mode)
}

func (r *RPiDriver) setup(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
		r.outs[pin] = false
	case InputPullUp:
		p.Input()
		p.PullUp()
		r.outs[pin] = false
	case Output:
		p.Output()
		r.outs[pin] = true
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("WritePin", pin, level)

	if !r.outs[pin] {
		if err := r.setup(pin, Output); err != nil {
			return err
		}
	}
	p := r.pins[pin]
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("ReadPin", pin, nil)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.setup(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}
	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// Close drives every output low (flash off) and returns all pins to input.
func (r *RPiDriver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.Trace("GPIO Close (real driver)")

	for pin, p := range r.pins {
		if r.outs[pin] {
			p.Low()
		}
		p.Input()
		p.PullOff()
	}
	return rpio.Close()
}
