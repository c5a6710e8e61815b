package flash

import (
	"sync"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/cjeanneret/monocam/internal/hw/gpio"
)

// Unit is an external flash (or LED torch) wired to a single GPIO line.
//
// Trigger sequence:
// 1. line to active level (flash on)
// 2. wait lead time so exposure adapts
// 3. run the exposure
// 4. hold for a moment
// 5. line back to inactive
//
// The line is released even when the exposure fails.
type Unit struct {
	mu         sync.Mutex
	gpio       gpio.Driver
	pin        int
	activeHigh bool
	lead       time.Duration
	hold       time.Duration
}

// Config describes the flash wiring.
type Config struct {
	Pin        int
	ActiveHigh bool          // most LED drivers; opto-coupled strobes are often active LOW
	Lead       time.Duration // light on before exposure
	Hold       time.Duration // light kept on after exposure
}

// New configures the pin as output and drives it inactive.
func New(g gpio.Driver, cfg Config) *Unit {
	u := &Unit{
		gpio:       g,
		pin:        cfg.Pin,
		activeHigh: cfg.ActiveHigh,
		lead:       cfg.Lead,
		hold:       cfg.Hold,
	}
	_ = g.SetupPin(cfg.Pin, gpio.Output)
	_ = g.WritePin(cfg.Pin, u.inactive())
	return u
}

func (u *Unit) active() gpio.Level   { return gpio.Level(u.activeHigh) }
func (u *Unit) inactive() gpio.Level { return gpio.Level(!u.activeHigh) }

// Fire lights the flash around expose and returns expose's error.
func (u *Unit) Fire(expose func() error) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	debug.Verbose("Flash: firing (pin %d)", u.pin)
	if err := u.gpio.WritePin(u.pin, u.active()); err != nil {
		return err
	}
	defer func() {
		debug.Verbose("Flash: releasing (pin %d)", u.pin)
		_ = u.gpio.WritePin(u.pin, u.inactive())
	}()

	time.Sleep(u.lead)
	err := expose()
	time.Sleep(u.hold)
	return err
}
