// Package button reads a physical shutter button on a GPIO line.
package button

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/cjeanneret/monocam/internal/hw/gpio"
)

// DefaultPoll is how often the line is sampled.
const DefaultPoll = 20 * time.Millisecond

// Config describes the button wiring.
type Config struct {
	Pin        int
	ActiveHigh bool          // false: button shorts the line to ground, pull-up enabled
	Poll       time.Duration // sampling period, DefaultPoll when zero
}

// Button reports presses of a momentary switch. A press counts once the
// line has read active on two consecutive samples, and the button must be
// released before the next press is reported.
type Button struct {
	gpio       gpio.Driver
	pin        int
	activeHigh bool
	poll       time.Duration
}

// New configures the pin as an input.
func New(g gpio.Driver, cfg Config) (*Button, error) {
	b := &Button{gpio: g, pin: cfg.Pin, activeHigh: cfg.ActiveHigh, poll: cfg.Poll}
	if b.poll <= 0 {
		b.poll = DefaultPoll
	}
	mode := gpio.InputPullUp
	if b.activeHigh {
		mode = gpio.Input
	}
	if err := g.SetupPin(b.pin, mode); err != nil {
		return nil, fmt.Errorf("setup button pin %d: %w", b.pin, err)
	}
	return b, nil
}

// Pressed reports whether the button is held down right now.
func (b *Button) Pressed() (bool, error) {
	level, err := b.gpio.ReadPin(b.pin)
	if err != nil {
		return false, fmt.Errorf("read button pin %d: %w", b.pin, err)
	}
	return level == gpio.Level(b.activeHigh), nil
}

// Watch samples the button until ctx is done and calls onPress for every
// press. A read error stops the watch.
func (b *Button) Watch(ctx context.Context, onPress func()) error {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	var streak int
	held := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		down, err := b.Pressed()
		if err != nil {
			return err
		}
		if !down {
			streak = 0
			held = false
			continue
		}
		streak++
		if streak >= 2 && !held {
			held = true
			debug.Live("Button: pressed (pin %d)", b.pin)
			onPress()
		}
	}
}
