package gpio

import (
	"sync"

	"github.com/cjeanneret/monocam/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates how a GPIO line is used.
type PinMode int

const (
	Input PinMode = iota
	Output
	// InputPullUp is an input with the internal pull-up enabled, for
	// buttons that short the line to ground.
	InputPullUp
)

// Driver controls GPIO lines: the flash trigger output and the shutter
// button input.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver stands in for the GPIO header on a development machine.
// Written levels can be read back, and SetLevel simulates an input.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
}

// NewMockDriver returns a mock with every line low.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if mode == InputPullUp {
		m.SetLevel(pin, High)
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.SetLevel(pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	level := m.levels[pin]
	debug.GPIO("ReadPin", pin, level)
	return level, nil
}

// SetLevel forces the level seen on pin.
func (m *MockDriver) SetLevel(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = level
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
