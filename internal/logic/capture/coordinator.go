// Package capture glues the countdown to the camera: a capture request
// starts the countdown, its expiry triggers the shot, and the result is
// post-processed and handed to the presenter.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/cjeanneret/monocam/internal/hw/camera"
	"github.com/cjeanneret/monocam/internal/metrics"
)

// DefaultCountdown is the number of seconds before the shutter fires.
const DefaultCountdown = 3

// ErrNoStore is returned by Save when the coordinator has no store.
var ErrNoStore = errors.New("no photo store configured")

// Presenter shows capture outcomes to the user.
type Presenter interface {
	ShowPhoto(requestID uint64, img []byte)
	ShowError(err error)
}

// CountdownPresenter is optionally implemented by presenters that display
// the seconds left before the shot.
type CountdownPresenter interface {
	ShowCountdown(remaining int)
}

// Countdown is the timer the coordinator drives.
type Countdown interface {
	StartWith(n int, fn func())
	Stop()
	Running() bool
	SetOnTick(fn func(remaining int))
}

// Camera triggers a capture whose result comes back through HandleResult.
type Camera interface {
	CapturePhoto(flash camera.FlashMode) uint64
}

// Processor turns a raw capture into the presented image.
type Processor interface {
	Monochrome(jpeg []byte) ([]byte, error)
}

// Saver persists a presented image.
type Saver interface {
	Save(img []byte) (string, error)
}

// Coordinator runs capture requests. Presenter updates are serialized.
type Coordinator struct {
	timer     Countdown
	camera    Camera
	presenter Presenter

	mu        sync.Mutex
	seconds   int
	processor Processor
	store     Saver

	present sync.Mutex
}

// NewCoordinator wires the collaborators. processor and store may be nil:
// without a processor raw captures are presented as-is, without a store
// Save fails with ErrNoStore.
func NewCoordinator(timer Countdown, cam Camera, presenter Presenter, processor Processor, store Saver) *Coordinator {
	c := &Coordinator{
		timer:     timer,
		camera:    cam,
		presenter: presenter,
		seconds:   DefaultCountdown,
		processor: processor,
		store:     store,
	}
	if cp, ok := presenter.(CountdownPresenter); ok {
		timer.SetOnTick(func(remaining int) {
			c.present.Lock()
			defer c.present.Unlock()
			cp.ShowCountdown(remaining)
		})
	}
	return c
}

// SetCountdownSeconds changes the countdown used by later requests.
// Values below 1 restore the default.
func (c *Coordinator) SetCountdownSeconds(n int) {
	if n < 1 {
		n = DefaultCountdown
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seconds = n
}

// CountdownSeconds returns the configured countdown length.
func (c *Coordinator) CountdownSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seconds
}

// SetProcessor replaces the post-processor for later captures.
func (c *Coordinator) SetProcessor(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processor = p
}

// RequestCapture starts the countdown; when it expires a photo is taken
// with the requested flash mode. A request made while counting restarts
// the countdown and replaces the pending flash mode.
func (c *Coordinator) RequestCapture(flash camera.FlashMode) {
	seconds := c.CountdownSeconds()
	debug.Info("Capture: requested (flash %s, countdown %ds)", flash, seconds)
	c.timer.StartWith(seconds, func() {
		id := c.camera.CapturePhoto(flash)
		debug.Verbose("Capture: request %d sent", id)
	})
	metrics.RecordCountdownStarted()
	if cp, ok := c.presenter.(CountdownPresenter); ok {
		c.present.Lock()
		cp.ShowCountdown(seconds)
		c.present.Unlock()
	}
}

// Cancel abandons a pending countdown.
func (c *Coordinator) Cancel() {
	c.timer.Stop()
}

// Counting reports whether a countdown is in progress.
func (c *Coordinator) Counting() bool {
	return c.timer.Running()
}

// HandleResult is the controller's result sink. Successful captures are
// processed and shown; failures are shown as errors. Nothing is retried.
func (c *Coordinator) HandleResult(res camera.Result) {
	c.present.Lock()
	defer c.present.Unlock()

	if !res.OK() {
		debug.Error(res.Err)
		c.presenter.ShowError(res.Err)
		return
	}
	img, err := c.Process(res.Image)
	if err != nil {
		debug.Error(err)
		c.presenter.ShowError(err)
		return
	}
	c.presenter.ShowPhoto(res.RequestID, img)
}

// Process runs the post-processor on a raw capture.
func (c *Coordinator) Process(raw []byte) ([]byte, error) {
	c.mu.Lock()
	p := c.processor
	c.mu.Unlock()
	if p == nil {
		return raw, nil
	}
	img, err := p.Monochrome(raw)
	if err != nil {
		return nil, fmt.Errorf("post-process capture: %w", err)
	}
	return img, nil
}

// Save persists img and returns its stored name.
func (c *Coordinator) Save(img []byte) (string, error) {
	c.mu.Lock()
	s := c.store
	c.mu.Unlock()
	if s == nil {
		return "", ErrNoStore
	}
	name, err := s.Save(img)
	metrics.RecordSave(err == nil)
	if err != nil {
		return "", err
	}
	debug.Info("Capture: saved photo %s", name)
	return name, nil
}
