package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/cjeanneret/monocam/internal/hw/camera"
	"github.com/cjeanneret/monocam/internal/metrics"
)

// Configuration is the user-visible device configuration.
type Configuration struct {
	Position camera.Position
	Focus    camera.FocusMode
	Mirrored bool
	Flash    camera.FlashMode
}

// ResultSink receives every capture result, on a backend goroutine.
type ResultSink func(camera.Result)

// Controller owns the one capture session and serializes everything that
// touches it. A session is replaced wholesale on reconfiguration: the old
// one is stopped and stripped of inputs and outputs before the new one is
// built, and a failed build leaves no session at all.
type Controller struct {
	mu         sync.Mutex
	backend    camera.Backend
	permission camera.Permission
	preview    camera.PreviewSink
	output     camera.Output

	session camera.Session
	device  camera.Device
	config  Configuration
	// mirrorPinned is set once the user toggles mirroring; rebuilt
	// sessions then keep the chosen value instead of the device default.
	mirrorPinned bool

	sink   ResultSink
	lastID uint64
}

// NewController wires a controller to its collaborators. preview may be nil.
func NewController(backend camera.Backend, permission camera.Permission, preview camera.PreviewSink) *Controller {
	return &Controller{
		backend:    backend,
		permission: permission,
		preview:    preview,
		output:     backend.Output(),
	}
}

// Start registers sink and brings the camera up if permission allows.
// A permission that is denied, restricted or refused leaves the
// controller idle and is not reported as an error.
func (c *Controller) Start(ctx context.Context, sink ResultSink) error {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()

	status := c.permission.Status()
	debug.Verbose("Session: camera permission is %s", status)

	switch status {
	case camera.Authorized:
		return c.SetupSession(nil)
	case camera.NotDetermined:
		debug.Info("Session: requesting camera access")
		if !c.permission.RequestAccess(ctx) {
			if err := ctx.Err(); err != nil {
				return err
			}
			debug.Info("Session: camera access refused, staying idle")
			return nil
		}
		return c.SetupSession(nil)
	default:
		debug.Info("Session: camera permission %s, staying idle", status)
		return nil
	}
}

// SetupSession rebuilds the session around dev (the backend default
// device when nil). Errors wrap camera.ErrSessionSetupFailed.
func (c *Controller) SetupSession(dev camera.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupLocked(dev)
}

func (c *Controller) setupLocked(dev camera.Device) error {
	c.teardownLocked()
	c.device = nil

	if dev == nil {
		d, err := c.backend.DefaultDevice()
		if err != nil {
			debug.Info("Session: no default camera: %v", err)
			metrics.RecordSessionSetup(false, true)
			return nil
		}
		dev = d
	}

	debug.Section("Session setup")
	debug.Value("Device", dev.ID())
	debug.Value("Position", dev.Position())

	input, err := c.backend.NewInput(dev)
	if err != nil {
		metrics.RecordSessionSetup(false, false)
		debug.Error(err)
		return fmt.Errorf("%w: open %s: %w", camera.ErrSessionSetupFailed, dev.ID(), err)
	}

	s := c.backend.NewSession()
	s.BeginConfiguration()
	if s.CanAddInput(input) {
		s.AddInput(input)
	} else {
		debug.Verbose("Session: input %s rejected", dev.ID())
		_ = input.Close()
	}
	if s.CanAddOutput(c.output) {
		s.AddOutput(c.output)
	}
	s.SetPreview(c.preview)
	s.CommitConfiguration()

	c.session = s
	c.device = dev
	c.config.Position = dev.Position()
	c.config.Focus = dev.FocusMode()
	c.applyMirroringLocked()

	s.StartRunning()
	metrics.RecordSessionSetup(true, false)
	metrics.SetSessionRunning(true)
	debug.Info("Session: running on %s camera (%s)", dev.Position(), dev.ID())
	return nil
}

// applyMirroringLocked carries a pinned mirroring choice over to a
// freshly built session, or adopts the connection's default.
func (c *Controller) applyMirroringLocked() {
	conn := c.output.Connection()
	if conn == nil {
		return
	}
	if !c.mirrorPinned {
		c.config.Mirrored = conn.Mirrored()
		return
	}
	c.session.BeginConfiguration()
	defer c.session.CommitConfiguration()
	conn.SetAutoMirroring(false)
	conn.SetMirrored(c.config.Mirrored)
}

// teardownLocked stops the session, removes every input and output and
// drops the reference. It always runs to completion.
func (c *Controller) teardownLocked() {
	s := c.session
	if s == nil {
		return
	}
	debug.Verbose("Session: tearing down")
	s.StopRunning()
	for _, in := range s.Inputs() {
		s.RemoveInput(in)
	}
	for _, out := range s.Outputs() {
		s.RemoveOutput(out)
	}
	c.session = nil
	metrics.SetSessionRunning(false)
}

// SwitchDevicePosition flips between the back and front camera and
// rebuilds the session. It does nothing while no device is current, which
// covers a controller never set up, closed, or left without a session by a
// failed setup or switch. If the new position has no camera, the old
// session is still torn down and no session remains.
func (c *Controller) SwitchDevicePosition() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return nil
	}
	from := c.config.Position
	to := from.Opposite()
	c.config.Position = to
	debug.Switch("position", from, to)
	metrics.RecordSwitch("position")

	dev, err := c.backend.DeviceAt(to)
	if err != nil {
		c.teardownLocked()
		c.device = nil
		debug.Info("Session: %v", err)
		metrics.RecordSessionSetup(false, true)
		return nil
	}
	return c.setupLocked(dev)
}

// SwitchFocusMode toggles auto and continuous-auto focus on the current
// device, then rebuilds the session around it.
func (c *Controller) SwitchFocusMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev := c.device
	if dev == nil {
		return nil
	}
	from := dev.FocusMode()
	to := from.Toggled()
	if !dev.IsFocusModeSupported(to) {
		return fmt.Errorf("switch focus mode: %s does not support %s", dev.ID(), to)
	}
	if err := configureDevice(dev, func() error { return dev.SetFocusMode(to) }); err != nil {
		return fmt.Errorf("switch focus mode: %w", err)
	}
	debug.Switch("focus", from, to)
	metrics.RecordSwitch("focus")
	return c.setupLocked(dev)
}

// configureDevice runs fn inside the device's configuration lock.
func configureDevice(dev camera.Device, fn func() error) error {
	if err := dev.LockForConfiguration(); err != nil {
		return fmt.Errorf("lock %s: %w", dev.ID(), err)
	}
	defer dev.UnlockForConfiguration()
	return fn()
}

// ToggleMirroring flips output mirroring inside a configuration
// transaction. The session keeps running.
func (c *Controller) ToggleMirroring() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}
	conn := c.output.Connection()
	if conn == nil {
		return
	}

	c.session.BeginConfiguration()
	defer c.session.CommitConfiguration()

	from := c.config.Mirrored
	if conn.MirroringSupported() {
		conn.SetMirrored(!conn.Mirrored())
	} else {
		conn.SetAutoMirroring(false)
		conn.SetMirrored(!from)
	}
	c.config.Mirrored = conn.Mirrored()
	c.mirrorPinned = true
	debug.Switch("mirroring", from, c.config.Mirrored)
	metrics.RecordSwitch("mirror")
}

// CycleFlashMode maps off to on and on to off.
func CycleFlashMode(m camera.FlashMode) camera.FlashMode {
	if m == camera.FlashOff {
		return camera.FlashOn
	}
	return camera.FlashOff
}

// ToggleFlashMode cycles the configured flash mode and returns the new one.
func (c *Controller) ToggleFlashMode() camera.FlashMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.config.Flash
	c.config.Flash = CycleFlashMode(from)
	debug.Switch("flash", from, c.config.Flash)
	metrics.RecordSwitch("flash")
	return c.config.Flash
}

// CapturePhoto triggers an asynchronous capture and returns its request
// id. The result reaches the sink registered by Start exactly once. flash
// is honoured only if the output supports it. Calling CapturePhoto before
// Start is a programming error and panics.
func (c *Controller) CapturePhoto(flash camera.FlashMode) uint64 {
	c.mu.Lock()
	sink := c.sink
	if sink == nil {
		c.mu.Unlock()
		panic("session: CapturePhoto called with no result sink registered")
	}
	c.lastID++
	settings := camera.Settings{
		RequestID: c.lastID,
		Flash:     camera.FlashOff,
		Mirrored:  c.config.Mirrored,
	}
	if camera.SupportsFlash(c.output.SupportedFlashModes()) {
		settings.Flash = flash
	}
	running := c.session != nil && c.session.IsRunning()
	output := c.output
	c.mu.Unlock()

	debug.PrintStruct("Capture settings", settings)
	deliver := func(r camera.Result) {
		metrics.RecordCapture(r.OK(), settings.Flash.String())
		if r.OK() {
			debug.Captured(r.RequestID, len(r.Image), settings.Flash.String())
		} else {
			debug.Error(r.Err)
		}
		sink(r)
	}

	if !running {
		go deliver(camera.Failure(settings.RequestID, camera.ErrNoSession))
		return settings.RequestID
	}
	output.CapturePhoto(settings, deliver)
	return settings.RequestID
}

// Configuration returns a snapshot of the device configuration.
func (c *Controller) Configuration() Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Running reports whether a capture session is running.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.IsRunning()
}

// Close tears the session down. The controller can be started again.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.device = nil
	return nil
}

// IsSetupFailure reports whether err came from a failed session setup.
func IsSetupFailure(err error) bool {
	return errors.Is(err, camera.ErrSessionSetupFailed)
}
