// Package cvcam is the camera backend for real video devices, built on
// OpenCV through gocv. Each configured device is a V4L2 index or path
// tagged with the position it faces.
package cvcam

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/cjeanneret/monocam/internal/hw/camera"
	"github.com/cjeanneret/monocam/internal/hw/flash"
	"gocv.io/x/gocv"
)

const (
	DefaultWidth      = 1280
	DefaultHeight     = 720
	DefaultPreviewFPS = 10
	DefaultQuality    = 95
)

// DeviceConfig names one physical camera.
type DeviceConfig struct {
	ID       string // "0", "/dev/video2", ...
	Position camera.Position
}

// Config describes the backend.
type Config struct {
	Devices    []DeviceConfig
	Width      int
	Height     int
	PreviewFPS int // 0 disables the preview loop
	Quality    int
	Flash      *flash.Unit // nil when no flash is wired
}

// source is the part of *gocv.VideoCapture the backend reads from.
type source interface {
	Read(m *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, v float64)
	Close() error
}

// opener opens a video source by device id.
type opener func(id string) (source, error)

func openVideoCapture(id string) (source, error) {
	var dev any = id
	if n, err := strconv.Atoi(id); err == nil {
		dev = n
	}
	vc, err := gocv.OpenVideoCapture(dev)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("video device %s did not open", id)
	}
	return vc, nil
}

// Backend implements camera.Backend for OpenCV devices.
type Backend struct {
	cfg     Config
	open    opener
	devices []*Device
	output  *Output
}

// New validates cfg and builds the backend. Devices are opened lazily,
// when a session asks for an input.
func New(cfg Config) (*Backend, error) {
	return newBackend(cfg, openVideoCapture)
}

func newBackend(cfg Config, open opener) (*Backend, error) {
	if len(cfg.Devices) == 0 {
		return nil, errors.New("cvcam: no devices configured")
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	b := &Backend{cfg: cfg, open: open}
	seen := map[camera.Position]bool{}
	for _, d := range cfg.Devices {
		if d.Position == camera.PositionUnspecified {
			return nil, fmt.Errorf("cvcam: device %s has no position", d.ID)
		}
		if seen[d.Position] {
			return nil, fmt.Errorf("cvcam: two devices face %s", d.Position)
		}
		seen[d.Position] = true
		b.devices = append(b.devices, &Device{id: d.ID, pos: d.Position, focus: camera.FocusContinuousAuto})
	}
	modes := []camera.FlashMode{camera.FlashOff}
	if cfg.Flash != nil {
		modes = append(modes, camera.FlashOn)
	}
	b.output = &Output{flashModes: modes, flash: cfg.Flash, quality: cfg.Quality}
	return b, nil
}

// DefaultDevice prefers the back camera, then whatever is configured first.
func (b *Backend) DefaultDevice() (camera.Device, error) {
	if d, err := b.DeviceAt(camera.Back); err == nil {
		return d, nil
	}
	return b.devices[0], nil
}

func (b *Backend) DeviceAt(pos camera.Position) (camera.Device, error) {
	for _, d := range b.devices {
		if d.pos == pos {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", camera.ErrDeviceUnavailable, pos)
}

// NewInput opens the device and applies its focus mode.
func (b *Backend) NewInput(dev camera.Device) (camera.Input, error) {
	d, ok := dev.(*Device)
	if !ok {
		return nil, fmt.Errorf("cvcam: foreign device %s", dev.ID())
	}
	src, err := b.open(d.id)
	if err != nil {
		return nil, fmt.Errorf("open video device %s: %w", d.id, err)
	}
	src.Set(gocv.VideoCaptureFrameWidth, float64(b.cfg.Width))
	src.Set(gocv.VideoCaptureFrameHeight, float64(b.cfg.Height))
	autofocus := 0.0
	if d.FocusMode() == camera.FocusContinuousAuto {
		autofocus = 1
	}
	src.Set(gocv.VideoCaptureAutoFocus, autofocus)
	debug.Verbose("cvcam: opened %s (%dx%d, autofocus %v)", d.id, b.cfg.Width, b.cfg.Height, autofocus)
	return &input{device: d, src: src}, nil
}

func (b *Backend) NewSession() camera.Session {
	return &Session{fps: b.cfg.PreviewFPS, quality: b.cfg.Quality}
}

func (b *Backend) Output() camera.Output { return b.output }

// Device is a configured video device.
type Device struct {
	id  string
	pos camera.Position

	mu     sync.Mutex
	focus  camera.FocusMode
	locked bool
}

func (d *Device) ID() string                { return d.id }
func (d *Device) Position() camera.Position { return d.pos }

func (d *Device) FocusMode() camera.FocusMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.focus
}

// IsFocusModeSupported is true for both modes; UVC cameras without
// autofocus ignore the property.
func (d *Device) IsFocusModeSupported(camera.FocusMode) bool { return true }

func (d *Device) LockForConfiguration() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return fmt.Errorf("device %s already locked", d.id)
	}
	d.locked = true
	return nil
}

// SetFocusMode records the mode; it takes effect on the next NewInput.
func (d *Device) SetFocusMode(m camera.FocusMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.locked {
		return fmt.Errorf("device %s not locked for configuration", d.id)
	}
	d.focus = m
	return nil
}

func (d *Device) UnlockForConfiguration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = false
}

type input struct {
	device *Device

	mu     sync.Mutex
	src    source
	closed bool
}

func (i *input) Device() camera.Device { return i.device }

func (i *input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.src.Close()
}

// grab reads one frame and encodes it as JPEG.
func (i *input) grab(mirrored bool, quality int) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, camera.ErrNoSession
	}

	frame := gocv.NewMat()
	defer frame.Close()
	if ok := i.src.Read(&frame); !ok {
		return nil, fmt.Errorf("cannot read device %s", i.device.id)
	}
	if frame.Empty() {
		return nil, fmt.Errorf("no image on device %s", i.device.id)
	}
	if mirrored {
		gocv.Flip(frame, &frame, 1)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	return bytes.Clone(buf.GetBytes()), nil
}

// Session runs one input into the photo output and, optionally, a preview
// loop pushing JPEG frames to the preview sink.
type Session struct {
	fps     int
	quality int

	mu      sync.Mutex
	input   *input
	output  *Output
	preview camera.PreviewSink
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func (s *Session) BeginConfiguration()  {}
func (s *Session) CommitConfiguration() {}

func (s *Session) CanAddInput(in camera.Input) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := in.(*input)
	return ok && s.input == nil
}

func (s *Session) AddInput(in camera.Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := in.(*input); ok && s.input == nil {
		s.input = i
	}
}

func (s *Session) RemoveInput(in camera.Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input != nil && camera.Input(s.input) == in {
		_ = s.input.Close()
		s.input = nil
	}
}

func (s *Session) Inputs() []camera.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input == nil {
		return nil
	}
	return []camera.Input{s.input}
}

func (s *Session) CanAddOutput(o camera.Output) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := o.(*Output)
	return ok && s.output == nil
}

func (s *Session) AddOutput(o camera.Output) {
	out, ok := o.(*Output)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.output != nil {
		s.mu.Unlock()
		return
	}
	s.output = out
	s.mu.Unlock()
	out.attach(s)
}

func (s *Session) RemoveOutput(o camera.Output) {
	s.mu.Lock()
	out := s.output
	if out == nil || camera.Output(out) != o {
		s.mu.Unlock()
		return
	}
	s.output = nil
	s.mu.Unlock()
	out.detach(s)
}

func (s *Session) Outputs() []camera.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.output == nil {
		return nil
	}
	return []camera.Output{s.output}
}

func (s *Session) SetPreview(p camera.PreviewSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preview = p
}

func (s *Session) StartRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	if s.preview == nil || s.fps <= 0 || s.input == nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.previewLoop(s.input, s.preview, s.stop, s.done)
}

// StopRunning returns once the preview loop has exited.
func (s *Session) StopRunning() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) currentInput() *input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

func (s *Session) previewLoop(in *input, sink camera.PreviewSink, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mirrored := false
			if out := s.attachedOutput(); out != nil {
				mirrored = out.mirrored()
			}
			frame, err := in.grab(mirrored, s.quality)
			if err != nil {
				debug.Trace("cvcam: preview frame dropped: %v", err)
				continue
			}
			sink.PreviewFrame(frame)
		}
	}
}

func (s *Session) attachedOutput() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// Output grabs still frames from its session's input, firing the flash
// unit around the grab when asked to.
type Output struct {
	flashModes []camera.FlashMode
	flash      *flash.Unit
	quality    int

	mu      sync.Mutex
	session *Session
	conn    *connection
}

func (o *Output) SupportedFlashModes() []camera.FlashMode {
	return append([]camera.FlashMode(nil), o.flashModes...)
}

func (o *Output) Connection() camera.Connection {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil
	}
	return o.conn
}

func (o *Output) attach(s *Session) {
	pos := camera.PositionUnspecified
	if in := s.currentInput(); in != nil {
		pos = in.device.pos
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = s
	o.conn = &connection{auto: true, pos: pos}
}

func (o *Output) detach(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == s {
		o.session = nil
		o.conn = nil
	}
}

func (o *Output) mirrored() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn != nil && o.conn.Mirrored()
}

func (o *Output) CapturePhoto(settings camera.Settings, deliver func(camera.Result)) {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()

	go func() {
		if s == nil || !s.IsRunning() {
			deliver(camera.Failure(settings.RequestID, camera.ErrNoSession))
			return
		}
		in := s.currentInput()
		if in == nil {
			deliver(camera.Failure(settings.RequestID, camera.ErrNoSession))
			return
		}

		var img []byte
		expose := func() error {
			var err error
			img, err = in.grab(settings.Mirrored, o.quality)
			return err
		}
		var err error
		if settings.Flash == camera.FlashOn && o.flash != nil {
			err = o.flash.Fire(expose)
		} else {
			err = expose()
		}
		if err != nil {
			deliver(camera.Failure(settings.RequestID, err))
			return
		}
		deliver(camera.Success(settings.RequestID, img))
	}()
}

// connection mirrors front-camera frames by default, like a selfie view.
type connection struct {
	mu       sync.Mutex
	pos      camera.Position
	auto     bool
	mirrored bool
}

func (c *connection) MirroringSupported() bool { return true }

func (c *connection) Mirrored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auto {
		return c.pos == camera.Front
	}
	return c.mirrored
}

func (c *connection) SetMirrored(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auto {
		c.auto = false
	}
	c.mirrored = on
}

func (c *connection) SetAutoMirroring(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !on && c.auto {
		c.mirrored = c.pos == camera.Front
	}
	c.auto = on
}
