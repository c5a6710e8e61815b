package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"slices"
	"sync"
)

// Mock is a synthetic backend: two devices (back, front) producing test
// pattern JPEGs. It records everything it is asked to do so tests can
// inspect session lifecycles.
type Mock struct {
	mu         sync.Mutex
	devices    map[Position]*MockDevice
	defaultPos Position
	inputErr   error
	output     *MockOutput
	sessions   []*MockSession
	openInputs int
}

// NewMock returns a backend with a back and a front device, back being
// the default, and an output supporting both flash modes.
func NewMock() *Mock {
	m := &Mock{
		devices: map[Position]*MockDevice{
			Back:  NewMockDevice("mock-back", Back),
			Front: NewMockDevice("mock-front", Front),
		},
		defaultPos: Back,
	}
	m.output = &MockOutput{flashModes: []FlashMode{FlashOff, FlashOn}}
	return m
}

// RemoveDevice simulates an unplugged camera.
func (m *Mock) RemoveDevice(pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, pos)
}

// SetInputError makes every following NewInput fail with err (nil clears it).
func (m *Mock) SetInputError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputErr = err
}

// Sessions returns every session built so far, oldest first.
func (m *Mock) Sessions() []*MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sessions)
}

// OpenInputs is the number of inputs created and not yet closed.
func (m *Mock) OpenInputs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openInputs
}

// MockOutput returns the concrete output for test inspection.
func (m *Mock) MockOutput() *MockOutput { return m.output }

func (m *Mock) DefaultDevice() (Device, error) {
	return m.DeviceAt(m.defaultPos)
}

func (m *Mock) DeviceAt(pos Position) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[pos]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, pos)
	}
	return d, nil
}

func (m *Mock) NewInput(d Device) (Input, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inputErr != nil {
		return nil, m.inputErr
	}
	m.openInputs++
	return &mockInput{backend: m, device: d}, nil
}

func (m *Mock) NewSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &MockSession{}
	m.sessions = append(m.sessions, s)
	return s
}

func (m *Mock) Output() Output { return m.output }

type mockInput struct {
	backend *Mock
	device  Device
	once    sync.Once
}

func (i *mockInput) Device() Device { return i.device }

func (i *mockInput) Close() error {
	i.once.Do(func() {
		i.backend.mu.Lock()
		i.backend.openInputs--
		i.backend.mu.Unlock()
	})
	return nil
}

// MockDevice records configuration locking.
type MockDevice struct {
	mu      sync.Mutex
	id      string
	pos     Position
	focus   FocusMode
	locked  bool
	lockErr error
	locks   int
	unlocks int
	modes   []FocusMode
}

func NewMockDevice(id string, pos Position) *MockDevice {
	return &MockDevice{
		id:    id,
		pos:   pos,
		focus: FocusContinuousAuto,
		modes: []FocusMode{FocusAuto, FocusContinuousAuto},
	}
}

func (d *MockDevice) ID() string         { return d.id }
func (d *MockDevice) Position() Position { return d.pos }

func (d *MockDevice) FocusMode() FocusMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.focus
}

func (d *MockDevice) IsFocusModeSupported(m FocusMode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.modes, m)
}

// SetSupportedFocusModes restricts the focus modes the device accepts.
func (d *MockDevice) SetSupportedFocusModes(modes ...FocusMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes = modes
}

// SetLockError makes LockForConfiguration fail.
func (d *MockDevice) SetLockError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lockErr = err
}

func (d *MockDevice) LockForConfiguration() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lockErr != nil {
		return d.lockErr
	}
	if d.locked {
		return fmt.Errorf("device %s already locked", d.id)
	}
	d.locked = true
	d.locks++
	return nil
}

func (d *MockDevice) SetFocusMode(m FocusMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.locked {
		return fmt.Errorf("device %s not locked for configuration", d.id)
	}
	if !slices.Contains(d.modes, m) {
		return fmt.Errorf("device %s does not support focus mode %s", d.id, m)
	}
	d.focus = m
	return nil
}

func (d *MockDevice) UnlockForConfiguration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		d.locked = false
		d.unlocks++
	}
}

// LockCounts returns how many times the device was locked and unlocked.
func (d *MockDevice) LockCounts() (locks, unlocks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locks, d.unlocks
}

// MockSession is an in-memory session.
type MockSession struct {
	mu          sync.Mutex
	inputs      []Input
	outputs     []Output
	preview     PreviewSink
	running     bool
	configDepth int
	starts      int
	stops       int
	commits     int
}

func (s *MockSession) BeginConfiguration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configDepth++
}

func (s *MockSession) CommitConfiguration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configDepth > 0 {
		s.configDepth--
		s.commits++
	}
}

// Configuring reports an uncommitted configuration transaction.
func (s *MockSession) Configuring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configDepth > 0
}

// Commits is the number of committed configuration transactions.
func (s *MockSession) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *MockSession) CanAddInput(in Input) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs) == 0
}

func (s *MockSession) AddInput(in Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
}

func (s *MockSession) RemoveInput(in Input) {
	s.mu.Lock()
	s.inputs = slices.DeleteFunc(s.inputs, func(x Input) bool { return x == in })
	s.mu.Unlock()
	_ = in.Close()
}

func (s *MockSession) Inputs() []Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.inputs)
}

func (s *MockSession) CanAddOutput(o Output) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !slices.Contains(s.outputs, o)
}

func (s *MockSession) AddOutput(o Output) {
	s.mu.Lock()
	s.outputs = append(s.outputs, o)
	s.mu.Unlock()
	if mo, ok := o.(*MockOutput); ok {
		mo.attach(s)
	}
}

func (s *MockSession) RemoveOutput(o Output) {
	s.mu.Lock()
	s.outputs = slices.DeleteFunc(s.outputs, func(x Output) bool { return x == o })
	s.mu.Unlock()
	if mo, ok := o.(*MockOutput); ok {
		mo.detach(s)
	}
}

func (s *MockSession) Outputs() []Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outputs)
}

func (s *MockSession) SetPreview(p PreviewSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preview = p
}

// StartRunning pushes a single preview frame to the preview sink.
func (s *MockSession) StartRunning() {
	s.mu.Lock()
	s.running = true
	s.starts++
	preview := s.preview
	var pos Position
	if len(s.inputs) > 0 {
		pos = s.inputs[0].Device().Position()
	}
	s.mu.Unlock()

	if preview != nil {
		if frame, err := TestPattern(pos, false); err == nil {
			preview.PreviewFrame(frame)
		}
	}
}

func (s *MockSession) StopRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		s.stops++
	}
}

func (s *MockSession) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stops is the number of running -> stopped transitions.
func (s *MockSession) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *MockSession) position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return PositionUnspecified
	}
	return s.inputs[0].Device().Position()
}

// MockConnection tracks mirroring state.
type MockConnection struct {
	mu        sync.Mutex
	supported bool
	mirrored  bool
	auto      bool
}

func (c *MockConnection) MirroringSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported
}

func (c *MockConnection) Mirrored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirrored
}

func (c *MockConnection) SetMirrored(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirrored = on
}

func (c *MockConnection) SetAutoMirroring(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto = on
}

// AutoMirroring reports whether automatic mirroring is still enabled.
func (c *MockConnection) AutoMirroring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auto
}

// MockOutput records capture settings and delivers test patterns.
type MockOutput struct {
	mu              sync.Mutex
	flashModes      []FlashMode
	session         *MockSession
	conn            *MockConnection
	noMirroring     bool
	err             error
	hold            bool
	captures        []Settings
	pendingDelivery []func()
}

// SetFlashModes replaces the supported flash modes.
func (o *MockOutput) SetFlashModes(modes ...FlashMode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flashModes = modes
}

// SetMirroringSupported controls whether new connections support mirroring.
func (o *MockOutput) SetMirroringSupported(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.noMirroring = !ok
}

// SetCaptureError makes captures fail with err (nil clears it).
func (o *MockOutput) SetCaptureError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// SetHold makes captures never deliver until Release is called.
func (o *MockOutput) SetHold(hold bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hold = hold
}

// Release delivers every held capture.
func (o *MockOutput) Release() {
	o.mu.Lock()
	pending := o.pendingDelivery
	o.pendingDelivery = nil
	o.hold = false
	o.mu.Unlock()
	for _, fn := range pending {
		go fn()
	}
}

// Captures returns the settings of every capture requested so far.
func (o *MockOutput) Captures() []Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.captures)
}

func (o *MockOutput) attach(s *MockSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = s
	o.conn = &MockConnection{supported: !o.noMirroring, auto: true, mirrored: s.position() == Front}
}

func (o *MockOutput) detach(s *MockSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == s {
		o.session = nil
		o.conn = nil
	}
}

func (o *MockOutput) SupportedFlashModes() []FlashMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.flashModes)
}

func (o *MockOutput) Connection() Connection {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil
	}
	return o.conn
}

func (o *MockOutput) CapturePhoto(settings Settings, deliver func(Result)) {
	o.mu.Lock()
	o.captures = append(o.captures, settings)
	session, err := o.session, o.err

	run := func() {
		switch {
		case session == nil || !session.IsRunning():
			deliver(Failure(settings.RequestID, ErrNoSession))
		case err != nil:
			deliver(Failure(settings.RequestID, err))
		default:
			img, encErr := TestPattern(session.position(), settings.Mirrored)
			if encErr != nil {
				deliver(Failure(settings.RequestID, encErr))
				return
			}
			deliver(Success(settings.RequestID, img))
		}
	}
	if o.hold {
		o.pendingDelivery = append(o.pendingDelivery, run)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	go run()
}

// TestPattern renders a small gradient JPEG: warm for the back camera,
// cool for the front one. Mirrored flips the gradient.
func TestPattern(pos Position, mirrored bool) ([]byte, error) {
	const w, h = 64, 48
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if mirrored {
				v = 255 - v
			}
			c := color.RGBA{R: v, G: uint8(y * 255 / (h - 1)), B: 255 - v, A: 255}
			if pos == Front {
				c.R, c.B = c.B, c.R
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
