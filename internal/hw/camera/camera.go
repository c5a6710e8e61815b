// Package camera is the hardware boundary of MonoCam: the types and
// interfaces a capture backend implements, plus a synthetic backend used
// for development and tests.
package camera

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied   = errors.New("camera permission denied")
	ErrDeviceUnavailable  = errors.New("no camera device for requested position")
	ErrSessionSetupFailed = errors.New("capture session setup failed")
	ErrCaptureFailed      = errors.New("photo capture failed")
	ErrNoSession          = errors.New("no active capture session")
)

// Position is the logical camera selection.
type Position int

const (
	PositionUnspecified Position = iota
	Back
	Front
)

func (p Position) String() string {
	switch p {
	case Back:
		return "back"
	case Front:
		return "front"
	default:
		return "unspecified"
	}
}

// Opposite returns front for back and back for anything else.
func (p Position) Opposite() Position {
	if p == Back {
		return Front
	}
	return Back
}

// ParsePosition accepts "front" or "back".
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back", "rear":
		return Back, nil
	case "front":
		return Front, nil
	}
	return PositionUnspecified, fmt.Errorf("unknown camera position %q", s)
}

type FocusMode int

const (
	FocusAuto FocusMode = iota
	FocusContinuousAuto
)

func (m FocusMode) String() string {
	if m == FocusContinuousAuto {
		return "continuous-auto"
	}
	return "auto"
}

// Toggled flips auto and continuous-auto.
func (m FocusMode) Toggled() FocusMode {
	if m == FocusAuto {
		return FocusContinuousAuto
	}
	return FocusAuto
}

type FlashMode int

const (
	FlashOff FlashMode = iota
	FlashOn
)

func (m FlashMode) String() string {
	if m == FlashOn {
		return "on"
	}
	return "off"
}

// ParseFlashMode accepts "on" or "off".
func ParseFlashMode(s string) (FlashMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return FlashOn, nil
	case "off", "":
		return FlashOff, nil
	}
	return FlashOff, fmt.Errorf("unknown flash mode %q", s)
}

// Device is a physical camera.
type Device interface {
	ID() string
	Position() Position
	FocusMode() FocusMode
	IsFocusModeSupported(FocusMode) bool

	// LockForConfiguration must succeed before SetFocusMode; every
	// successful lock is paired with UnlockForConfiguration.
	LockForConfiguration() error
	SetFocusMode(FocusMode) error
	UnlockForConfiguration()
}

// Input is an opened device handle attached to a session.
type Input interface {
	Device() Device
	Close() error
}

// Connection is the link between a session's input and the photo output.
type Connection interface {
	MirroringSupported() bool
	Mirrored() bool
	SetMirrored(on bool)
	// SetAutoMirroring(false) pins mirroring to the value set explicitly
	// instead of following the device position.
	SetAutoMirroring(on bool)
}

// Settings are per-capture parameters.
type Settings struct {
	RequestID uint64
	Flash     FlashMode
	Mirrored  bool
}

// Result is the tagged outcome of one capture: Image on success, Err on failure.
type Result struct {
	RequestID uint64
	Image     []byte
	Err       error
}

// Success builds a successful result.
func Success(id uint64, img []byte) Result { return Result{RequestID: id, Image: img} }

// Failure builds a failed result; err is wrapped with ErrCaptureFailed.
func Failure(id uint64, err error) Result {
	if !errors.Is(err, ErrCaptureFailed) {
		err = fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	return Result{RequestID: id, Err: err}
}

func (r Result) OK() bool { return r.Err == nil }

// Output produces still photos from whatever input its session carries.
type Output interface {
	SupportedFlashModes() []FlashMode
	// Connection is nil while the output is not attached to a session.
	Connection() Connection
	// CapturePhoto returns immediately; deliver is called exactly once,
	// from another goroutine.
	CapturePhoto(settings Settings, deliver func(Result))
}

// PreviewSink receives JPEG preview frames while a session runs.
type PreviewSink interface {
	PreviewFrame(jpeg []byte)
}

// Session is the live pipeline of input, output and preview.
type Session interface {
	BeginConfiguration()
	CommitConfiguration()

	CanAddInput(Input) bool
	AddInput(Input)
	RemoveInput(Input)
	Inputs() []Input

	CanAddOutput(Output) bool
	AddOutput(Output)
	RemoveOutput(Output)
	Outputs() []Output

	SetPreview(PreviewSink)

	StartRunning()
	StopRunning()
	IsRunning() bool
}

// Backend enumerates devices and builds sessions.
type Backend interface {
	// DefaultDevice and DeviceAt return ErrDeviceUnavailable when nothing matches.
	DefaultDevice() (Device, error)
	DeviceAt(Position) (Device, error)
	NewInput(Device) (Input, error)
	NewSession() Session
	// Output is the single photo output reused across sessions.
	Output() Output
}

// SupportsFlash reports whether modes contains FlashOn.
func SupportsFlash(modes []FlashMode) bool {
	for _, m := range modes {
		if m == FlashOn {
			return true
		}
	}
	return false
}
