package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/monocam/internal/hw/camera"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resultRecorder collects results delivered to the sink.
type resultRecorder struct {
	mu      sync.Mutex
	results []camera.Result
	ch      chan camera.Result
}

func newRecorder() *resultRecorder {
	return &resultRecorder{ch: make(chan camera.Result, 16)}
}

func (r *resultRecorder) sink(res camera.Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	r.ch <- res
}

func (r *resultRecorder) next(t *testing.T) camera.Result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no capture result delivered")
		return camera.Result{}
	}
}

// previewRecorder counts preview frames.
type previewRecorder struct {
	mu     sync.Mutex
	frames int
}

func (p *previewRecorder) PreviewFrame([]byte) {
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()
}

func startedController(t *testing.T) (*Controller, *camera.Mock, *resultRecorder) {
	t.Helper()
	mock := camera.NewMock()
	c := NewController(mock, camera.StaticPermission{State: camera.Authorized}, nil)
	rec := newRecorder()
	require.NoError(t, c.Start(context.Background(), rec.sink))
	require.True(t, c.Running())
	return c, mock, rec
}

func TestStart_AuthorizedBuildsSession(t *testing.T) {
	mock := camera.NewMock()
	preview := &previewRecorder{}
	c := NewController(mock, camera.StaticPermission{State: camera.Authorized}, preview)

	require.NoError(t, c.Start(context.Background(), newRecorder().sink))

	sessions := mock.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].IsRunning())
	assert.Len(t, sessions[0].Inputs(), 1)
	assert.Len(t, sessions[0].Outputs(), 1)
	assert.Equal(t, 1, preview.frames, "preview sink attached to the session")
	assert.Equal(t, camera.Back, c.Configuration().Position)
}

func TestStart_NotDeterminedGrantedBuildsSession(t *testing.T) {
	mock := camera.NewMock()
	c := NewController(mock, camera.StaticPermission{State: camera.NotDetermined, Grant: true}, nil)

	require.NoError(t, c.Start(context.Background(), newRecorder().sink))
	assert.True(t, c.Running())
}

func TestStart_DeniedStatesStayIdleSilently(t *testing.T) {
	perms := map[string]camera.Permission{
		"refused":    camera.StaticPermission{State: camera.NotDetermined, Grant: false},
		"denied":     camera.StaticPermission{State: camera.Denied},
		"restricted": camera.StaticPermission{State: camera.Restricted},
		"unknown":    camera.StaticPermission{State: camera.Unknown},
	}
	for name, perm := range perms {
		t.Run(name, func(t *testing.T) {
			mock := camera.NewMock()
			c := NewController(mock, perm, nil)

			assert.NoError(t, c.Start(context.Background(), newRecorder().sink))
			assert.False(t, c.Running())
			assert.Empty(t, mock.Sessions())
		})
	}
}

func TestStart_CancelledPermissionRequest(t *testing.T) {
	c := NewController(camera.NewMock(), camera.StaticPermission{State: camera.NotDetermined, Grant: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Start(ctx, newRecorder().sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.Running())
}

func TestStart_NoDefaultDeviceIsSwallowed(t *testing.T) {
	mock := camera.NewMock()
	mock.RemoveDevice(camera.Back)
	c := NewController(mock, camera.StaticPermission{State: camera.Authorized}, nil)

	assert.NoError(t, c.Start(context.Background(), newRecorder().sink))
	assert.False(t, c.Running())
}

func TestSetupSession_TearsDownPreviousSession(t *testing.T) {
	c, mock, _ := startedController(t)

	dev, err := mock.DeviceAt(camera.Front)
	require.NoError(t, err)
	require.NoError(t, c.SetupSession(dev))

	sessions := mock.Sessions()
	require.Len(t, sessions, 2)
	old := sessions[0]
	assert.False(t, old.IsRunning())
	assert.Empty(t, old.Inputs())
	assert.Empty(t, old.Outputs())
	assert.True(t, sessions[1].IsRunning())
	assert.Equal(t, 1, mock.OpenInputs(), "old device handle closed")
}

func TestSetupSession_InputFailureLeavesNoSession(t *testing.T) {
	c, mock, _ := startedController(t)

	boom := errors.New("device busy")
	mock.SetInputError(boom)
	dev, err := mock.DeviceAt(camera.Back)
	require.NoError(t, err)

	err = c.SetupSession(dev)
	require.Error(t, err)
	assert.ErrorIs(t, err, camera.ErrSessionSetupFailed)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsSetupFailure(err))

	assert.False(t, c.Running(), "no active session after failed setup")
	old := mock.Sessions()[0]
	assert.False(t, old.IsRunning(), "previous session must not survive")
	assert.Empty(t, old.Inputs())
	assert.Len(t, mock.Sessions(), 1, "no half-built session")
	assert.Zero(t, mock.OpenInputs())
}

func TestSwitchDevicePosition_FlipsAndReplaces(t *testing.T) {
	c, mock, _ := startedController(t)

	for i, want := range []camera.Position{camera.Front, camera.Back, camera.Front} {
		before := c.Configuration().Position
		require.NoError(t, c.SwitchDevicePosition())
		after := c.Configuration().Position
		assert.Equal(t, before.Opposite(), after)
		assert.Equal(t, want, after)

		sessions := mock.Sessions()
		require.Len(t, sessions, i+2)
		current := sessions[len(sessions)-1]
		require.Len(t, current.Inputs(), 1)
		assert.Equal(t, want, current.Inputs()[0].Device().Position(), "only new inputs in the new session")
		for _, s := range sessions[:len(sessions)-1] {
			assert.False(t, s.IsRunning())
			assert.Empty(t, s.Inputs())
		}
	}
	assert.Equal(t, 1, mock.OpenInputs())
}

func TestSwitchDevicePosition_MissingDeviceLeavesNoSession(t *testing.T) {
	c, mock, _ := startedController(t)
	mock.RemoveDevice(camera.Front)

	require.NoError(t, c.SwitchDevicePosition())
	assert.Equal(t, camera.Front, c.Configuration().Position)
	assert.False(t, c.Running())
	assert.Zero(t, mock.OpenInputs())

	// No device is current any more, so a second switch does nothing.
	require.NoError(t, c.SwitchDevicePosition())
	assert.Equal(t, camera.Front, c.Configuration().Position)
	assert.False(t, c.Running())
	assert.Len(t, mock.Sessions(), 1)

	// An explicit setup recovers.
	require.NoError(t, c.SetupSession(nil))
	assert.True(t, c.Running())
	assert.Equal(t, camera.Back, c.Configuration().Position)
}

func TestSwitchDevicePosition_NoopAfterClose(t *testing.T) {
	c, mock, _ := startedController(t)
	require.NoError(t, c.Close())

	require.NoError(t, c.SwitchDevicePosition())
	assert.False(t, c.Running(), "closed controller must stay down")
	assert.Len(t, mock.Sessions(), 1)
	assert.Equal(t, camera.Back, c.Configuration().Position)
	assert.Zero(t, mock.OpenInputs())
}

func TestSwitchDevicePosition_NoopAfterFailedSetup(t *testing.T) {
	c, mock, _ := startedController(t)
	mock.SetInputError(errors.New("device busy"))
	require.Error(t, c.SetupSession(nil))
	mock.SetInputError(nil)

	require.NoError(t, c.SwitchDevicePosition())
	assert.False(t, c.Running())
	assert.Len(t, mock.Sessions(), 1)
	assert.Equal(t, camera.Back, c.Configuration().Position)
}

func TestSwitchDevicePosition_NoopBeforeSetup(t *testing.T) {
	mock := camera.NewMock()
	c := NewController(mock, camera.StaticPermission{State: camera.Denied}, nil)
	require.NoError(t, c.Start(context.Background(), newRecorder().sink))

	require.NoError(t, c.SwitchDevicePosition())
	assert.Equal(t, camera.PositionUnspecified, c.Configuration().Position)
	assert.Empty(t, mock.Sessions())
}

func TestSwitchFocusMode_TogglesUnderLockAndRebuilds(t *testing.T) {
	c, mock, _ := startedController(t)
	dev, err := mock.DeviceAt(camera.Back)
	require.NoError(t, err)
	md := dev.(*camera.MockDevice)

	require.Equal(t, camera.FocusContinuousAuto, c.Configuration().Focus)
	require.NoError(t, c.SwitchFocusMode())
	assert.Equal(t, camera.FocusAuto, c.Configuration().Focus)
	assert.Equal(t, camera.FocusAuto, md.FocusMode())
	assert.Len(t, mock.Sessions(), 2)
	assert.True(t, c.Running())

	require.NoError(t, c.SwitchFocusMode())
	assert.Equal(t, camera.FocusContinuousAuto, c.Configuration().Focus)

	locks, unlocks := md.LockCounts()
	assert.Equal(t, 2, locks)
	assert.Equal(t, locks, unlocks, "every lock released")
}

func TestSwitchFocusMode_Failures(t *testing.T) {
	c, mock, _ := startedController(t)
	dev, _ := mock.DeviceAt(camera.Back)
	md := dev.(*camera.MockDevice)

	md.SetSupportedFocusModes(camera.FocusContinuousAuto)
	assert.Error(t, c.SwitchFocusMode())
	assert.Len(t, mock.Sessions(), 1, "unsupported mode does not rebuild")

	md.SetSupportedFocusModes(camera.FocusAuto, camera.FocusContinuousAuto)
	md.SetLockError(errors.New("in use"))
	assert.Error(t, c.SwitchFocusMode())
	locks, unlocks := md.LockCounts()
	assert.Equal(t, locks, unlocks)
	assert.True(t, c.Running())
}

func TestToggleMirroring_KeepsSessionRunning(t *testing.T) {
	c, mock, _ := startedController(t)
	session := mock.Sessions()[0]

	before := c.Configuration().Mirrored
	c.ToggleMirroring()
	assert.Equal(t, !before, c.Configuration().Mirrored)
	assert.True(t, session.IsRunning())
	assert.Zero(t, session.Stops(), "mirroring must not stop the session")
	assert.False(t, session.Configuring(), "configuration committed")
	assert.Len(t, mock.Sessions(), 1, "no rebuild")

	c.ToggleMirroring()
	assert.Equal(t, before, c.Configuration().Mirrored)
	assert.True(t, session.IsRunning())
}

func TestToggleMirroring_UnsupportedConnectionForcesInverse(t *testing.T) {
	mock := camera.NewMock()
	mock.MockOutput().SetMirroringSupported(false)
	c := NewController(mock, camera.StaticPermission{State: camera.Authorized}, nil)
	require.NoError(t, c.Start(context.Background(), newRecorder().sink))

	c.ToggleMirroring()
	conn := mock.Output().Connection().(*camera.MockConnection)
	assert.True(t, conn.Mirrored())
	assert.False(t, conn.AutoMirroring())
	assert.True(t, c.Configuration().Mirrored)
}

func TestToggleMirroring_SurvivesRebuild(t *testing.T) {
	c, _, _ := startedController(t)
	c.ToggleMirroring()
	require.True(t, c.Configuration().Mirrored)

	require.NoError(t, c.SwitchFocusMode())
	assert.True(t, c.Configuration().Mirrored, "pinned mirroring carried to the rebuilt session")
}

func TestToggleMirroring_NoSessionIsNoop(t *testing.T) {
	c := NewController(camera.NewMock(), camera.StaticPermission{State: camera.Denied}, nil)
	c.ToggleMirroring()
	assert.False(t, c.Configuration().Mirrored)
}

func TestCycleFlashMode(t *testing.T) {
	assert.Equal(t, camera.FlashOn, CycleFlashMode(camera.FlashOff))
	assert.Equal(t, camera.FlashOff, CycleFlashMode(camera.FlashOn))
}

func TestToggleFlashMode_NoRebuild(t *testing.T) {
	c, mock, _ := startedController(t)
	assert.Equal(t, camera.FlashOn, c.ToggleFlashMode())
	assert.Equal(t, camera.FlashOff, c.ToggleFlashMode())
	assert.Len(t, mock.Sessions(), 1)
}

func TestCapturePhoto_FlashGating(t *testing.T) {
	cases := []struct {
		name      string
		supported []camera.FlashMode
		requested camera.FlashMode
		want      camera.FlashMode
	}{
		{"supported_on", []camera.FlashMode{camera.FlashOff, camera.FlashOn}, camera.FlashOn, camera.FlashOn},
		{"supported_off", []camera.FlashMode{camera.FlashOff, camera.FlashOn}, camera.FlashOff, camera.FlashOff},
		{"unsupported_on", []camera.FlashMode{camera.FlashOff}, camera.FlashOn, camera.FlashOff},
		{"none_on", nil, camera.FlashOn, camera.FlashOff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, mock, rec := startedController(t)
			mock.MockOutput().SetFlashModes(tc.supported...)

			id := c.CapturePhoto(tc.requested)
			res := rec.next(t)
			require.True(t, res.OK(), "capture failed: %v", res.Err)
			assert.Equal(t, id, res.RequestID)

			captures := mock.MockOutput().Captures()
			require.Len(t, captures, 1)
			assert.Equal(t, tc.want, captures[0].Flash)
		})
	}
}

func TestCapturePhoto_SettingsCarryMirroringAndIDs(t *testing.T) {
	c, mock, rec := startedController(t)
	c.ToggleMirroring()

	first := c.CapturePhoto(camera.FlashOff)
	rec.next(t)
	second := c.CapturePhoto(camera.FlashOff)
	rec.next(t)

	want := []camera.Settings{
		{RequestID: first, Flash: camera.FlashOff, Mirrored: true},
		{RequestID: second, Flash: camera.FlashOff, Mirrored: true},
	}
	if diff := cmp.Diff(want, mock.MockOutput().Captures()); diff != "" {
		t.Errorf("capture settings mismatch (-want +got):\n%s", diff)
	}
	assert.Greater(t, second, first)
}

func TestCapturePhoto_HardwareErrorReachesSink(t *testing.T) {
	c, mock, rec := startedController(t)
	boom := errors.New("shutter jammed")
	mock.MockOutput().SetCaptureError(boom)

	c.CapturePhoto(camera.FlashOff)
	res := rec.next(t)
	assert.ErrorIs(t, res.Err, camera.ErrCaptureFailed)
	assert.ErrorIs(t, res.Err, boom)
}

func TestCapturePhoto_NoSessionFails(t *testing.T) {
	c := NewController(camera.NewMock(), camera.StaticPermission{State: camera.Denied}, nil)
	rec := newRecorder()
	require.NoError(t, c.Start(context.Background(), rec.sink))

	c.CapturePhoto(camera.FlashOn)
	res := rec.next(t)
	assert.ErrorIs(t, res.Err, camera.ErrNoSession)
}

func TestCapturePhoto_WithoutSinkPanics(t *testing.T) {
	c := NewController(camera.NewMock(), camera.StaticPermission{State: camera.Authorized}, nil)
	assert.Panics(t, func() { c.CapturePhoto(camera.FlashOff) })
}

func TestClose_TearsDown(t *testing.T) {
	c, mock, _ := startedController(t)
	require.NoError(t, c.Close())
	assert.False(t, c.Running())
	assert.Zero(t, mock.OpenInputs())
}

func TestConcurrentOperationsNeverOverlap(t *testing.T) {
	c, mock, rec := startedController(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _ = c.SwitchDevicePosition() }()
		go func() { defer wg.Done(); _ = c.SwitchFocusMode() }()
		go func() { defer wg.Done(); c.ToggleMirroring() }()
	}
	wg.Wait()

	assert.True(t, c.Running())
	assert.Equal(t, 1, mock.OpenInputs(), "exactly one live device handle")
	running := 0
	for _, s := range mock.Sessions() {
		if s.IsRunning() {
			running++
		}
	}
	assert.Equal(t, 1, running, "at most one running session")

	c.CapturePhoto(camera.FlashOff)
	assert.True(t, rec.next(t).OK())
}
