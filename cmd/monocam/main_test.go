package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/monocam/internal/config"
	"github.com/cjeanneret/monocam/internal/hw/camera"
	"github.com/cjeanneret/monocam/internal/hw/camera/cvcam"
	"github.com/cjeanneret/monocam/internal/hw/gpio"
	"github.com/cjeanneret/monocam/internal/store"
)

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides_Valid(t *testing.T) {
	cases := []Overrides{
		{},
		{Backend: "mock"},
		{Backend: "opencv", Countdown: 60},
		{Countdown: 1, Flash: "on", Position: "front"},
		{Flash: "OFF", Position: "back"},
	}
	for _, o := range cases {
		if err := validateCLIOverrides(o); err != nil {
			t.Errorf("%+v: expected valid, got: %v", o, err)
		}
	}
}

func TestValidateCLIOverrides_Invalid(t *testing.T) {
	cases := []Overrides{
		{Backend: "v4l"},
		{Countdown: -1},
		{Countdown: 61},
		{Flash: "auto"},
		{Position: "side"},
	}
	for _, o := range cases {
		if err := validateCLIOverrides(o); err == nil {
			t.Errorf("%+v: expected error, got nil", o)
		}
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag(t *testing.T) {
	var w webPortFlag
	if w.enabled() {
		t.Error("unset flag should not enable the station")
	}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\"): %v", err)
	}
	if !w.enabled() || w.port(8080) != 8080 {
		t.Errorf("-web= should use the configured port, got %d", w.port(8080))
	}
	if err := w.Set("8980"); err != nil {
		t.Fatalf("Set(8980): %v", err)
	}
	if w.port(8080) != 8980 || w.String() != "8980" {
		t.Errorf("port = %d (%s), want 8980", w.port(8080), w.String())
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	for _, s := range []string{"0", "-1", "65536", "abc", "80.5"} {
		var w webPortFlag
		if err := w.Set(s); err == nil {
			t.Errorf("Set(%q) expected error, got nil", s)
		}
	}
}

// ---------- applyOverrides ----------

func newTestConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestApplyOverrides(t *testing.T) {
	cfg := newTestConfig(t, "camera:\n  backend: opencv\n")
	applyOverrides(cfg, Overrides{Backend: "mock", Countdown: 7, Flash: " ON "})
	if cfg.Camera.Backend != "mock" {
		t.Errorf("backend = %q, want mock", cfg.Camera.Backend)
	}
	if cfg.Capture.CountdownSeconds != 7 {
		t.Errorf("countdown = %d, want 7", cfg.Capture.CountdownSeconds)
	}
	if cfg.FlashMode() != camera.FlashOn {
		t.Errorf("flash = %v, want on", cfg.FlashMode())
	}
}

func TestApplyOverrides_ZeroLeavesUnchanged(t *testing.T) {
	cfg := newTestConfig(t, "camera:\n  backend: opencv\ncapture:\n  countdown_seconds: 4\n")
	applyOverrides(cfg, Overrides{})
	if cfg.Camera.Backend != "opencv" || cfg.Capture.CountdownSeconds != 4 || cfg.Capture.Flash != "off" {
		t.Errorf("config changed: %+v %+v", cfg.Camera, cfg.Capture)
	}
}

// ---------- wiring ----------

func TestNewPermissionFromConfig(t *testing.T) {
	cases := map[string]camera.AuthorizationStatus{
		"authorized":     camera.Authorized,
		"denied":         camera.Denied,
		"restricted":     camera.Restricted,
		"not-determined": camera.NotDetermined,
	}
	for name, want := range cases {
		cfg := newTestConfig(t, "camera:\n  backend: mock\n  permission: "+name+"\n")
		if got := newPermissionFromConfig(cfg).Status(); got != want {
			t.Errorf("%s: status = %v, want %v", name, got, want)
		}
	}

	cfg := newTestConfig(t, "camera:\n  backend: mock\n  permission: device\n  device_node: /dev/video7\n")
	p, ok := newPermissionFromConfig(cfg).(camera.DeviceNodePermission)
	if !ok || p.Path != "/dev/video7" {
		t.Errorf("device permission = %#v", p)
	}
}

func TestNewBackendFromConfig(t *testing.T) {
	cfg := newTestConfig(t, "camera:\n  backend: mock\n")
	b, err := newBackendFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("mock backend: %v", err)
	}
	if camera.SupportsFlash(b.Output().SupportedFlashModes()) {
		t.Error("mock without a flash unit should not support flash")
	}

	cfg = newTestConfig(t, "camera:\n  backend: opencv\n  devices:\n    - id: \"0\"\n      position: back\n    - id: \"1\"\n      position: front\n")
	b, err = newBackendFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("opencv backend: %v", err)
	}
	if _, ok := b.(*cvcam.Backend); !ok {
		t.Errorf("backend = %T, want *cvcam.Backend", b)
	}
	if _, err := b.DeviceAt(camera.Front); err != nil {
		t.Errorf("front device: %v", err)
	}

	cfg.Camera.Backend = "v4l"
	if _, err := newBackendFromConfig(cfg, nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}

// ---------- one-shot ----------

func oneShotConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "photos")
	return newTestConfig(t, "camera:\n  backend: mock\n  devices:\n    - id: \"0\"\n      position: back\n    - id: \"1\"\n      position: front\ncapture:\n  countdown_seconds: 2\nstorage:\n  dir: \""+dir+"\"\ndefaults:\n  debug_level: 0\n  mock_gpio: true\n"+extra)
}

func TestRunOnce_SavesPhoto(t *testing.T) {
	cfg := oneShotConfig(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name, err := runOnce(ctx, cfg, "front", true, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if name == "" {
		t.Fatal("expected a stored photo name")
	}
	data, err := os.ReadFile(filepath.Join(cfg.Storage.Dir, name+store.Ext))
	if err != nil {
		t.Fatalf("read saved photo: %v", err)
	}
	if len(data) < 2 || data[0] != 0xff || data[1] != 0xd8 {
		t.Error("saved photo is not a JPEG")
	}
}

func TestRunOnce_NoSave(t *testing.T) {
	cfg := oneShotConfig(t, "")
	name, err := runOnce(context.Background(), cfg, "", false, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if name != "" {
		t.Errorf("name = %q, want empty", name)
	}
	entries, _ := os.ReadDir(cfg.Storage.Dir)
	if len(entries) != 0 {
		t.Errorf("photo directory has %d entries, want 0", len(entries))
	}
}

func TestRunOnce_PermissionDenied(t *testing.T) {
	cfg := oneShotConfig(t, "")
	cfg.Camera.Permission = "denied"
	_, err := runOnce(context.Background(), cfg, "", true, 5*time.Millisecond)
	if !errors.Is(err, camera.ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestRunOnce_Cancelled(t *testing.T) {
	cfg := oneShotConfig(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runOnce(ctx, cfg, "", true, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// ---------- station ----------

func discardPresenter() *cliPresenter {
	return &cliPresenter{out: io.Discard, done: make(chan outcome, 4)}
}

func TestNewStationApp_AppliesPosition(t *testing.T) {
	cfg := oneShotConfig(t, "")
	a, err := newStationApp(context.Background(), cfg, discardPresenter(), nil, "front")
	if err != nil {
		t.Fatalf("newStationApp: %v", err)
	}
	defer a.Close()

	if got := a.controller.Configuration().Position; got != camera.Front {
		t.Errorf("position = %v, want front", got)
	}
	if !a.controller.Running() {
		t.Error("camera not running")
	}
}

func TestNewStationApp_DefaultPosition(t *testing.T) {
	cfg := oneShotConfig(t, "")
	a, err := newStationApp(context.Background(), cfg, discardPresenter(), nil, "")
	if err != nil {
		t.Fatalf("newStationApp: %v", err)
	}
	defer a.Close()

	if got := a.controller.Configuration().Position; got != camera.Back {
		t.Errorf("position = %v, want back", got)
	}
}

func TestShutterButtonStartsCountdown(t *testing.T) {
	cfg := oneShotConfig(t, "button:\n  enabled: true\n  pin: 27\n  poll_ms: 1\n")
	a, err := newApp(cfg, discardPresenter(), nil, time.Hour)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	if a.button == nil {
		t.Fatal("button not wired")
	}
	if err := a.start(context.Background(), cfg, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.button.Watch(ctx, a.requestFromButton) }()

	if a.coord.Counting() {
		t.Fatal("counting before the button was pressed")
	}
	a.gpio.(*gpio.MockDriver).SetLevel(27, gpio.Low)

	deadline := time.Now().Add(2 * time.Second)
	for !a.coord.Counting() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
	if !a.coord.Counting() {
		t.Error("button press did not start the countdown")
	}
}

// ---------- pruneLoop ----------

func TestPruneLoop(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	name, err := st.Save([]byte("old"))
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(st.Dir(), name+store.Ext), past, past); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pruneLoop(ctx, st, 24*time.Hour, time.Hour) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if photos, _ := st.List(); len(photos) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("pruneLoop: %v", err)
	}
	if photos, _ := st.List(); len(photos) != 0 {
		t.Errorf("old photo not pruned: %v", photos)
	}
}
