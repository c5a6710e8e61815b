package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/monocam/internal/config"
	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/cjeanneret/monocam/internal/hw/button"
	"github.com/cjeanneret/monocam/internal/hw/camera"
	"github.com/cjeanneret/monocam/internal/hw/camera/cvcam"
	"github.com/cjeanneret/monocam/internal/hw/flash"
	"github.com/cjeanneret/monocam/internal/hw/gpio"
	"github.com/cjeanneret/monocam/internal/imaging"
	"github.com/cjeanneret/monocam/internal/logic/capture"
	"github.com/cjeanneret/monocam/internal/logic/countdown"
	"github.com/cjeanneret/monocam/internal/logic/session"
	"github.com/cjeanneret/monocam/internal/store"
	"github.com/cjeanneret/monocam/internal/web"
	"golang.org/x/sync/errgroup"
)

// Overrides are CLI values that replace config settings. Zero values
// mean "use the config".
type Overrides struct {
	Backend   string
	Countdown int
	Flash     string
	Position  string
}

func main() {
	// CLI flags
	webPort := &webPortFlag{}
	flag.Var(webPort, "web", "start the station web UI; -web= for the configured port, -web 8980 for a custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	backend := flag.String("backend", "", "override camera backend (mock, opencv)")
	countdownSecs := flag.Int("countdown", 0, "override countdown in seconds (1-60)")
	flashMode := flag.String("flash", "", "override flash mode (on, off)")
	position := flag.String("position", "", "start on this camera (back, front), in both modes")
	save := flag.Bool("save", true, "one-shot mode: save the photo to the photo directory")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := Overrides{Backend: *backend, Countdown: *countdownSecs, Flash: *flashMode, Position: *position}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if webPort.enabled() {
		port := webPort.port(cfg.Web.Port)
		if err := runStation(ctx, cfg, *cfgPath, port, overrides.Position); err != nil {
			log.Fatalf("station: %v", err)
		}
		return
	}

	name, err := runOnce(ctx, cfg, overrides.Position, *save, time.Second)
	if err != nil {
		log.Fatalf("capture failed: %v", err)
	}
	if name != "" {
		fmt.Println(filepath.Join(cfg.Storage.Dir, name+store.Ext))
	}
}

// app is the wired camera core shared by both modes.
type app struct {
	gpio       gpio.Driver
	button     *button.Button
	permission camera.Permission
	controller *session.Controller
	timer      *countdown.Timer
	coord      *capture.Coordinator
	store      *store.Store
}

func (a *app) Close() {
	if err := a.controller.Close(); err != nil {
		log.Printf("closing camera failed: %v", err)
	}
	a.timer.Stop()
	if a.gpio != nil {
		if err := a.gpio.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}
}

// newApp builds the core. preview may be nil; tick is the countdown period.
func newApp(cfg *config.Config, presenter capture.Presenter, preview camera.PreviewSink, tick time.Duration) (*app, error) {
	a := &app{}

	var unit *flash.Unit
	if cfg.UsesGPIO() {
		debug.Step(1, "Initializing GPIO")
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, fmt.Errorf("init GPIO: %w", err)
		}
		a.gpio = drv
	}
	if cfg.Flash.Enabled {
		unit = flash.New(a.gpio, flash.Config{
			Pin:        cfg.Flash.Pin,
			ActiveHigh: cfg.Flash.ActiveHigh,
			Lead:       cfg.FlashLead(),
			Hold:       cfg.FlashHold(),
		})
		debug.PrintStruct("Flash config", cfg.Flash)
	}
	if cfg.Button.Enabled {
		b, err := button.New(a.gpio, button.Config{
			Pin:        cfg.Button.Pin,
			ActiveHigh: cfg.Button.ActiveHigh,
			Poll:       cfg.ButtonPoll(),
		})
		if err != nil {
			a.closeGPIO()
			return nil, err
		}
		a.button = b
		debug.PrintStruct("Button config", cfg.Button)
	}

	debug.Step(2, "Initializing camera backend")
	backend, err := newBackendFromConfig(cfg, unit)
	if err != nil {
		a.closeGPIO()
		return nil, err
	}
	debug.Value("Camera backend", cfg.Camera.Backend)
	a.permission = newPermissionFromConfig(cfg)
	debug.Value("Permission", cfg.Camera.Permission)

	debug.Step(3, "Initializing photo store")
	st, err := store.New(cfg.Storage.Dir)
	if err != nil {
		a.closeGPIO()
		return nil, err
	}
	a.store = st
	debug.Value("Photo directory", st.Dir())

	filter := filterFromConfig(cfg)
	if err := filter.Validate(); err != nil {
		a.closeGPIO()
		return nil, fmt.Errorf("filter: %w", err)
	}

	a.controller = session.NewController(backend, a.permission, preview)
	a.timer = countdown.New(tick, nil)
	a.coord = capture.NewCoordinator(a.timer, a.controller, presenter, filter, st)
	a.coord.SetCountdownSeconds(cfg.Capture.CountdownSeconds)
	return a, nil
}

func (a *app) closeGPIO() {
	if a.gpio != nil {
		_ = a.gpio.Close()
	}
}

// start brings the camera up and applies the initial position and flash mode.
func (a *app) start(ctx context.Context, cfg *config.Config, position string) error {
	debug.Step(4, "Starting camera session")
	if err := a.controller.Start(ctx, a.coord.HandleResult); err != nil {
		return fmt.Errorf("start camera: %w", err)
	}
	if position != "" {
		want, _ := camera.ParsePosition(position)
		if cur := a.controller.Configuration().Position; cur != camera.PositionUnspecified && cur != want {
			if err := a.controller.SwitchDevicePosition(); err != nil {
				return fmt.Errorf("switch to %s camera: %w", want, err)
			}
		}
	}
	if cfg.FlashMode() != a.controller.Configuration().Flash {
		a.controller.ToggleFlashMode()
	}
	return nil
}

func newBackendFromConfig(cfg *config.Config, unit *flash.Unit) (camera.Backend, error) {
	switch cfg.Camera.Backend {
	case "mock":
		m := camera.NewMock()
		if unit == nil {
			m.MockOutput().SetFlashModes(camera.FlashOff)
		}
		return m, nil
	case "opencv":
		devices := make([]cvcam.DeviceConfig, 0, len(cfg.Camera.Devices))
		for _, d := range cfg.Camera.Devices {
			pos, err := camera.ParsePosition(d.Position)
			if err != nil {
				return nil, err
			}
			devices = append(devices, cvcam.DeviceConfig{ID: d.ID, Position: pos})
		}
		return cvcam.New(cvcam.Config{
			Devices:    devices,
			Width:      cfg.Camera.WidthPx,
			Height:     cfg.Camera.HeightPx,
			PreviewFPS: cfg.Camera.PreviewFPS,
			Quality:    cfg.Camera.Quality,
			Flash:      unit,
		})
	default:
		return nil, fmt.Errorf("unsupported camera backend: %s", cfg.Camera.Backend)
	}
}

func newPermissionFromConfig(cfg *config.Config) camera.Permission {
	if cfg.Camera.Permission == "device" {
		return camera.DeviceNodePermission{Path: cfg.Camera.DeviceNode}
	}
	status, err := camera.ParseAuthorizationStatus(cfg.Camera.Permission)
	if err != nil {
		status = camera.Denied
	}
	// A prompt on a headless station is answered by the operator's config.
	return camera.StaticPermission{State: status, Grant: status == camera.NotDetermined}
}

func filterFromConfig(cfg *config.Config) imaging.Filter {
	return imaging.Filter{
		Color:     cfg.FilterColor(),
		Intensity: cfg.FilterIntensity(),
		Quality:   cfg.Filter.Quality,
	}
}

// outcome is what the one-shot presenter received.
type outcome struct {
	img []byte
	err error
}

// cliPresenter prints the countdown and hands the outcome to runOnce.
type cliPresenter struct {
	out  io.Writer
	done chan outcome
}

func (p *cliPresenter) ShowCountdown(remaining int) {
	fmt.Fprintf(p.out, "%d...\n", remaining)
}

func (p *cliPresenter) ShowPhoto(requestID uint64, img []byte) {
	debug.Verbose("One-shot: photo %d ready (%d bytes)", requestID, len(img))
	p.done <- outcome{img: img}
}

func (p *cliPresenter) ShowError(err error) {
	p.done <- outcome{err: err}
}

// runOnce takes a single photo after the countdown and optionally saves
// it. It returns the stored name, empty when nothing was saved.
func runOnce(ctx context.Context, cfg *config.Config, position string, save bool, tick time.Duration) (string, error) {
	presenter := &cliPresenter{out: os.Stdout, done: make(chan outcome, 1)}
	a, err := newApp(cfg, presenter, nil, tick)
	if err != nil {
		return "", err
	}
	defer a.Close()

	if err := a.start(ctx, cfg, position); err != nil {
		return "", err
	}
	if !a.controller.Running() {
		if a.permission.Status() != camera.Authorized {
			return "", fmt.Errorf("camera not available: %w", camera.ErrPermissionDenied)
		}
		return "", fmt.Errorf("camera not available: %w", camera.ErrDeviceUnavailable)
	}

	debug.Section("Capture")
	a.coord.RequestCapture(a.controller.Configuration().Flash)

	var res outcome
	select {
	case res = <-presenter.done:
	case <-ctx.Done():
		a.coord.Cancel()
		return "", ctx.Err()
	}
	if res.err != nil {
		return "", res.err
	}
	if !save {
		debug.Info("Photo captured (%d bytes), not saved", len(res.img))
		return "", nil
	}
	return a.coord.Save(res.img)
}

// runStation serves the web UI until ctx is done. The config file is
// watched: countdown, filter and debug level follow it live. A configured
// shutter button requests captures like the web UI does.
func runStation(ctx context.Context, cfg *config.Config, cfgPath string, port int, position string) error {
	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	presenter := web.NewPresenter(broadcaster)
	preview := web.NewPreviewHub()

	a, err := newStationApp(ctx, cfg, presenter, preview, position)
	if err != nil {
		return err
	}
	defer a.Close()

	holder := config.NewHolder(cfg, cfgPath)
	holder.OnReload(func(c *config.Config) {
		debug.Init(c.Defaults.DebugLevel)
		a.coord.SetCountdownSeconds(c.Capture.CountdownSeconds)
		a.coord.SetProcessor(filterFromConfig(c))
	})

	staticFS, err := web.StaticFS()
	if err != nil {
		return err
	}
	handlers := web.NewHandlers(broadcaster, presenter, a.controller, a.coord, a.store, staticFS)
	srv := web.NewServer(web.Options{
		Addr:              fmt.Sprintf(":%d", port),
		RequestsPerMinute: cfg.Web.RequestsPerMinute,
	}, handlers, preview)

	debug.Summary(fmt.Sprintf("MonoCam station on port %d", port))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		if err := holder.Watch(gctx); err != nil {
			debug.Info("Config watcher disabled: %v", err)
		}
		return nil
	})
	if a.button != nil {
		g.Go(func() error {
			if err := a.button.Watch(gctx, a.requestFromButton); err != nil {
				debug.Info("Shutter button disabled: %v", err)
			}
			return nil
		})
	}
	if after := cfg.PruneAfter(); after > 0 {
		g.Go(func() error { return pruneLoop(gctx, a.store, after, time.Hour) })
	}
	return g.Wait()
}

// newStationApp builds and starts the core for station mode.
func newStationApp(ctx context.Context, cfg *config.Config, presenter capture.Presenter, preview camera.PreviewSink, position string) (*app, error) {
	a, err := newApp(cfg, presenter, preview, time.Second)
	if err != nil {
		return nil, err
	}
	if err := a.start(ctx, cfg, position); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// requestFromButton starts a capture with the current flash mode unless a
// countdown is already running.
func (a *app) requestFromButton() {
	if a.coord.Counting() {
		return
	}
	a.coord.RequestCapture(a.controller.Configuration().Flash)
}

// pruneLoop removes photos older than after, once at start and then every interval.
func pruneLoop(ctx context.Context, st *store.Store, after, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := st.Prune(after); err != nil {
			debug.Error(err)
		} else if n > 0 {
			debug.Info("Pruned %d photos older than %s", n, after)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// validateCLIOverrides checks non-zero CLI overrides.
func validateCLIOverrides(o Overrides) error {
	switch o.Backend {
	case "", "mock", "opencv":
	default:
		return fmt.Errorf("backend must be mock or opencv, got %q", o.Backend)
	}
	if o.Countdown < 0 || o.Countdown > 60 {
		return fmt.Errorf("countdown must be between 1 and 60, got %d", o.Countdown)
	}
	if o.Flash != "" {
		if _, err := camera.ParseFlashMode(o.Flash); err != nil {
			return err
		}
	}
	if o.Position != "" {
		if _, err := camera.ParsePosition(o.Position); err != nil {
			return err
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o Overrides) {
	if o.Backend != "" {
		cfg.Camera.Backend = o.Backend
	}
	if o.Countdown > 0 {
		cfg.Capture.CountdownSeconds = o.Countdown
	}
	if o.Flash != "" {
		cfg.Capture.Flash = strings.ToLower(strings.TrimSpace(o.Flash))
	}
}

// webPortFlag implements flag.Value for -web: unset = one-shot mode,
// -web= uses the configured port, -web 8980 uses 8980.
type webPortFlag struct {
	set bool
	val int
}

func (w *webPortFlag) String() string {
	if !w.set {
		return ""
	}
	if w.val == 0 {
		return "config"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.set = true
		w.val = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.set = true
	w.val = v
	return nil
}

func (w *webPortFlag) enabled() bool { return w.set }

// port returns the chosen port, or fallback for -web=.
func (w *webPortFlag) port(fallback int) int {
	if w.val > 0 {
		return w.val
	}
	return fallback
}
