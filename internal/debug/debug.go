package debug

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (session started, photo captured)
	LevelLive    = 2 // Live info (countdown ticks, device switches)
	LevelVerbose = 3 // Verbose (settings, session rebuild steps)
	LevelTrace   = 4 // Trace (GPIO, frame reads, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	output io.Writer = os.Stdout
	logger *zerolog.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (session lifecycle, captures, saves)
// 2 = live info (countdown, device and mode switches)
// 3 = verbose (capture settings, rebuild steps, config values)
// 4 = trace (GPIO, frame reads)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects debug output (e.g. to a MultiWriter that also feeds
// the web status stream).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	cw := zerolog.ConsoleWriter{Out: output, NoColor: true, TimeFormat: "15:04:05.000"}
	l := zerolog.New(cw).Level(zerolog.TraceLevel).With().Timestamp().Str("app", "monocam").Logger()
	logger = &l
}

func current(minLevel int) *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if level < minLevel {
		return nil
	}
	return logger
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// Component returns a structured logger tagged with the component name.
// It is disabled when the debug level is 0.
func Component(name string) zerolog.Logger {
	l := current(LevelInfo)
	if l == nil {
		return zerolog.Nop()
	}
	return l.With().Str("component", name).Logger()
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l := current(LevelInfo); l != nil {
		l.Info().Msgf(format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if l := current(LevelInfo); l != nil {
		l.Info().Msg("═══════════════════════════════════════")
		l.Info().Msgf("  %s", title)
		l.Info().Msg("═══════════════════════════════════════")
	}
}

// Captured prints the outcome of a capture (level 1).
func Captured(requestID uint64, size int, flash string) {
	if l := current(LevelInfo); l != nil {
		l.Info().Uint64("request", requestID).Int("bytes", size).Str("flash", flash).Msg("photo captured")
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l := current(LevelLive); l != nil {
		l.Info().Str("lvl", "live").Msgf(format, args...)
	}
}

// Countdown prints a countdown tick (level 2).
func Countdown(remaining int) {
	if l := current(LevelLive); l != nil {
		l.Info().Str("lvl", "live").Int("remaining", remaining).Msg("countdown")
	}
}

// Switch prints a device setting change (level 2).
func Switch(setting string, from, to interface{}) {
	if l := current(LevelLive); l != nil {
		l.Info().Str("lvl", "live").Str("setting", setting).
			Str("from", fmt.Sprint(from)).Str("to", fmt.Sprint(to)).Msg("switched")
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l := current(LevelVerbose); l != nil {
		l.Debug().Msgf(format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l := current(LevelVerbose); l != nil {
		l.Debug().Msgf("%s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l := current(LevelVerbose); l != nil {
		l.Debug().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Debug().Msgf("  %s", name)
		l.Debug().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l := current(LevelVerbose); l != nil {
		l.Debug().Int("step", num).Msg(description)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if l := current(LevelInfo); l != nil {
		l.Info().Msgf("  %s = %v", name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	if l := current(LevelTrace); l != nil {
		l.Trace().Msgf(format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l := current(LevelTrace); l != nil {
		l.Trace().Str("op", operation).Int("pin", pin).Str("value", fmt.Sprint(value)).Msg("gpio")
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if l := current(LevelInfo); l != nil {
		l.Error().Err(err).Msg("error")
	}
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
