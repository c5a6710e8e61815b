package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionSetups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monocam_session_setups_total",
		Help: "Capture session setups by outcome",
	}, []string{"outcome"}) // outcome=success|failure|no_device

	sessionRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monocam_session_running",
		Help: "Whether a capture session is running (1) or not (0)",
	})

	captures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monocam_captures_total",
		Help: "Photo captures by outcome and effective flash mode",
	}, []string{"outcome", "flash"}) // outcome=success|failure

	countdowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monocam_countdowns_started_total",
		Help: "Countdowns started (restarts included)",
	})

	saves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monocam_photo_saves_total",
		Help: "Photo writes to the photo directory by outcome",
	}, []string{"outcome"})

	deviceSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monocam_device_switches_total",
		Help: "Device setting changes by kind",
	}, []string{"kind"}) // kind=position|focus|mirror|flash
)

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordSessionSetup counts a setup attempt. noDevice marks attempts that
// found no camera to open.
func RecordSessionSetup(ok, noDevice bool) {
	if noDevice {
		sessionSetups.WithLabelValues("no_device").Inc()
		return
	}
	sessionSetups.WithLabelValues(outcome(ok)).Inc()
}

func SetSessionRunning(running bool) {
	if running {
		sessionRunning.Set(1)
	} else {
		sessionRunning.Set(0)
	}
}

func RecordCapture(ok bool, flash string) {
	captures.WithLabelValues(outcome(ok), flash).Inc()
}

func RecordCountdownStarted() {
	countdowns.Inc()
}

func RecordSave(ok bool) {
	saves.WithLabelValues(outcome(ok)).Inc()
}

func RecordSwitch(kind string) {
	deviceSwitches.WithLabelValues(kind).Inc()
}
