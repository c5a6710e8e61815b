package countdown

import (
	"sync"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
)

// Ticker is the subset of *time.Ticker the timer needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a ticker with the given period.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// SystemTicker wraps time.NewTicker.
func SystemTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

// Timer is a restartable one-shot countdown.
//
// States: idle -> counting -> (fire) -> idle. Start is valid in any state
// and silently supersedes the running countdown: the superseded run never
// fires. On each tick the remaining count is decremented while it is > 1;
// the tick that finds it at <= 1 stops the timer and calls the completion
// callback exactly once.
type Timer struct {
	mu         sync.Mutex
	period     time.Duration
	newTicker  TickerFunc
	remaining  int
	running    bool
	onComplete func()
	onTick     func(remaining int)
	gen        uint64
	cancel     chan struct{}
}

// New returns an idle timer ticking every period using newTicker
// (SystemTicker when nil).
func New(period time.Duration, newTicker TickerFunc) *Timer {
	if newTicker == nil {
		newTicker = SystemTicker
	}
	if period <= 0 {
		period = time.Second
	}
	return &Timer{period: period, newTicker: newTicker}
}

// SetOnCompletion registers the callback read when the countdown expires.
func (t *Timer) SetOnCompletion(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete = fn
}

// SetOnTick registers an observer called with the remaining count after
// every tick that does not expire the countdown.
func (t *Timer) SetOnTick(fn func(remaining int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = fn
}

// Start (re)starts the countdown at n. n < 1 counts as 1.
func (t *Timer) Start(n int) {
	t.start(n, nil, false)
}

// StartWith (re)starts the countdown at n with fn as its completion
// callback. The callback swap and the restart happen under one lock, so a
// superseded run can never fire fn.
func (t *Timer) StartWith(n int, fn func()) {
	t.start(n, fn, true)
}

func (t *Timer) start(n int, fn func(), replace bool) {
	if n < 1 {
		n = 1
	}

	t.mu.Lock()
	if t.cancel != nil {
		close(t.cancel)
	}
	t.gen++
	gen := t.gen
	cancel := make(chan struct{})
	t.cancel = cancel
	t.remaining = n
	t.running = true
	if replace {
		t.onComplete = fn
	}
	ticker := t.newTicker(t.period)
	t.mu.Unlock()

	debug.Live("Countdown: started at %d", n)
	go t.run(gen, ticker, cancel)
}

// Stop abandons the current countdown without firing.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
	t.gen++
	t.running = false
}

// Remaining returns the seconds left on the current countdown.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Running reports whether a countdown is in progress.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timer) run(gen uint64, ticker Ticker, cancel <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C():
			if done := t.tick(gen); done {
				return
			}
		}
	}
}

// tick applies one tick for run gen and reports whether that run is over.
func (t *Timer) tick(gen uint64) bool {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return true
	}
	if t.remaining > 1 {
		t.remaining--
		remaining, observe := t.remaining, t.onTick
		t.mu.Unlock()
		debug.Countdown(remaining)
		if observe != nil {
			observe(remaining)
		}
		return false
	}

	t.running = false
	t.remaining = 0
	t.cancel = nil
	t.gen++
	fire := t.onComplete
	t.mu.Unlock()

	debug.Live("Countdown: expired")
	if fire != nil {
		fire()
	}
	return true
}
