package web

import (
	"sync"
	"time"
)

// Presenter shows capture outcomes to web clients: the processed photo is
// kept for GET /api/photo/latest and every outcome is announced on the
// status stream.
type Presenter struct {
	b *StatusBroadcaster

	mu       sync.RWMutex
	latestID uint64
	latest   []byte
	at       time.Time
}

func NewPresenter(b *StatusBroadcaster) *Presenter {
	return &Presenter{b: b}
}

func (p *Presenter) ShowPhoto(requestID uint64, img []byte) {
	p.mu.Lock()
	p.latestID = requestID
	p.latest = img
	p.at = time.Now()
	p.mu.Unlock()

	p.b.Publish(StatusEvent{Kind: KindPhoto, RequestID: requestID, Msg: "photo ready"})
}

func (p *Presenter) ShowError(err error) {
	p.b.Publish(StatusEvent{Kind: KindError, Level: "error", Msg: err.Error()})
}

func (p *Presenter) ShowCountdown(remaining int) {
	p.b.Publish(StatusEvent{Kind: KindCountdown, Remaining: &remaining})
}

// Latest returns the last presented photo, if any.
func (p *Presenter) Latest() (img []byte, requestID uint64, at time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return nil, 0, time.Time{}, false
	}
	return p.latest, p.latestID, p.at, true
}
