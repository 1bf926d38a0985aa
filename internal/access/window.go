package access

import (
	"sync"
	"time"

	"github.com/tether-agent/tether/internal/common/config"
)

// InboundVerdict is the rate-limit decision for one inbound message.
type InboundVerdict int

const (
	InboundAllow InboundVerdict = iota
	InboundQueue
	InboundDrop
)

// slidingWindow counts recent messages per sender. Exceeding the window
// silently queues up to a cap, then drops.
type slidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	queueCap int
	events   map[string][]time.Time
	queued   map[string]int
	now      func() time.Time
}

func newSlidingWindow(cfg config.RateLimitConfig) *slidingWindow {
	if cfg.InboundPerSender <= 0 {
		return nil
	}
	window := cfg.WindowDuration()
	if window <= 0 {
		window = time.Minute
	}
	queueCap := cfg.QueueCap
	if queueCap <= 0 {
		queueCap = 5
	}
	return &slidingWindow{
		limit:    cfg.InboundPerSender,
		window:   window,
		queueCap: queueCap,
		events:   make(map[string][]time.Time),
		queued:   make(map[string]int),
		now:      time.Now,
	}
}

// Allow records an arrival and returns the verdict.
func (w *slidingWindow) Allow(key string) InboundVerdict {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	recent := w.events[key][:0]
	for _, t := range w.events[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) < w.limit {
		recent = append(recent, now)
		w.events[key] = recent
		w.queued[key] = 0
		return InboundAllow
	}
	w.events[key] = recent

	if w.queued[key] < w.queueCap {
		w.queued[key]++
		return InboundQueue
	}
	return InboundDrop
}

// TryAcquire records an arrival only when the window has room. Used by the
// release loop for queued messages; unlike Allow it never adds to the queue
// counter, so polling cannot push a sender toward the drop verdict.
func (w *slidingWindow) TryAcquire(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	recent := w.events[key][:0]
	for _, t := range w.events[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= w.limit {
		w.events[key] = recent
		return false
	}

	recent = append(recent, now)
	w.events[key] = recent
	if w.queued[key] > 0 {
		w.queued[key]--
	}
	return true
}
