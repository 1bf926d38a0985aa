package router

import (
	"sync"
	"time"

	"github.com/tether-agent/tether/internal/common/config"
)

// admitVerdict is the limiter's decision for one outbound message.
type admitVerdict int

const (
	admitSend admitVerdict = iota
	admitQueue
	admitDrop
)

// RateLimiter enforces a per-recipient token bucket with a small overflow
// queue. Tokens refill continuously over the window.
type RateLimiter struct {
	mu       sync.Mutex
	capacity float64
	window   time.Duration
	queueCap int
	buckets  map[string]*bucket
	queues   map[string][]string
	now      func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter builds the outbound limiter from config. A zero
// per-recipient limit disables limiting.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.OutboundPerRecipient <= 0 {
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
	return &RateLimiter{
		capacity: float64(cfg.OutboundPerRecipient),
		window:   window,
		queueCap: queueCap,
		buckets:  make(map[string]*bucket),
		queues:   make(map[string][]string),
		now:      time.Now,
	}
}

// Admit decides whether a message to the recipient may be sent now.
func (l *RateLimiter) Admit(recipient string) admitVerdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refillLocked(recipient)
	if b.tokens >= 1 {
		b.tokens--
		return admitSend
	}
	if len(l.queues[recipient]) < l.queueCap {
		return admitQueue
	}
	return admitDrop
}

// Enqueue stores an over-limit message; returns false when the queue is full.
func (l *RateLimiter) Enqueue(recipient, text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queues[recipient]) >= l.queueCap {
		return false
	}
	l.queues[recipient] = append(l.queues[recipient], text)
	return true
}

// Dequeue pops the oldest queued message for the recipient.
func (l *RateLimiter) Dequeue(recipient string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queues[recipient]
	if len(q) == 0 {
		return "", false
	}
	text := q[0]
	l.queues[recipient] = q[1:]
	return text, true
}

// QueueLen returns the number of queued messages for the recipient.
func (l *RateLimiter) QueueLen(recipient string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[recipient])
}

// refillLocked tops up the recipient's bucket proportionally to elapsed time.
func (l *RateLimiter) refillLocked(recipient string) *bucket {
	now := l.now()
	b, ok := l.buckets[recipient]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.buckets[recipient] = b
		return b
	}
	elapsed := now.Sub(b.last)
	b.tokens += l.capacity * float64(elapsed) / float64(l.window)
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
	return b
}
