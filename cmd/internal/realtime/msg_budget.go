package realtime

import (
	"sync"
	"time"
)

// msgBudget caps inbound messages per connection over a sliding window. Arrival times are
// kept in a ring sized to the cap, so a check evicts from the front and appends at the back.
type msgBudget struct {
	mu     sync.Mutex
	window time.Duration
	ring   []time.Time
	head   int
	n      int
}

func newMsgBudget(maxMsgs int, window time.Duration) *msgBudget {
	if maxMsgs <= 0 {
		maxMsgs = DefaultRateLimitMsgs
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &msgBudget{window: window, ring: make([]time.Time, maxMsgs)}
}

// take spends one message at now and reports whether the budget allowed it.
func (b *msgBudget) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cut := now.Add(-b.window)
	for b.n > 0 && !b.ring[b.head].After(cut) {
		b.head = (b.head + 1) % len(b.ring)
		b.n--
	}
	if b.n == len(b.ring) {
		return false
	}
	b.ring[(b.head+b.n)%len(b.ring)] = now
	b.n++
	return true
}
