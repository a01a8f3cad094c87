package realtime

import "sync"

// outbox runs queued sends in FIFO order on a goroutine that lives only while work is pending.
// Arbiter transitions push onto it so a slow peer never holds up the arbiter goroutine.
type outbox struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (o *outbox) push(fn func()) {
	o.mu.Lock()
	o.pending = append(o.pending, fn)
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()
	go o.drain()
}

// flushed returns a channel closed once everything pushed so far has run.
func (o *outbox) flushed() <-chan struct{} {
	done := make(chan struct{})
	o.push(func() { close(done) })
	return done
}

func (o *outbox) drain() {
	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.running = false
			o.mu.Unlock()
			return
		}
		fn := o.pending[0]
		o.pending[0] = nil
		o.pending = o.pending[1:]
		o.mu.Unlock()
		fn()
	}
}
