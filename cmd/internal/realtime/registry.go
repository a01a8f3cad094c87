package realtime

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"remoteconnect/cmd/internal/frame"

	"github.com/samber/lo"
)

// Registry holds the live connections by id.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, conns: make(map[string]*Conn)}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the connections ordered by connect time.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	out := lo.Values(r.conns)
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Conn) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Authenticated returns the authenticated, open connections ordered by connect time.
func (r *Registry) Authenticated() []*Conn {
	return lo.Filter(r.Snapshot(), func(c *Conn, _ int) bool {
		return c.Authenticated() && !c.Closed()
	})
}

// Broadcast sends text to every authenticated connection except the ids in skip.
// Failures are logged at debug and otherwise ignored.
func (r *Registry) Broadcast(text string, skip ...string) int {
	b := frame.Encode(text)
	sent := 0
	for _, c := range r.Authenticated() {
		if slices.Contains(skip, c.ID) {
			continue
		}
		if err := c.writeFrame(b, false); err != nil {
			r.log.Debug("broadcast.send.fail", "conn_id", c.ID, "err", err)
			continue
		}
		sent++
	}
	return sent
}
