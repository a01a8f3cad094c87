// Package audit records security relevant session events: approvals, authentication results,
// control hand-offs, forced releases and file transfers.
//
// The trail is append-only. It is never read back to rebuild server state.
package audit

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"remoteconnect/cmd/identity/ids"

	"github.com/jonboulle/clockwork"
)

// Actions.
const (
	ActionConnRequested   = "conn.requested"
	ActionConnAccepted    = "conn.accepted"
	ActionConnDenied      = "conn.denied"
	ActionAuthSuccess     = "auth.success"
	ActionAuthFailed      = "auth.failed"
	ActionControlGranted  = "control.granted"
	ActionControlReleased = "control.released"
	ActionControlForced   = "control.force_release"
	ActionUploadComplete  = "transfer.upload.complete"
	ActionDownloadStart   = "transfer.download.start"
	ActionSessionClosed   = "session.closed_by_admin"
)

// Event is one audit row.
type Event struct {
	ID        string
	Action    string
	ConnID    string
	IP        string
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Recorder stamps events and writes them to a Sink. Write failures are logged, never returned:
// an unavailable trail must not break the session.
type Recorder struct {
	sink  Sink
	clock clockwork.Clock
	log   *slog.Logger
}

func NewRecorder(sink Sink, clock clockwork.Clock, log *slog.Logger) *Recorder {
	if sink == nil {
		sink = NewMemorySink(0)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, clock: clock, log: log}
}

// Record appends an event. addr may be a host:port or a bare IP.
func (r *Recorder) Record(ctx context.Context, action, connID, addr, ua string, meta map[string]any) {
	if r == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	now := r.clock.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		r.log.Error("audit.id.fail", "err", err, "action", action)
		return
	}

	e := Event{
		ID:        id,
		Action:    action,
		ConnID:    connID,
		IP:        hostOnly(addr),
		UserAgent: strings.TrimSpace(ua),
		Meta:      meta,
		At:        now,
	}
	if err := r.sink.Write(ctx, e); err != nil {
		r.log.Error("audit.insert.fail", "err", err, "action", action)
	}
}

func (r *Recorder) Close() error { return r.sink.Close() }

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// MemorySink keeps the most recent events in a ring.
type MemorySink struct {
	mu     sync.Mutex
	cap    int
	events []Event
}

const defaultMemoryCap = 1024

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = defaultMemoryCap
	}
	return &MemorySink{cap: capacity}
}

func (m *MemorySink) Write(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == m.cap {
		copy(m.events, m.events[1:])
		m.events = m.events[:len(m.events)-1]
	}
	m.events = append(m.events, e)
	return nil
}

// Recent returns up to n events, newest last.
func (m *MemorySink) Recent(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.events) {
		n = len(m.events)
	}
	return append([]Event(nil), m.events[len(m.events)-n:]...)
}

func (m *MemorySink) Close() error { return nil }
