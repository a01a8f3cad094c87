// Package control arbitrates the single input-control token shared by all connections.
//
// The Arbiter is an actor: one goroutine (Run) owns the holder, the waiting queue and the
// timers, and every transition arrives as a message on its inbox. Client calls, the
// absolute-deadline timer and the inactivity ticker therefore never race each other.
package control

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultControlTimeout    = 240 * time.Second
	DefaultInactivityTimeout = 60 * time.Second
	DefaultInactivityPoll    = 10 * time.Second

	inboxSize = 64
)

// Config holds the arbiter time limits.
type Config struct {
	// ControlTimeout is the absolute cap on a single grant.
	ControlTimeout time.Duration
	// InactivityTimeout revokes a grant whose holder has been idle this long.
	InactivityTimeout time.Duration
	// InactivityPoll is how often idleness is checked.
	InactivityPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = DefaultControlTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.InactivityPoll <= 0 {
		c.InactivityPoll = DefaultInactivityPoll
	}
	return c
}

// Notifier receives arbiter transitions. Methods run on the arbiter goroutine and must not
// call back into the Arbiter.
type Notifier interface {
	Granted(id string)
	Released(id string)
	QueuePosition(id string, position int)
	Changed(s Snapshot)
}

// Result is the outcome of a control request. Position is 0 for the holder and 1-based
// for queued connections.
type Result struct {
	Granted  bool
	Position int
}

// Snapshot is a copy of the arbiter state.
type Snapshot struct {
	Holder       string
	GrantedAt    time.Time
	Deadline     time.Time
	LastActivity time.Time
	Queue        []string
}

// Held reports whether some connection holds control.
func (s Snapshot) Held() bool { return s.Holder != "" }

// Remaining returns the time left before the absolute deadline.
func (s Snapshot) Remaining(now time.Time) time.Duration {
	if !s.Held() {
		return 0
	}
	return max(s.Deadline.Sub(now), 0)
}

// Position returns 0 for the holder, the 1-based queue position, or -1.
func (s Snapshot) Position(id string) int {
	if s.Holder == id && id != "" {
		return 0
	}
	if i := slices.Index(s.Queue, id); i >= 0 {
		return i + 1
	}
	return -1
}

// Arbiter grants and rotates exclusive control.
type Arbiter struct {
	cfg    Config
	clock  clockwork.Clock
	log    *slog.Logger
	notify Notifier

	inbox chan message
	done  chan struct{}

	// Owned by the Run goroutine.
	holder        string
	grantedAt     time.Time
	deadline      time.Time
	lastActivity  time.Time
	deadlineTimer clockwork.Timer
	queue         []string
}

// New constructs an Arbiter. It does nothing until Run is started.
func New(cfg Config, clock clockwork.Clock, notify Notifier, log *slog.Logger) *Arbiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Arbiter{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		log:    log,
		notify: notify,
		inbox:  make(chan message, inboxSize),
		done:   make(chan struct{}),
	}
}

// Run processes messages until ctx is done. After Run returns every call reports ErrClosed.
func (a *Arbiter) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.cfg.InactivityPoll)
	defer ticker.Stop()
	defer close(a.done)
	defer a.stopDeadline()

	a.log.Info("control.arbiter.start",
		"control_timeout", a.cfg.ControlTimeout,
		"inactivity_timeout", a.cfg.InactivityTimeout,
	)

	for {
		var deadlineC <-chan time.Time
		if a.deadlineTimer != nil {
			deadlineC = a.deadlineTimer.Chan()
		}

		select {
		case <-ctx.Done():
			a.log.Info("control.arbiter.stop")
			return nil
		case m := <-a.inbox:
			a.handle(m)
		case <-deadlineC:
			a.deadlineTimer = nil
			a.onDeadline()
		case <-ticker.Chan():
			a.onInactivityTick()
		}
	}
}

// Request asks for control on behalf of id.
func (a *Arbiter) Request(id string) (Result, error) {
	reply := make(chan Result, 1)
	if err := a.post(requestMsg{id: id, reply: reply}); err != nil {
		return Result{}, err
	}
	return await(a, reply)
}

// Release gives up control, or leaves the queue. It reports whether id held control.
func (a *Arbiter) Release(id string) (bool, error) {
	reply := make(chan bool, 1)
	if err := a.post(releaseMsg{id: id, reply: reply}); err != nil {
		return false, err
	}
	return await(a, reply)
}

// RefreshActivity resets the holder's inactivity clock. It reports whether id holds control.
func (a *Arbiter) RefreshActivity(id string) (bool, error) {
	reply := make(chan bool, 1)
	if err := a.post(refreshMsg{id: id, reply: reply}); err != nil {
		return false, err
	}
	return await(a, reply)
}

// Remove drops id from the arbiter on disconnect, rotating control if it was the holder.
func (a *Arbiter) Remove(id string) error {
	reply := make(chan bool, 1)
	if err := a.post(releaseMsg{id: id, reply: reply, reason: reasonDisconnect}); err != nil {
		return err
	}
	_, err := await(a, reply)
	return err
}

// ForceRelease revokes control from whoever holds it. It returns the former holder, or ""
// when control was idle.
func (a *Arbiter) ForceRelease(adminID string) (string, error) {
	reply := make(chan string, 1)
	if err := a.post(forceMsg{admin: adminID, reply: reply}); err != nil {
		return "", err
	}
	return await(a, reply)
}

// Snapshot returns a copy of the current state.
func (a *Arbiter) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := a.post(snapshotMsg{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	return await(a, reply)
}

// Holder returns the current holder id, or "".
func (a *Arbiter) Holder() string {
	s, err := a.Snapshot()
	if err != nil {
		return ""
	}
	return s.Holder
}

// IsHolder reports whether id holds control. Unlike RefreshActivity it does not count as activity.
func (a *Arbiter) IsHolder(id string) bool {
	return id != "" && a.Holder() == id
}

func (a *Arbiter) post(m message) error {
	select {
	case a.inbox <- m:
		return nil
	case <-a.done:
		return ErrClosed
	}
}

func await[T any](a *Arbiter, reply <-chan T) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-a.done:
		var zero T
		return zero, ErrClosed
	}
}

type nopNotifier struct{}

func (nopNotifier) Granted(string)            {}
func (nopNotifier) Released(string)           {}
func (nopNotifier) QueuePosition(string, int) {}
func (nopNotifier) Changed(Snapshot)          {}
