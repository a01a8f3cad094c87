package control

import (
	"slices"
	"time"
)

type releaseReason string

const (
	reasonReleased   releaseReason = "released"
	reasonDisconnect releaseReason = "disconnect"
	reasonForced     releaseReason = "forced"
	reasonDeadline   releaseReason = "deadline"
	reasonInactive   releaseReason = "inactivity"
)

// message is the closed set of inputs accepted by the actor loop.
type message interface{ isMessage() }

type requestMsg struct {
	id    string
	reply chan<- Result
}

type releaseMsg struct {
	id     string
	reason releaseReason
	reply  chan<- bool
}

type refreshMsg struct {
	id    string
	reply chan<- bool
}

type forceMsg struct {
	admin string
	reply chan<- string
}

type snapshotMsg struct {
	reply chan<- Snapshot
}

func (requestMsg) isMessage()  {}
func (releaseMsg) isMessage()  {}
func (refreshMsg) isMessage()  {}
func (forceMsg) isMessage()    {}
func (snapshotMsg) isMessage() {}

func (a *Arbiter) handle(m message) {
	switch m := m.(type) {
	case requestMsg:
		m.reply <- a.request(m.id)
	case releaseMsg:
		reason := m.reason
		if reason == "" {
			reason = reasonReleased
		}
		m.reply <- a.releaseOrDequeue(m.id, reason)
	case refreshMsg:
		ok := m.id != "" && m.id == a.holder
		if ok {
			a.lastActivity = a.clock.Now()
		}
		m.reply <- ok
	case forceMsg:
		prev := a.holder
		if prev != "" {
			a.log.Info("control.force_release", "admin", m.admin, "client_id", prev)
			a.rotate(reasonForced)
		}
		m.reply <- prev
	case snapshotMsg:
		m.reply <- a.snapshot()
	}
}

func (a *Arbiter) request(id string) Result {
	if id == "" {
		return Result{Position: -1}
	}

	switch {
	case a.holder == "":
		a.grant(id)
		a.notify.Changed(a.snapshot())
		return Result{Granted: true}
	case a.holder == id:
		a.lastActivity = a.clock.Now()
		return Result{Granted: true}
	}

	pos := slices.Index(a.queue, id) + 1
	if pos == 0 {
		a.queue = append(a.queue, id)
		pos = len(a.queue)
		a.log.Info("control.queued", "client_id", id, "position", pos, "holder", a.holder)
		a.notify.Changed(a.snapshot())
	}
	return Result{Position: pos}
}

// releaseOrDequeue reports whether id was the holder.
func (a *Arbiter) releaseOrDequeue(id string, reason releaseReason) bool {
	if id == "" {
		return false
	}
	if id == a.holder {
		a.rotate(reason)
		return true
	}

	i := slices.Index(a.queue, id)
	if i < 0 {
		return false
	}
	a.queue = slices.Delete(a.queue, i, i+1)
	a.log.Info("control.dequeued", "client_id", id, "reason", string(reason))
	a.renumber()
	a.notify.Changed(a.snapshot())
	return false
}

func (a *Arbiter) grant(id string) {
	now := a.clock.Now()
	a.holder = id
	a.grantedAt = now
	a.deadline = now.Add(a.cfg.ControlTimeout)
	a.lastActivity = now

	a.stopDeadline()
	a.deadlineTimer = a.clock.NewTimer(a.cfg.ControlTimeout)

	a.log.Info("control.granted", "client_id", id, "deadline", a.deadline)
	a.notify.Granted(id)
}

// rotate revokes the current grant and promotes the head of the queue.
func (a *Arbiter) rotate(reason releaseReason) {
	prev := a.holder
	a.stopDeadline()
	a.holder = ""
	a.clearGrant()

	a.log.Info("control.released", "client_id", prev, "reason", string(reason))
	a.notify.Released(prev)

	if len(a.queue) > 0 {
		next := a.queue[0]
		a.queue = slices.Delete(a.queue, 0, 1)
		a.grant(next)
	}
	a.renumber()
	a.notify.Changed(a.snapshot())
}

func (a *Arbiter) clearGrant() {
	a.grantedAt = time.Time{}
	a.deadline = time.Time{}
	a.lastActivity = time.Time{}
}

func (a *Arbiter) renumber() {
	for i, id := range a.queue {
		a.notify.QueuePosition(id, i+1)
	}
}

func (a *Arbiter) onDeadline() {
	if a.holder == "" {
		return
	}
	if a.clock.Now().Before(a.deadline) {
		return
	}
	a.rotate(reasonDeadline)
}

func (a *Arbiter) onInactivityTick() {
	if a.holder == "" {
		return
	}
	if a.clock.Since(a.lastActivity) >= a.cfg.InactivityTimeout {
		a.rotate(reasonInactive)
	}
}

func (a *Arbiter) stopDeadline() {
	if a.deadlineTimer != nil {
		a.deadlineTimer.Stop()
		a.deadlineTimer = nil
	}
}

func (a *Arbiter) snapshot() Snapshot {
	return Snapshot{
		Holder:       a.holder,
		GrantedAt:    a.grantedAt,
		Deadline:     a.deadline,
		LastActivity: a.lastActivity,
		Queue:        slices.Clone(a.queue),
	}
}
