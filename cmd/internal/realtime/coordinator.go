// Package realtime runs the desktop protocol: it accepts raw TCP connections, performs the
// upgrade handshake, reads frames one at a time and routes parsed commands to the control
// arbiter, the transfer engine and the session collaborators.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"remoteconnect/cmd/identity/ids"
	"remoteconnect/cmd/internal/approval"
	"remoteconnect/cmd/internal/audit"
	"remoteconnect/cmd/internal/chat"
	"remoteconnect/cmd/internal/control"
	"remoteconnect/cmd/internal/frame"
	"remoteconnect/cmd/internal/input"
	"remoteconnect/cmd/internal/screen"
	"remoteconnect/cmd/internal/transfer"
	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/jonboulle/clockwork"
)

var (
	ErrMissingDependency = errors.New("realtime: missing dependency")
	ErrUnknownConn       = errors.New("realtime: unknown connection")
)

// Config holds the coordinator limits and intervals. Zero values take the defaults.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxFrameBytes    int

	ScreenInterval   time.Duration
	LivenessInterval time.Duration

	RateLimitMsgs   int
	RateLimitWindow time.Duration

	Control control.Config
	Bounds  input.Bounds
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.ScreenInterval <= 0 {
		c.ScreenInterval = DefaultScreenInterval
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.RateLimitMsgs <= 0 {
		c.RateLimitMsgs = DefaultRateLimitMsgs
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	return c
}

// Deps are the collaborators the coordinator routes to. Transfers, Approvals and Chat are
// required; the rest fall back to development defaults.
type Deps struct {
	Clock     clockwork.Clock
	Log       *slog.Logger
	Transfers *transfer.Engine
	Approvals *approval.Service
	Chat      *chat.Log
	Input     input.Executor
	Audit     *audit.Recorder
	Screen    screen.Source
	Metrics   *Metrics
}

// Coordinator owns the connection registry and the control arbiter.
type Coordinator struct {
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger

	reg       *Registry
	arbiter   *control.Arbiter
	transfers *transfer.Engine
	approvals *approval.Service
	chat      *chat.Log
	input     input.Executor
	audit     *audit.Recorder
	screen    screen.Source
	metrics   *Metrics

	// holder mirrors the arbiter state so readers never wait on the actor.
	holderMu sync.RWMutex
	holder   string

	// notices carries arbiter-driven sends off the arbiter goroutine.
	notices outbox

	frameID atomic.Uint64
	closing atomic.Bool
}

func NewCoordinator(cfg Config, d Deps) (*Coordinator, error) {
	switch {
	case d.Transfers == nil:
		return nil, fmt.Errorf("%w: transfers", ErrMissingDependency)
	case d.Approvals == nil:
		return nil, fmt.Errorf("%w: approvals", ErrMissingDependency)
	case d.Chat == nil:
		return nil, fmt.Errorf("%w: chat", ErrMissingDependency)
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Input == nil {
		d.Input = input.LogExecutor{Log: d.Log}
	}
	if d.Audit == nil {
		d.Audit = audit.NewRecorder(nil, d.Clock, d.Log)
	}
	if d.Screen == nil {
		d.Screen = screen.NewPatternSource(320, 180, 10)
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}

	co := &Coordinator{
		cfg:       cfg.withDefaults(),
		clock:     d.Clock,
		log:       d.Log,
		reg:       NewRegistry(d.Log),
		transfers: d.Transfers,
		approvals: d.Approvals,
		chat:      d.Chat,
		input:     d.Input,
		audit:     d.Audit,
		screen:    d.Screen,
		metrics:   d.Metrics,
	}
	co.arbiter = control.New(co.cfg.Control, d.Clock, arbiterEvents{co}, d.Log)
	co.approvals.SetNotifier(approvalEvents{co})
	co.metrics.gaugeFunc("transfer_sessions_active", "Open upload and download sessions.",
		func() float64 { return float64(co.transfers.ActiveSessions()) })
	return co, nil
}

// Arbiter returns the control arbiter. Its Run loop must be started by the caller.
func (co *Coordinator) Arbiter() *control.Arbiter { return co.arbiter }

func (co *Coordinator) Registry() *Registry { return co.reg }

func (co *Coordinator) Metrics() *Metrics { return co.metrics }

// Serve accepts connections on ln until ctx is done. On return every connection has been
// told the server is closing and every connection goroutine has finished.
func (co *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	co.log.Info("server.listen", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	var acceptErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				co.log.Warn("server.accept.retry", "err", err)
				continue
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			break
		}
		wg.Go(func() { co.handle(ctx, nc) })
	}

	co.shutdownAll("shutdown")
	wg.Wait()
	co.log.Info("server.stopped", "addr", ln.Addr().String())
	return acceptErr
}

func (co *Coordinator) handle(ctx context.Context, nc net.Conn) {
	now := co.clock.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		co.log.Error("conn.id.fail", "err", err)
		_ = nc.Close()
		return
	}
	c := newConn(nc, id, now, connOptions{
		log:          co.log,
		metrics:      co.metrics,
		writeTimeout: co.cfg.WriteTimeout,
		maxFrame:     co.cfg.MaxFrameBytes,
		rateMsgs:     co.cfg.RateLimitMsgs,
		rateWindow:   co.cfg.RateLimitWindow,
	})

	stopHS := context.AfterFunc(ctx, c.Close)
	err = c.handshake(co.cfg.HandshakeTimeout)
	stopHS()
	if err != nil {
		if errors.Is(err, frame.ErrNoKey) {
			co.log.Info("conn.handshake.no_key", "remote", c.Addr)
		} else {
			co.log.Debug("conn.handshake.fail", "remote", c.Addr, "err", err)
		}
		return
	}

	co.reg.Add(c)
	co.metrics.ConnectionsActive.Inc()
	co.log.Info("conn.accept", "conn_id", c.ID, "remote", c.Addr, "user_agent", c.UserAgent)

	defer co.disconnect(c)
	defer func() {
		if r := recover(); r != nil {
			co.log.Error("conn.panic", "conn_id", c.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if co.closing.Load() {
		_ = c.Send(v1.Msg(v1.PrefixSessionClosedByServer, "shutdown"))
		return
	}

	if err := c.Send(v1.ClientID(c.ID)); err != nil {
		return
	}
	if !co.requestApproval(ctx, c) {
		return
	}

	if err := c.readLoop(func(text string) { co.dispatch(ctx, c, text) }); err != nil {
		co.log.Info("conn.protocol.fail", "conn_id", c.ID, "err", err)
	}
}

func (co *Coordinator) requestApproval(ctx context.Context, c *Conn) bool {
	req, err := co.approvals.CreateRequest(ctx, c.ID, c.Addr)
	if err != nil {
		co.log.Error("approval.request.fail", "conn_id", c.ID, "err", err)
		return false
	}
	co.log.Info("approval.request", "request_id", req.ID, "conn_id", c.ID, "remote", c.Addr,
		"hint", "accept "+req.ID+" | deny "+req.ID)
	co.recordAudit(ctx, audit.ActionConnRequested, c, map[string]any{"request_id": req.ID})

	if err := c.Send(v1.Msg(v1.PrefixConnectionRequest, req.ID)); err != nil {
		return false
	}
	if co.approvals.AutoAccept() {
		if _, err := co.approvals.Accept(ctx, req.ID); err != nil {
			co.log.Error("approval.auto_accept.fail", "request_id", req.ID, "err", err)
		}
	}
	return true
}

// disconnect runs once per registered connection, whichever path ends it.
func (co *Coordinator) disconnect(c *Conn) {
	c.cleanupOnce.Do(func() {
		wasAuth := c.Authenticated()
		c.Close()

		if err := co.arbiter.Remove(c.ID); err != nil && !errors.Is(err, control.ErrClosed) {
			co.log.Warn("control.remove.fail", "conn_id", c.ID, "err", err)
		}
		if n := co.transfers.DropOwner(c.ID); n > 0 {
			co.log.Info("transfer.owner.dropped", "conn_id", c.ID, "sessions", n)
		}
		if err := co.approvals.Forget(context.Background(), c.ID); err != nil {
			co.log.Warn("approval.forget.fail", "conn_id", c.ID, "err", err)
		}
		if co.reg.Remove(c.ID) {
			co.metrics.ConnectionsActive.Dec()
		}
		co.log.Info("conn.close", "conn_id", c.ID, "remote", c.Addr)

		if wasAuth && !co.closing.Load() {
			co.announceLeave(c)
		}
	})
}

func (co *Coordinator) shutdownAll(reason string) {
	co.closing.Store(true)
	for _, c := range co.reg.Snapshot() {
		_ = c.Send(v1.Msg(v1.PrefixSessionClosedByServer, reason))
		c.Close()
	}
}

// CloseSession tells one connection it was closed by the operator and disconnects it.
func (co *Coordinator) CloseSession(ctx context.Context, id, reason string) error {
	c, ok := co.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, id)
	}
	if reason == "" {
		reason = "closed_by_admin"
	}
	_ = c.Send(v1.Msg(v1.PrefixSessionClosedByServer, reason))
	co.recordAudit(ctx, audit.ActionSessionClosed, c, map[string]any{"reason": reason})
	co.log.Info("conn.closed_by_admin", "conn_id", id, "reason", reason)
	c.Close()
	return nil
}

// BroadcastSystem appends a system chat message and sends it to every authenticated connection.
func (co *Coordinator) BroadcastSystem(text string) error {
	rec, err := co.chat.System(text)
	if err != nil {
		return err
	}
	co.broadcastChat(rec)
	return nil
}

// Users returns the USER_LIST entries for the authenticated connections.
func (co *Coordinator) Users() []v1.UserInfo {
	holder := co.currentHolder()
	conns := co.reg.Authenticated()
	out := make([]v1.UserInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, userInfo(c, holder))
	}
	return out
}

// RefreshUsers rebroadcasts USER_LIST.
func (co *Coordinator) RefreshUsers() { co.broadcastUserList() }

// ConnCount is the number of registered connections.
func (co *Coordinator) ConnCount() int { return co.reg.Len() }

func userInfo(c *Conn, holder string) v1.UserInfo {
	u := v1.UserInfo{
		ID:          c.ID,
		DisplayName: c.Name(),
		HasControl:  c.ID == holder,
		IP:          c.Host(),
		Status:      v1.StatusViewer,
	}
	if u.HasControl {
		u.Status = v1.StatusController
	}
	return u
}

func (co *Coordinator) currentHolder() string {
	co.holderMu.RLock()
	defer co.holderMu.RUnlock()
	return co.holder
}

func (co *Coordinator) recordAudit(ctx context.Context, action string, c *Conn, meta map[string]any) {
	if c == nil {
		co.audit.Record(ctx, action, "", "", "", meta)
		return
	}
	co.audit.Record(ctx, action, c.ID, c.Addr, c.UserAgent, meta)
}

// recordAuditAsync is used from the arbiter goroutine, which must not block on the sink.
func (co *Coordinator) recordAuditAsync(action, connID string, meta map[string]any) {
	var addr, ua string
	if c, ok := co.reg.Get(connID); ok {
		addr, ua = c.Addr, c.UserAgent
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		co.audit.Record(ctx, action, connID, addr, ua, meta)
	}()
}

func (co *Coordinator) sendTo(id, text string) {
	c, ok := co.reg.Get(id)
	if !ok {
		return
	}
	if err := c.Send(text); err != nil {
		co.log.Debug("conn.send.fail", "conn_id", id, "err", err)
	}
}

// arbiterEvents adapts arbiter transitions to protocol messages.
type arbiterEvents struct{ co *Coordinator }

func (e arbiterEvents) Granted(id string) {
	e.co.log.Info("control.granted", "conn_id", id)
	e.co.notices.push(func() { e.co.sendTo(id, v1.PrefixControlGranted) })
	e.co.recordAuditAsync(audit.ActionControlGranted, id, nil)
}

func (e arbiterEvents) Released(id string) {
	e.co.log.Info("control.released", "conn_id", id)
	e.co.notices.push(func() { e.co.sendTo(id, v1.PrefixControlReleased) })
	e.co.recordAuditAsync(audit.ActionControlReleased, id, nil)
}

func (e arbiterEvents) QueuePosition(id string, position int) {
	e.co.notices.push(func() { e.co.sendTo(id, v1.QueuePosition(position)) })
}

func (e arbiterEvents) Changed(s control.Snapshot) {
	co := e.co
	co.holderMu.Lock()
	changed := co.holder != s.Holder
	co.holder = s.Holder
	co.holderMu.Unlock()

	co.metrics.ControlQueueLength.Set(float64(len(s.Queue)))
	if s.Held() {
		co.metrics.ControlHeld.Set(1)
	} else {
		co.metrics.ControlHeld.Set(0)
	}
	if changed {
		co.notices.push(co.broadcastUserList)
	}
}

// approvalEvents delivers operator decisions to the requesting connection.
type approvalEvents struct{ co *Coordinator }

func (e approvalEvents) Accepted(connID, pwd string) {
	c, ok := e.co.reg.Get(connID)
	if !ok {
		return
	}
	e.co.log.Info("approval.accepted", "conn_id", connID)
	e.co.recordAudit(context.Background(), audit.ActionConnAccepted, c, nil)
	if err := c.Send(v1.PrefixConnectionAccepted); err != nil {
		return
	}
	_ = c.Send(v1.Msg(v1.PrefixGeneratedPassword, pwd))
}

func (e approvalEvents) Regenerated(connID, pwd string) {
	e.co.sendTo(connID, v1.Msg(v1.PrefixGeneratedPassword, pwd))
}

func (e approvalEvents) Denied(connID, reason string) {
	c, ok := e.co.reg.Get(connID)
	if !ok {
		return
	}
	e.co.log.Info("approval.denied", "conn_id", connID, "reason", reason)
	e.co.recordAudit(context.Background(), audit.ActionConnDenied, c, map[string]any{"reason": reason})
	_ = c.Send(v1.Msg(v1.PrefixConnectionDenied, reason))
	c.Close()
}
