package realtime

import (
	"context"
	"runtime/debug"

	v1 "remoteconnect/shared/contracts/remote/v1"
)

// RunScreen captures and broadcasts screen frames every ScreenInterval while at least one
// authenticated connection is present.
func (co *Coordinator) RunScreen(ctx context.Context) error {
	t := co.clock.NewTicker(co.cfg.ScreenInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			co.safeTick("screen", func() { co.screenTick(ctx) })
		}
	}
}

func (co *Coordinator) screenTick(ctx context.Context) {
	viewers := co.reg.Authenticated()
	if len(viewers) == 0 {
		return
	}
	data, changed, err := co.screen.Capture(ctx)
	if err != nil {
		co.log.Debug("screen.capture.fail", "err", err)
		return
	}
	if !changed || len(data) == 0 {
		return
	}

	msg := v1.ScreenData(co.frameID.Add(1), data)
	co.metrics.ScreenFrames.Inc()
	for _, c := range viewers {
		if !c.SendFast(msg) {
			co.metrics.ScreenFramesDropped.Inc()
		}
	}
}

// RunLiveness periodically disconnects connections that are closed or idle past IdleTimeout.
func (co *Coordinator) RunLiveness(ctx context.Context) error {
	t := co.clock.NewTicker(co.cfg.LivenessInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			co.safeTick("liveness", func() { co.sweep() })
		}
	}
}

// sweep returns the number of connections it disconnected.
func (co *Coordinator) sweep() int {
	now := co.clock.Now()
	n := 0
	for _, c := range co.reg.Snapshot() {
		idle := now.Sub(c.LastSeen())
		if !c.Closed() && idle < co.cfg.IdleTimeout {
			continue
		}
		co.log.Info("conn.liveness.drop", "conn_id", c.ID, "idle", idle.String(), "closed", c.Closed())
		c.Close()
		co.disconnect(c)
		n++
	}
	return n
}

func (co *Coordinator) safeTick(worker string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			co.log.Error("worker.panic", "worker", worker, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
