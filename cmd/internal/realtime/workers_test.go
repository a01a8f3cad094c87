package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"remoteconnect/cmd/internal/approval"
	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// seqSource reports a new frame on every other capture.
type seqSource struct {
	mu    sync.Mutex
	calls int
}

func (s *seqSource) Capture(context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return []byte(fmt.Sprintf("frame-%d", (s.calls+1)/2)), s.calls%2 == 1, nil
}

func (s *seqSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func withScreen(src *seqSource) harnessOpt {
	return func(_ *Config, d *Deps, _ *[]approval.Option) { d.Screen = src }
}

func TestScreenTickBroadcastsChangedFrames(t *testing.T) {
	req := require.New(t)
	src := &seqSource{}
	h := newHarness(t, withScreen(src))
	ctx := context.Background()

	h.co.screenTick(ctx)
	req.Zero(src.Calls(), "no viewers means no capture")

	c, _ := h.join(t, "viewer")

	h.co.screenTick(ctx)
	req.Equal("1:"+base64.StdEncoding.EncodeToString([]byte("frame-1")), c.expect(v1.PrefixScreenData))

	h.co.screenTick(ctx)
	h.co.screenTick(ctx)
	req.Equal("2:"+base64.StdEncoding.EncodeToString([]byte("frame-2")), c.expect(v1.PrefixScreenData))

	req.Equal(3, src.Calls())
	req.Equal(2.0, testutil.ToFloat64(h.co.Metrics().ScreenFrames))
	req.Equal(1.0, testutil.ToFloat64(h.co.Metrics().ConnectionsActive))
}

func TestRunScreenFollowsClock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	src := &seqSource{}
	h := newHarness(t, withClock(fc), withScreen(src))
	c, _ := h.join(t, "viewer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.co.RunScreen(ctx) }()

	require.Eventually(t, func() bool {
		fc.Advance(DefaultScreenInterval)
		return src.Calls() > 0
	}, 2*time.Second, 10*time.Millisecond)
	c.expect(v1.PrefixScreenData)
}

func TestSweepDropsIdleConnections(t *testing.T) {
	req := require.New(t)
	fc := clockwork.NewFakeClock()
	h := newHarness(t, withClock(fc))

	c, _ := h.join(t, "idle")
	req.Equal(0, h.co.sweep())

	fc.Advance(DefaultIdleTimeout + time.Second)
	req.Equal(1, h.co.sweep())
	c.expectClosed()
	req.Equal(0, h.co.ConnCount())
	req.Equal(0.0, testutil.ToFloat64(h.co.Metrics().ConnectionsActive))
}

func TestRunLivenessDropsIdleConnections(t *testing.T) {
	fc := clockwork.NewFakeClock()
	h := newHarness(t, withClock(fc))
	c, _ := h.join(t, "idle")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.co.RunLiveness(ctx) }()

	require.Eventually(t, func() bool {
		fc.Advance(DefaultIdleTimeout + DefaultLivenessInterval)
		return h.co.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	c.expectClosed()
}

func TestSafeTickRecoversPanics(t *testing.T) {
	h := newHarness(t)
	require.NotPanics(t, func() {
		h.co.safeTick("test", func() { panic("boom") })
	})
}
