package realtime

import (
	"sync"
	"testing"
	"time"

	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/stretchr/testify/require"
)

func TestOutboxRunsInOrder(t *testing.T) {
	var (
		o   outbox
		mu  sync.Mutex
		got []int
	)
	for i := range 100 {
		o.push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	<-o.flushed()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestArbiterNoticesDoNotWaitOnStalledPeer(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	rc, id := h.join(t, "slow")

	c, ok := h.co.reg.Get(id)
	req.True(ok)
	c.wmu.Lock()

	returned := make(chan struct{})
	go func() {
		arbiterEvents{h.co}.Granted(id)
		arbiterEvents{h.co}.QueuePosition(id, 3)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		c.wmu.Unlock()
		t.Fatal("notifier blocked on a stalled write")
	}

	c.wmu.Unlock()
	rc.expect(v1.PrefixControlGranted)
	req.Equal("3", rc.expect(v1.PrefixQueuePosition))
}
