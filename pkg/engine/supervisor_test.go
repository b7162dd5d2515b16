package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/engine"
	"github.com/warmpool/warmpool/pkg/stores"
)

type flakyWorker struct {
	starts *atomic.Int32
	fail   func(n int32) error
}

func (w *flakyWorker) Name() string { return "flaky" }

func (w *flakyWorker) Run(ctx context.Context) error {
	n := w.starts.Add(1)
	if err := w.fail(n); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func runSupervisor(t *testing.T, h *harness, sup *engine.Supervisor) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func fastSupervisor(c *config.Config) {
	c.Pools[0].Size = 0
	c.Engine.SupervisorInterval = 10 * time.Millisecond
	c.Engine.PoolInterval = 10 * time.Millisecond
	c.Engine.TaskInterval = 10 * time.Millisecond
}

func TestSupervisorStartsAllWorkers(t *testing.T) {
	h := newHarness(t, fastSupervisor)
	require.NoError(t, h.store.Set(h.ctx, h.keys.CloneTasks(), "5"))

	sup := engine.NewSupervisor(h.rt)
	stop := runSupervisor(t, h, sup)

	want := []string{"pool:pool1", "task:disk_manager", "task:snapshot_manager"}
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, sup.Running()) },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "0", h.cloneCounter(), "stale clone counter is reset on start")

	stop()
	assert.Empty(t, sup.Running())
}

func TestSupervisorRestartsPanickingWorker(t *testing.T) {
	h := newHarness(t, fastSupervisor)
	sup := engine.NewSupervisor(h.rt)

	starts := &atomic.Int32{}
	sup.Add("flaky", func(context.Context) (engine.Worker, error) {
		return &flakyWorker{starts: starts, fail: func(n int32) error {
			if n == 1 {
				panic("boom")
			}
			return nil
		}}, nil
	})
	stop := runSupervisor(t, h, sup)
	defer stop()

	require.Eventually(t, func() bool { return starts.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, name := range sup.Running() {
			if name == "flaky" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisorRestartsReturningWorker(t *testing.T) {
	h := newHarness(t, fastSupervisor)
	sup := engine.NewSupervisor(h.rt)

	starts := &atomic.Int32{}
	sup.Add("flaky", func(context.Context) (engine.Worker, error) {
		return &flakyWorker{starts: starts, fail: func(n int32) error {
			if n <= 2 {
				return errors.New("lost connection")
			}
			return nil
		}}, nil
	})
	stop := runSupervisor(t, h, sup)
	defer stop()

	require.Eventually(t, func() bool { return starts.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisorRetriesFailedFactory(t *testing.T) {
	h := newHarness(t, fastSupervisor)
	sup := engine.NewSupervisor(h.rt)

	attempts := &atomic.Int32{}
	starts := &atomic.Int32{}
	sup.Add("flaky", func(context.Context) (engine.Worker, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("provider unavailable")
		}
		return &flakyWorker{starts: starts, fail: func(int32) error { return nil }}, nil
	})
	stop := runSupervisor(t, h, sup)
	defer stop()

	require.Eventually(t, func() bool { return starts.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestSupervisorRestartsPoolWorkerWithHungCheck(t *testing.T) {
	h := newHarness(t, fastSupervisor)
	h.provider.Add("pool1", "vm1")
	h.add(stores.QueueReady, "vm1")

	var inventoryCalls atomic.Int32
	p := &hookedProvider{Provider: h.provider}
	p.findLight = func(ctx context.Context, _ string) (*engine.Host, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.inventory = func(ctx context.Context, pool string) (map[string]struct{}, error) {
		if inventoryCalls.Add(1) == 2 {
			panic("inventory blew up")
		}
		return h.provider.Inventory(ctx, pool)
	}

	sup := engine.NewSupervisor(h.runtimeWith(p))
	stop := runSupervisor(t, h, sup)
	defer stop()

	require.Eventually(t, func() bool { return inventoryCalls.Load() > 2 }, 5*time.Second, 10*time.Millisecond,
		"the crashed pool worker is restarted while its check is still blocked")
	assert.Contains(t, sup.Running(), "pool:pool1")
}
