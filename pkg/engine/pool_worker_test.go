package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/engine"
	"github.com/warmpool/warmpool/pkg/providers/dummy"
	"github.com/warmpool/warmpool/pkg/stores"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness is one pool backed by miniredis and the dummy provider.
type harness struct {
	t        *testing.T
	ctx      context.Context
	mr       *miniredis.Miniredis
	rt       *engine.Runtime
	store    stores.Store
	keys     stores.Keys
	provider *dummy.Provider
	clock    *fakeClock
}

func newHarness(t *testing.T, configure func(*config.Config)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := stores.NewRedisStore(stores.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	cfg := config.Default()
	cfg.Engine.Probe.Kind = "none"
	cfg.Engine.DiscoveryGrace = 5
	cfg.Pools = []config.Pool{{Name: "pool1", Alias: config.Aliases{"p1"}, Provider: dummy.Kind, Size: 2, Datastore: "ds1"}}
	if configure != nil {
		configure(cfg)
	}

	provider := dummy.New(dummy.Config{Now: clock.Now})
	registry := engine.NewRegistry(nil)
	require.NoError(t, registry.Register(dummy.Kind, func(context.Context) (engine.Provider, error) {
		return provider, nil
	}))

	rt, err := engine.NewRuntime(cfg, store, registry, nil)
	require.NoError(t, err)
	rt.Now = clock.Now

	return &harness{
		t:        t,
		ctx:      context.Background(),
		mr:       mr,
		rt:       rt,
		store:    store,
		keys:     rt.Keys,
		provider: provider,
		clock:    clock,
	}
}

func (h *harness) worker() *engine.PoolWorker {
	h.t.Helper()
	w, err := engine.NewPoolWorker(h.ctx, h.rt, h.rt.Config.Pools[0])
	require.NoError(h.t, err)
	return w
}

// tick runs one pass and waits for everything it dispatched.
func (h *harness) tick(w *engine.PoolWorker) {
	w.Tick(h.ctx)
	w.Wait()
}

func (h *harness) members(q stores.Queue) []string {
	h.t.Helper()
	ids, err := h.store.SMembers(h.ctx, h.keys.Queue(q, "pool1"))
	require.NoError(h.t, err)
	return ids
}

func (h *harness) add(q stores.Queue, id string) {
	h.t.Helper()
	require.NoError(h.t, h.store.SAdd(h.ctx, h.keys.Queue(q, "pool1"), id))
}

func (h *harness) field(id, field string) (string, bool) {
	h.t.Helper()
	v, ok, err := h.store.HGet(h.ctx, h.keys.VM(id), field)
	require.NoError(h.t, err)
	return v, ok
}

func (h *harness) cloneCounter() string {
	h.t.Helper()
	v, _, err := h.store.Get(h.ctx, h.keys.CloneTasks())
	require.NoError(h.t, err)
	return v
}

func TestRepopulateFillsPool(t *testing.T) {
	h := newHarness(t, nil)
	w := h.worker()

	h.tick(w)

	pending := h.members(stores.QueuePending)
	require.Len(t, pending, 2)
	assert.ElementsMatch(t, pending, h.provider.IDs("pool1"))
	assert.Equal(t, "0", h.cloneCounter())

	for _, id := range pending {
		template, _ := h.field(id, stores.FieldTemplate)
		assert.Equal(t, "pool1", template)
		_, ok := h.field(id, stores.FieldClone)
		assert.True(t, ok, "clone stamp")
		_, ok = h.field(id, stores.FieldCloneTime)
		assert.True(t, ok, "clone duration")
	}

	history, err := h.store.HGetAll(h.ctx, h.keys.CloneHistory(h.clock.Now()))
	require.NoError(t, err)
	assert.Len(t, history, 2)

	empty, _, err := h.store.Get(h.ctx, h.keys.Empty("pool1"))
	require.NoError(t, err)
	assert.Equal(t, "true", empty)
}

func TestPendingBecomesReady(t *testing.T) {
	h := newHarness(t, nil)
	w := h.worker()

	h.tick(w)
	h.clock.Advance(30 * time.Second)
	h.tick(w)

	assert.Len(t, h.members(stores.QueueReady), 2)
	assert.Empty(t, h.members(stores.QueuePending))
	assert.Len(t, h.provider.IDs("pool1"), 2, "no extra clones while moving")

	boots, err := h.store.HGetAll(h.ctx, h.keys.BootHistory(h.clock.Now()))
	require.NoError(t, err)
	assert.Len(t, boots, 2)

	h.tick(w)
	_, flagged, err := h.store.Get(h.ctx, h.keys.Empty("pool1"))
	require.NoError(t, err)
	assert.False(t, flagged, "empty flag cleared once the pool has ready vms")
	assert.Len(t, h.members(stores.QueueReady), 2)
}

func TestPendingWaitsForBoot(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()

	h.provider.Add("pool1", "vm1")
	h.provider.SetHostname("vm1", dummy.BootingHostname)
	h.add(stores.QueuePending, "vm1")
	require.NoError(t, h.store.HSet(h.ctx, h.keys.VM("vm1"), stores.FieldClone, stores.FormatTime(h.clock.Now())))

	h.tick(w)
	assert.Equal(t, []string{"vm1"}, h.members(stores.QueuePending))

	h.clock.Advance(16 * time.Minute)
	h.tick(w)
	assert.Equal(t, []string{"vm1"}, h.members(stores.QueueCompleted))
}

func TestPendingNeverInInventoryTimesOut(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()

	h.add(stores.QueuePending, "lost")
	require.NoError(t, h.store.HSet(h.ctx, h.keys.VM("lost"), stores.FieldClone, stores.FormatTime(h.clock.Now())))

	h.tick(w)
	assert.Equal(t, []string{"lost"}, h.members(stores.QueuePending), "clone may still be in flight")

	h.clock.Advance(20 * time.Minute)
	h.tick(w)
	assert.Empty(t, h.members(stores.QueuePending))
	assert.Equal(t, []string{"lost"}, h.members(stores.QueueCompleted))
}

func TestInventoryErrorLeavesQueuesUntouched(t *testing.T) {
	h := newHarness(t, nil)
	w := h.worker()

	h.add(stores.QueueReady, "ghost")
	h.add(stores.QueueCompleted, "gone")
	h.provider.SetInventoryError(errors.New("connection refused"))

	h.tick(w)

	assert.Equal(t, []string{"ghost"}, h.members(stores.QueueReady))
	assert.Equal(t, []string{"gone"}, h.members(stores.QueueCompleted))
	assert.Empty(t, h.members(stores.QueuePending))
	assert.Empty(t, h.provider.IDs("pool1"), "no clones on an unknown inventory")

	size, err := h.store.SCard(h.ctx, h.keys.Queue(stores.QueueReady, "pool1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestCloneLimitIsGlobal(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Engine.TaskLimit = 2
		c.Pools[0].Size = 3
	})
	w := h.worker()

	// Another pool holds one slot for the whole test.
	require.NoError(t, h.store.Set(h.ctx, h.keys.CloneTasks(), "1"))

	h.tick(w)

	assert.Len(t, h.members(stores.QueuePending), 1)
	assert.Equal(t, "1", h.cloneCounter())
}

func TestCloneFailureMovesToCompleted(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 1 })
	w := h.worker()
	h.provider.FailNextClones(1)

	h.tick(w)

	assert.Empty(t, h.members(stores.QueuePending))
	failed := h.members(stores.QueueCompleted)
	require.Len(t, failed, 1)
	assert.Equal(t, "0", h.cloneCounter())

	// The provider has no trace of it, so the next tick cleans up and clones again.
	h.tick(w)
	assert.Empty(t, h.members(stores.QueueCompleted))
	_, ok := h.field(failed[0], stores.FieldTemplate)
	assert.False(t, ok)
	assert.Len(t, h.members(stores.QueuePending), 1)
}

func TestReadyChecks(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		configure func(c *config.Config)
		ready     bool
		completed bool
	}{
		{
			name:  "healthy stays",
			setup: func(h *harness) {},
			ready: true,
		},
		{
			name:      "powered off",
			setup:     func(h *harness) { h.provider.PowerOff("vm1") },
			completed: true,
		},
		{
			name:      "hostname mismatch",
			setup:     func(h *harness) { h.provider.SetHostname("vm1", "someone-else") },
			completed: true,
		},
		{
			name:      "not in inventory",
			setup:     func(h *harness) { h.provider.Remove("vm1") },
			completed: false,
		},
		{
			name:      "ready ttl exceeded",
			setup:     func(h *harness) { h.clock.Advance(11 * time.Minute) },
			configure: func(c *config.Config) { c.Pools[0].ReadyTTL = 10 },
			completed: true,
		},
		{
			name:      "ready ttl not reached",
			setup:     func(h *harness) { h.clock.Advance(9 * time.Minute) },
			configure: func(c *config.Config) { c.Pools[0].ReadyTTL = 10 },
			ready:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.Config) {
				c.Pools[0].Size = 0
				if tt.configure != nil {
					tt.configure(c)
				}
			})
			w := h.worker()
			h.provider.Add("pool1", "vm1")
			h.add(stores.QueueReady, "vm1")
			tt.setup(h)

			h.tick(w)

			assert.Equal(t, tt.ready, contains(h.members(stores.QueueReady), "vm1"), "ready")
			assert.Equal(t, tt.completed, contains(h.members(stores.QueueCompleted), "vm1"), "completed")
		})
	}
}

func TestReadyHealthCheckIsThrottled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()
	h.provider.Add("pool1", "vm1")
	h.add(stores.QueueReady, "vm1")

	h.tick(w)
	first, ok := h.field("vm1", stores.FieldCheck)
	require.True(t, ok)

	// Within vm_checktime nothing is probed, so a broken VM is not noticed yet.
	h.clock.Advance(time.Minute)
	h.provider.PowerOff("vm1")
	h.tick(w)
	again, _ := h.field("vm1", stores.FieldCheck)
	assert.Equal(t, first, again)
	assert.Equal(t, []string{"vm1"}, h.members(stores.QueueReady))

	h.clock.Advance(15 * time.Minute)
	h.tick(w)
	assert.Equal(t, []string{"vm1"}, h.members(stores.QueueCompleted))
}

func TestRunningTTL(t *testing.T) {
	zero := 0
	tests := []struct {
		name     string
		ttl      *int
		lifetime string
		age      time.Duration
		expired  bool
	}{
		{name: "engine default", age: 25 * time.Hour, expired: true},
		{name: "within engine default", age: 23 * time.Hour},
		{name: "pool ttl zero keeps forever", ttl: &zero, age: 1000 * time.Hour},
		{name: "vm lifetime wins", ttl: &zero, lifetime: "2", age: 3 * time.Hour, expired: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.Config) {
				c.Pools[0].Size = 0
				c.Pools[0].TTL = tt.ttl
			})
			w := h.worker()
			h.provider.Add("pool1", "vm1")
			h.add(stores.QueueRunning, "vm1")
			require.NoError(t, h.store.HSet(h.ctx, h.keys.Active("pool1"), "vm1",
				stores.FormatTime(h.clock.Now().Add(-tt.age))))
			if tt.lifetime != "" {
				require.NoError(t, h.store.HSet(h.ctx, h.keys.VM("vm1"), stores.FieldLifetime, tt.lifetime))
			}

			h.tick(w)

			assert.Equal(t, tt.expired, contains(h.members(stores.QueueCompleted), "vm1"))
			assert.Equal(t, !tt.expired, contains(h.members(stores.QueueRunning), "vm1"))
		})
	}
}

func TestRunningMissingFromInventoryIsLeftAlone(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()
	h.add(stores.QueueRunning, "vm1")

	h.tick(w)
	assert.Equal(t, []string{"vm1"}, h.members(stores.QueueRunning))
}

func TestDestroyCompleted(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()
	h.provider.Add("pool1", "vm1")
	h.add(stores.QueueCompleted, "vm1")
	require.NoError(t, h.store.HSet(h.ctx, h.keys.Active("pool1"), "vm1", stores.FormatTime(h.clock.Now())))
	require.NoError(t, h.store.HSet(h.ctx, h.keys.VM("vm1"), stores.FieldTemplate, "pool1"))

	h.tick(w)

	assert.False(t, h.provider.Has("vm1"))
	assert.Empty(t, h.members(stores.QueueCompleted))
	_, ok := h.field("vm1", stores.FieldDestroy)
	assert.True(t, ok, "record keeps a destroy stamp")
	assert.Equal(t, 168*time.Hour, h.mr.TTL(h.keys.VM("vm1")))

	_, active, err := h.store.HGet(h.ctx, h.keys.Active("pool1"), "vm1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestDestroyFailureDropsRecord(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()
	h.provider.Add("pool1", "vm1")
	h.add(stores.QueueCompleted, "vm1")
	require.NoError(t, h.store.HSet(h.ctx, h.keys.VM("vm1"), stores.FieldTemplate, "pool1"))
	h.provider.SetDestroyError(errors.New("host busy"))

	h.tick(w)

	assert.True(t, h.provider.Has("vm1"))
	assert.Empty(t, h.members(stores.QueueCompleted))
	_, ok := h.field("vm1", stores.FieldTemplate)
	assert.False(t, ok)
}

func TestCompletedMissingFromInventoryIsCleaned(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()
	h.add(stores.QueueCompleted, "vm1")
	require.NoError(t, h.store.HSet(h.ctx, h.keys.VM("vm1"), stores.FieldTemplate, "pool1"))

	h.tick(w)

	assert.Empty(t, h.members(stores.QueueCompleted))
	_, ok := h.field("vm1", stores.FieldTemplate)
	assert.False(t, ok)
}

func TestDiscoveredLifecycle(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()
	h.provider.Add("pool1", "foreign")

	h.tick(w)
	assert.Equal(t, []string{"foreign"}, h.members(stores.QueueDiscovered))
	_, ok := h.field("foreign", stores.FieldDiscovered)
	assert.True(t, ok)

	// Still inside the grace period.
	h.clock.Advance(2 * time.Minute)
	h.tick(w)
	assert.Equal(t, []string{"foreign"}, h.members(stores.QueueDiscovered))

	h.clock.Advance(4 * time.Minute)
	h.tick(w)
	assert.Empty(t, h.members(stores.QueueDiscovered))
	assert.Equal(t, []string{"foreign"}, h.members(stores.QueueCompleted))

	h.tick(w)
	assert.False(t, h.provider.Has("foreign"))
}

func TestDiscoveredClaimedElsewhere(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()
	h.add(stores.QueueDiscovered, "vm1")
	h.add(stores.QueueRunning, "vm1")
	require.NoError(t, h.store.HSet(h.ctx, h.keys.VM("vm1"), stores.FieldDiscovered, stores.FormatTime(h.clock.Now())))

	h.tick(w)

	assert.Empty(t, h.members(stores.QueueDiscovered))
	assert.Equal(t, []string{"vm1"}, h.members(stores.QueueRunning))
	_, ok := h.field("vm1", stores.FieldDiscovered)
	assert.False(t, ok)
}

func TestDiscoveredLegacyEntryStartsGraceNow(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()
	h.add(stores.QueueDiscovered, "old")

	h.tick(w)
	assert.Equal(t, []string{"old"}, h.members(stores.QueueDiscovered))
	stamp, ok := h.field("old", stores.FieldDiscovered)
	require.True(t, ok)
	assert.Equal(t, stores.FormatTime(h.clock.Now()), stamp)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Engine.PoolInterval = 10 * time.Millisecond })
	w := h.worker()
	assert.Equal(t, "pool:pool1", w.Name())

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.provider.IDs("pool1")) >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// hookedProvider wraps the dummy provider with optional per-call hooks.
type hookedProvider struct {
	*dummy.Provider
	inventory func(ctx context.Context, pool string) (map[string]struct{}, error)
	findLight func(ctx context.Context, id string) (*engine.Host, error)
}

func (p *hookedProvider) Inventory(ctx context.Context, pool string) (map[string]struct{}, error) {
	if p.inventory != nil {
		return p.inventory(ctx, pool)
	}
	return p.Provider.Inventory(ctx, pool)
}

func (p *hookedProvider) FindLight(ctx context.Context, id string) (*engine.Host, error) {
	if p.findLight != nil {
		return p.findLight(ctx, id)
	}
	return p.Provider.FindLight(ctx, id)
}

// runtimeWith builds a runtime sharing the harness store and clock but
// resolving the dummy kind to p.
func (h *harness) runtimeWith(p engine.Provider) *engine.Runtime {
	h.t.Helper()
	registry := engine.NewRegistry(nil)
	require.NoError(h.t, registry.Register(dummy.Kind, func(context.Context) (engine.Provider, error) {
		return p, nil
	}))
	rt, err := engine.NewRuntime(h.rt.Config, h.store, registry, nil)
	require.NoError(h.t, err)
	rt.Now = h.clock.Now
	return rt
}

func TestDiscoverSkipsCloneRegisteredDuringInventory(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	p := &hookedProvider{Provider: h.provider}
	p.inventory = func(ctx context.Context, pool string) (map[string]struct{}, error) {
		// A clone finishes registering while the inventory call is in flight.
		h.provider.Add("pool1", "vmfresh")
		require.NoError(t, h.store.HSet(ctx, h.keys.VM("vmfresh"), stores.FieldClone, stores.FormatTime(h.clock.Now())))
		require.NoError(t, h.store.SAdd(ctx, h.keys.Queue(stores.QueuePending, "pool1"), "vmfresh"))
		return h.provider.Inventory(ctx, pool)
	}

	w, err := engine.NewPoolWorker(h.ctx, h.runtimeWith(p), h.rt.Config.Pools[0])
	require.NoError(t, err)
	h.tick(w)

	assert.Empty(t, h.members(stores.QueueDiscovered))
	assert.Contains(t, h.members(stores.QueuePending), "vmfresh")
	_, stamped := h.field("vmfresh", stores.FieldDiscovered)
	assert.False(t, stamped, "a tracked clone is never stamped as discovered")
}

func TestPendingWithoutCloneStampTimesOut(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pools[0].Size = 0 })
	w := h.worker()

	h.add(stores.QueuePending, "orphan")
	h.add(stores.QueuePending, "booting")
	h.provider.Add("pool1", "booting")
	h.provider.SetHostname("booting", dummy.BootingHostname)

	h.tick(w)
	assert.ElementsMatch(t, []string{"orphan", "booting"}, h.members(stores.QueuePending))
	for _, id := range []string{"orphan", "booting"} {
		stamp, ok := h.field(id, stores.FieldClone)
		require.True(t, ok, id)
		assert.Equal(t, stores.FormatTime(h.clock.Now()), stamp)
	}

	h.clock.Advance(16 * time.Minute)
	h.tick(w)
	assert.Empty(t, h.members(stores.QueuePending))
	assert.ElementsMatch(t, []string{"orphan", "booting"}, h.members(stores.QueueCompleted))
}
