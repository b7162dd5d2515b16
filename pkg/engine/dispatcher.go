package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/warmpool/warmpool/pkg/telemetry"
)

// dispatcher spawns per-VM work units without making the caller wait for
// them. Bounded units share a semaphore and are de-duplicated by key, so one
// VM never has two checks in flight. A panicking unit is logged and dropped.
type dispatcher struct {
	sem    *semaphore.Weighted
	logger *telemetry.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	wg sync.WaitGroup
}

func newDispatcher(limit int, logger *telemetry.Logger) *dispatcher {
	if limit <= 0 {
		limit = 1
	}
	return &dispatcher{
		sem:      semaphore.NewWeighted(int64(limit)),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// TryGo starts fn unless key is already running or every slot is taken.
// It never blocks and reports whether fn was started.
func (d *dispatcher) TryGo(ctx context.Context, key string, fn func(context.Context)) bool {
	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		return false
	}
	if !d.sem.TryAcquire(1) {
		d.mu.Unlock()
		return false
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, key)
			d.mu.Unlock()
			d.sem.Release(1)
		}()
		d.run(ctx, key, fn)
	}()
	return true
}

// Go starts fn without taking a slot.
func (d *dispatcher) Go(ctx context.Context, key string, fn func(context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, key, fn)
	}()
}

func (d *dispatcher) run(ctx context.Context, key string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("unit", key).Errorf("work unit panicked: %v", r)
		}
	}()
	fn(ctx)
}

// Wait blocks until every started unit has returned.
func (d *dispatcher) Wait() {
	d.wg.Wait()
}
