package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/stores"
	"github.com/warmpool/warmpool/pkg/telemetry"
)

// PoolWorker reconciles one pool on a fixed interval.
type PoolWorker struct {
	rt       *Runtime
	pool     config.Pool
	provider Provider
	dispatch *dispatcher
	logger   *telemetry.Logger
}

// NewPoolWorker resolves the pool's provider and returns a worker for it.
func NewPoolWorker(ctx context.Context, rt *Runtime, pool config.Pool) (*PoolWorker, error) {
	provider, err := rt.Providers.Resolve(ctx, pool.Provider)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Name, err)
	}

	logger := rt.logger("pool_worker").WithPool(pool.Name).WithProvider(pool.Provider)
	return &PoolWorker{
		rt:       rt,
		pool:     pool,
		provider: provider,
		dispatch: newDispatcher(rt.Config.Engine.MaxConcurrentChecks, logger),
		logger:   logger,
	}, nil
}

// Name implements Worker.
func (w *PoolWorker) Name() string { return "pool:" + w.pool.Name }

// Run ticks until ctx is cancelled. Work units still in flight are
// cancelled with ctx and awaited before Run returns. A panicking tick
// unwinds without waiting, so a hung unit cannot delay the restart.
func (w *PoolWorker) Run(ctx context.Context) error {
	w.logger.Debug("starting worker")

	ticker := time.NewTicker(w.rt.Config.Engine.PoolInterval)
	defer ticker.Stop()

	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			w.dispatch.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every check, destroy and clone started by earlier ticks
// has finished.
func (w *PoolWorker) Wait() {
	w.dispatch.Wait()
}

// Tick runs one reconciliation pass. Per-VM work is dispatched and not awaited.
func (w *PoolWorker) Tick(ctx context.Context) {
	ctx, span := w.rt.Telemetry.Tracer.StartPoolSpan(ctx, w.pool.Name)
	defer span.End()

	// Queues are read after the inventory so a clone registered during the
	// provider call is already tracked when discovery runs.
	inventory, invErr := w.provider.Inventory(ctx, w.pool.Name)
	if invErr != nil {
		// Treat the inventory as unknown, not empty: nothing moves this tick.
		w.logger.WithError(invErr).Warn("failed to fetch inventory, leaving queues untouched")
		telemetry.RecordError(span, invErr)
	} else {
		members, index, err := w.queueMembers(ctx)
		if err != nil {
			w.logger.WithError(err).Error("failed to read queues, skipping tick")
			telemetry.RecordError(span, err)
			return
		}

		w.discover(ctx, inventory, index)
		w.checkRunning(ctx, members[stores.QueueRunning], inventory)
		w.checkReady(ctx, members[stores.QueueReady], inventory)
		w.checkPending(ctx, members[stores.QueuePending], inventory)
		w.handleCompleted(ctx, members[stores.QueueCompleted], inventory)
		w.resolveDiscovered(ctx)
	}

	ready, pending, err := w.updateGauges(ctx)
	if err != nil {
		w.logger.WithError(err).Error("failed to update pool gauges")
		return
	}

	if invErr == nil {
		w.repopulate(ctx, ready+pending)
	}
}

func (w *PoolWorker) queueMembers(ctx context.Context) (map[stores.Queue][]string, map[string]stores.Queue, error) {
	members := make(map[stores.Queue][]string, len(stores.Queues))
	index := make(map[string]stores.Queue)

	for _, q := range stores.Queues {
		ids, err := w.rt.Store.SMembers(ctx, w.rt.Keys.Queue(q, w.pool.Name))
		if err != nil {
			return nil, nil, err
		}
		members[q] = ids
		for _, id := range ids {
			index[id] = q
		}
	}
	return members, index, nil
}

func (w *PoolWorker) discover(ctx context.Context, inventory map[string]struct{}, index map[string]stores.Queue) {
	for id := range inventory {
		if _, tracked := index[id]; tracked {
			continue
		}
		// A clone may register between the queue read and now.
		claimedBy, err := w.claimedBy(ctx, id)
		if err != nil {
			w.logger.WithVM(id).WithError(err).Error("failed to check queue membership")
			continue
		}
		if claimedBy != "" {
			continue
		}
		if err := w.rt.Store.HSet(ctx, w.rt.Keys.VM(id), stores.FieldDiscovered, stores.FormatTime(w.rt.now())); err != nil {
			w.logger.WithVM(id).WithError(err).Error("failed to stamp discovered vm")
			continue
		}
		if err := w.rt.Store.SAdd(ctx, w.rt.Keys.Queue(stores.QueueDiscovered, w.pool.Name), id); err != nil {
			w.logger.WithVM(id).WithError(err).Error("failed to add vm to discovered")
			continue
		}
		_ = w.rt.Telemetry.Events.PublishDiscovered(w.pool.Name, id)
		w.logger.WithVM(id).Info("added to 'discovered' queue")
	}
}

func (w *PoolWorker) checkRunning(ctx context.Context, ids []string, inventory map[string]struct{}) {
	for _, id := range ids {
		if _, ok := inventory[id]; !ok {
			continue
		}
		w.spawnCheck(ctx, id, w.checkRunningVM)
	}
}

func (w *PoolWorker) checkRunningVM(ctx context.Context, id string) {
	checkout, _, err := w.rt.Store.HGet(ctx, w.rt.Keys.Active(w.pool.Name), id)
	if err != nil {
		w.logger.WithVM(id).WithError(err).Error("failed to read checkout time")
		return
	}
	lifetime, _, err := w.rt.Store.HGet(ctx, w.rt.Keys.VM(id), stores.FieldLifetime)
	if err != nil {
		w.logger.WithVM(id).WithError(err).Error("failed to read vm lifetime")
		return
	}

	obs := RunningObservation{
		TTL: ResolveRunningTTL(lifetime, w.pool, w.rt.Config.Engine),
		Now: w.rt.now(),
	}
	if checkout != "" {
		if t, err := stores.ParseTime(checkout); err == nil {
			obs.CheckoutTime = t
		} else {
			w.logger.WithVM(id).WithError(err).Warn("ignoring unreadable checkout time")
		}
	}

	w.apply(ctx, id, EvaluateRunning(obs))
}

func (w *PoolWorker) checkReady(ctx context.Context, ids []string, inventory map[string]struct{}) {
	for _, id := range ids {
		if _, ok := inventory[id]; !ok {
			w.apply(ctx, id, removeFrom(stores.QueueReady, "not found in inventory"))
			continue
		}
		w.spawnCheck(ctx, id, w.checkReadyVM)
	}
}

func (w *PoolWorker) checkReadyVM(ctx context.Context, id string) {
	record, err := w.rt.Store.HGetAll(ctx, w.rt.Keys.VM(id))
	if err != nil {
		w.logger.WithVM(id).WithError(err).Error("failed to read vm record")
		return
	}

	var (
		host   *Host
		looked bool
	)
	lookup := func() (*Host, error) {
		if looked {
			return host, nil
		}
		h, err := findHost(ctx, w.provider, id)
		if err != nil {
			return nil, err
		}
		host, looked = h, true
		return host, nil
	}

	if ttl := w.pool.ReadyLifetime(); ttl > 0 {
		h, err := lookup()
		if err != nil {
			w.logger.WithVM(id).WithError(err).Warn("lookup failed, skipping ready check this tick")
			return
		}
		obs := ReadyTTLObservation{ReadyTTL: ttl, Now: w.rt.now(), CloneTime: parseStamp(record[stores.FieldClone])}
		if h != nil {
			obs.BootTime = h.BootTime
		}
		if w.apply(ctx, id, EvaluateReadyTTL(obs)) {
			return
		}
	}

	interval := time.Duration(w.rt.Config.Engine.CheckInterval) * time.Minute
	if !HealthCheckDue(record[stores.FieldCheck], interval, w.rt.now()) {
		return
	}
	if err := w.rt.Store.HSet(ctx, w.rt.Keys.VM(id), stores.FieldCheck, stores.FormatTime(w.rt.now())); err != nil {
		w.logger.WithVM(id).WithError(err).Error("failed to stamp health check")
		return
	}

	h, err := lookup()
	if err != nil {
		w.logger.WithVM(id).WithError(err).Warn("lookup failed, skipping health check this tick")
		return
	}

	obs := ReadyHealthObservation{VM: id, Host: h}
	if h != nil {
		obs.Reachable = w.probe(ctx, id, record[stores.FieldHostname]) == nil
	}
	w.apply(ctx, id, EvaluateReadyHealth(obs))
}

func (w *PoolWorker) checkPending(ctx context.Context, ids []string, inventory map[string]struct{}) {
	timeout := w.pool.CloneTimeout(w.rt.Config.Engine)
	for _, id := range ids {
		if _, ok := inventory[id]; ok {
			w.spawnCheck(ctx, id, w.checkPendingVM)
			continue
		}

		clone, _, err := w.rt.Store.HGet(ctx, w.rt.Keys.VM(id), stores.FieldClone)
		if err != nil {
			w.logger.WithVM(id).WithError(err).Error("failed to read clone time")
			continue
		}
		w.apply(ctx, id, EvaluatePendingInvisible(w.cloneStamp(ctx, id, clone), timeout, w.rt.now()))
	}
}

func (w *PoolWorker) checkPendingVM(ctx context.Context, id string) {
	record, err := w.rt.Store.HGetAll(ctx, w.rt.Keys.VM(id))
	if err != nil {
		w.logger.WithVM(id).WithError(err).Error("failed to read vm record")
		return
	}

	host, err := findHost(ctx, w.provider, id)
	if err != nil {
		w.logger.WithVM(id).WithError(err).Warn("lookup failed, skipping pending check this tick")
		return
	}

	obs := PendingObservation{
		VM:        id,
		Host:      host,
		CloneTime: w.cloneStamp(ctx, id, record[stores.FieldClone]),
		Timeout:   w.pool.CloneTimeout(w.rt.Config.Engine),
		Now:       w.rt.now(),
	}
	if host != nil {
		obs.Reachable = w.probe(ctx, id, record[stores.FieldHostname]) == nil
	}

	t := EvaluatePending(obs)
	if !w.apply(ctx, id, t) || t.To != stores.QueueReady || obs.CloneTime.IsZero() {
		return
	}

	boot := obs.Now.Sub(obs.CloneTime)
	field := stores.HistoryField(w.pool.Name, id)
	if err := w.rt.Store.HSet(ctx, w.rt.Keys.BootHistory(obs.Now), field, stores.FormatSeconds(boot)); err != nil {
		w.logger.WithVM(id).WithError(err).Warn("failed to record boot time")
	}
	w.rt.Telemetry.Metrics.RecordBoot(w.pool.Name, boot)
}

func (w *PoolWorker) handleCompleted(ctx context.Context, ids []string, inventory map[string]struct{}) {
	for _, id := range ids {
		if _, ok := inventory[id]; ok {
			vm := id
			if !w.dispatch.TryGo(ctx, "destroy:"+vm, func(ctx context.Context) { w.destroy(ctx, vm) }) {
				w.rt.Telemetry.Metrics.RecordCheckSkipped(w.pool.Name)
			}
			continue
		}
		w.forceClean(ctx, id)
	}
}

// forceClean drops every trace of a completed VM the provider no longer has.
func (w *PoolWorker) forceClean(ctx context.Context, id string) {
	logger := w.logger.WithVM(id)
	if _, err := w.rt.Store.SRem(ctx, w.rt.Keys.Queue(stores.QueueCompleted, w.pool.Name), id); err != nil {
		logger.WithError(err).Error("failed to remove vm from completed")
		return
	}
	if err := w.rt.Store.HDel(ctx, w.rt.Keys.Active(w.pool.Name), id); err != nil {
		logger.WithError(err).Warn("failed to clear checkout time")
	}
	if err := w.rt.Store.Del(ctx, w.rt.Keys.VM(id)); err != nil {
		logger.WithError(err).Warn("failed to delete vm record")
	}
	logger.Info("not found in inventory, removed from 'completed' queue")
}

func (w *PoolWorker) destroy(ctx context.Context, id string) {
	ctx, span := w.rt.Telemetry.Tracer.StartVMSpan(ctx, w.pool.Name, id, "destroy")
	logger := w.logger.WithVM(id)

	// Only the caller that removes the VM from completed may destroy it.
	claimed, err := w.rt.Store.SRem(ctx, w.rt.Keys.Queue(stores.QueueCompleted, w.pool.Name), id)
	if err != nil || !claimed {
		telemetry.EndSpan(span, err)
		return
	}

	if err := w.rt.Store.HDel(ctx, w.rt.Keys.Active(w.pool.Name), id); err != nil {
		logger.WithError(err).Warn("failed to clear checkout time")
	}
	vmKey := w.rt.Keys.VM(id)
	if err := w.rt.Store.HSet(ctx, vmKey, stores.FieldDestroy, stores.FormatTime(w.rt.now())); err != nil {
		logger.WithError(err).Warn("failed to stamp destroy time")
	}
	retention := time.Duration(w.rt.Config.Store.DataTTL) * time.Hour
	if err := w.rt.Store.Expire(ctx, vmKey, retention); err != nil {
		logger.WithError(err).Warn("failed to schedule vm record expiry")
	}

	start := w.rt.now()
	err = w.provider.Destroy(ctx, id, w.pool.Name)
	telemetry.EndSpan(span, err)
	if err != nil {
		logger.WithError(err).Error("destroy appears to have failed")
		if err := w.rt.Store.Del(ctx, vmKey); err != nil {
			logger.WithError(err).Warn("failed to delete vm record")
		}
		return
	}

	d := w.rt.now().Sub(start)
	w.rt.Telemetry.Metrics.RecordDestroy(w.pool.Name, d)
	_ = w.rt.Telemetry.Events.PublishDestroyed(w.pool.Name, id, d)
	logger.Infof("destroyed in %s seconds", stores.FormatSeconds(d))
}

func (w *PoolWorker) resolveDiscovered(ctx context.Context) {
	ids, err := w.rt.Store.SMembers(ctx, w.rt.Keys.Queue(stores.QueueDiscovered, w.pool.Name))
	if err != nil {
		w.logger.WithError(err).Error("failed to read discovered queue")
		return
	}

	grace := time.Duration(w.rt.Config.Engine.DiscoveryGrace) * time.Minute
	for _, id := range ids {
		claimedBy, err := w.claimedBy(ctx, id)
		if err != nil {
			w.logger.WithVM(id).WithError(err).Error("failed to check queue membership")
			continue
		}

		seen, ok, err := w.rt.Store.HGet(ctx, w.rt.Keys.VM(id), stores.FieldDiscovered)
		if err != nil {
			w.logger.WithVM(id).WithError(err).Error("failed to read discovery time")
			continue
		}
		firstSeen := parseStamp(seen)
		if !ok && claimedBy == "" {
			// Entries written before discovery stamps existed start their grace now.
			firstSeen = w.rt.now()
			_ = w.rt.Store.HSet(ctx, w.rt.Keys.VM(id), stores.FieldDiscovered, stores.FormatTime(firstSeen))
		}

		t := EvaluateDiscovered(DiscoveredObservation{
			ClaimedBy: claimedBy,
			FirstSeen: firstSeen,
			Grace:     grace,
			Now:       w.rt.now(),
		})
		if w.apply(ctx, id, t) && t.Action == ActionRemove {
			_ = w.rt.Store.HDel(ctx, w.rt.Keys.VM(id), stores.FieldDiscovered)
		}
	}
}

func (w *PoolWorker) claimedBy(ctx context.Context, id string) (stores.Queue, error) {
	for _, q := range []stores.Queue{stores.QueuePending, stores.QueueReady, stores.QueueRunning, stores.QueueCompleted} {
		ok, err := w.rt.Store.SIsMember(ctx, w.rt.Keys.Queue(q, w.pool.Name), id)
		if err != nil {
			return "", err
		}
		if ok {
			return q, nil
		}
	}
	return "", nil
}

// updateGauges publishes queue sizes and maintains the empty flag.
func (w *PoolWorker) updateGauges(ctx context.Context) (ready, pending int64, err error) {
	sizes := make(map[stores.Queue]int64, len(stores.Queues))
	for _, q := range stores.Queues {
		n, err := w.rt.Store.SCard(ctx, w.rt.Keys.Queue(q, w.pool.Name))
		if err != nil {
			return 0, 0, err
		}
		sizes[q] = n
		w.rt.Telemetry.Metrics.SetQueueSize(w.pool.Name, string(q), n)
	}
	ready, pending = sizes[stores.QueueReady], sizes[stores.QueuePending]

	emptyKey := w.rt.Keys.Empty(w.pool.Name)
	_, flagged, err := w.rt.Store.Get(ctx, emptyKey)
	if err != nil {
		return 0, 0, err
	}

	switch {
	case ready == 0 && !flagged:
		if err := w.rt.Store.Set(ctx, emptyKey, "true"); err != nil {
			return 0, 0, err
		}
		_ = w.rt.Telemetry.Events.PublishPoolEmpty(w.pool.Name)
		w.logger.Warn("pool is empty")
	case ready > 0 && flagged:
		if err := w.rt.Store.Del(ctx, emptyKey); err != nil {
			return 0, 0, err
		}
	}
	w.rt.Telemetry.Metrics.SetPoolEmpty(w.pool.Name, ready == 0)

	return ready, pending, nil
}

// repopulate starts one clone per missing slot while the global clone
// counter admits it.
func (w *PoolWorker) repopulate(ctx context.Context, total int64) {
	missing := int64(w.pool.Size) - total
	limit := int64(w.rt.Config.Engine.TaskLimit)

	for i := int64(0); i < missing; i++ {
		n, ok, err := w.rt.Store.IncrIfBelow(ctx, w.rt.Keys.CloneTasks(), limit)
		if err != nil {
			w.logger.WithError(err).Error("failed to reserve a clone slot")
			return
		}
		if !ok {
			w.logger.Debugf("clone limit of %d reached, %d slots left unfilled", limit, missing-i)
			return
		}
		w.rt.Telemetry.Metrics.SetCloneTasks(n)

		name := GenerateName(w.rt.Config.Engine.Prefix)
		w.dispatch.Go(ctx, "clone:"+name, func(ctx context.Context) { w.clone(ctx, name) })
	}
}

func (w *PoolWorker) clone(ctx context.Context, name string) {
	defer func() {
		n, err := w.rt.Store.Decr(context.WithoutCancel(ctx), w.rt.Keys.CloneTasks())
		if err != nil {
			w.logger.WithError(err).Error("failed to release clone slot")
			return
		}
		w.rt.Telemetry.Metrics.SetCloneTasks(n)
	}()

	ctx, span := w.rt.Telemetry.Tracer.StartVMSpan(ctx, w.pool.Name, name, "clone")
	logger := w.logger.WithVM(name)
	tracker := &cloneTracker{w: w}

	start := w.rt.now()
	err := w.provider.Clone(ctx, CloneRequest{Pool: w.pool.Name, Name: name}, tracker)
	telemetry.EndSpan(span, err)
	if err != nil {
		w.rt.Telemetry.Metrics.RecordCloneFailure(w.pool.Name)
		_ = w.rt.Telemetry.Events.PublishCloneFailed(w.pool.Name, name, err.Error())
		logger.WithError(err).Error("clone appears to have failed")

		if id := tracker.id; id != "" {
			w.apply(context.WithoutCancel(ctx), id, moveTo(stores.QueuePending, stores.QueueCompleted, "clone failed"))
		}
		return
	}

	id := tracker.id
	if id == "" {
		id = name
	}
	d := w.rt.now().Sub(start)
	secs := stores.FormatSeconds(d)
	if err := w.rt.Store.HSet(ctx, w.rt.Keys.CloneHistory(start), stores.HistoryField(w.pool.Name, id), secs); err != nil {
		logger.WithError(err).Warn("failed to record clone time")
	}
	if err := w.rt.Store.HSet(ctx, w.rt.Keys.VM(id), stores.FieldCloneTime, secs); err != nil {
		logger.WithError(err).Warn("failed to record clone time")
	}
	w.rt.Telemetry.Metrics.RecordClone(w.pool.Name, d)
	_ = w.rt.Telemetry.Events.PublishCloned(w.pool.Name, id, d)
	logger.Infof("cloned in %s seconds", secs)
}

// cloneTracker writes the VM record and pending membership as soon as the
// provider reports that a resource exists.
type cloneTracker struct {
	w  *PoolWorker
	id string
}

func (t *cloneTracker) Registered(ctx context.Context, id string) error {
	rt := t.w.rt
	key := rt.Keys.VM(id)
	if err := rt.Store.HSet(ctx, key, stores.FieldClone, stores.FormatTime(rt.now())); err != nil {
		return err
	}
	if err := rt.Store.HSet(ctx, key, stores.FieldTemplate, t.w.pool.Name); err != nil {
		return err
	}
	if err := rt.Store.SAdd(ctx, rt.Keys.Queue(stores.QueuePending, t.w.pool.Name), id); err != nil {
		return err
	}
	t.id = id
	return nil
}

func (t *cloneTracker) Annotate(ctx context.Context, id string, fields map[string]string) error {
	for field, value := range fields {
		if err := t.w.rt.Store.HSet(ctx, t.w.rt.Keys.VM(id), field, value); err != nil {
			return err
		}
	}
	return nil
}

func (w *PoolWorker) spawnCheck(ctx context.Context, id string, check func(context.Context, string)) {
	started := w.dispatch.TryGo(ctx, "check:"+id, func(ctx context.Context) {
		ctx, span := w.rt.Telemetry.Tracer.StartVMSpan(ctx, w.pool.Name, id, "check")
		defer span.End()
		check(ctx, id)
	})
	if !started {
		w.rt.Telemetry.Metrics.RecordCheckSkipped(w.pool.Name)
	}
}

// findHost looks the VM up cheaply, then exhaustively. A nil host with a nil
// error means the provider does not have it.
func findHost(ctx context.Context, p Provider, id string) (*Host, error) {
	host, err := p.FindLight(ctx, id)
	if err != nil {
		return nil, err
	}
	if host != nil {
		return host, nil
	}
	hosts, err := p.FindHeavy(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return hosts[id], nil
}

func (w *PoolWorker) probe(ctx context.Context, id, hostname string) error {
	target := hostname
	if target == "" {
		target = id
	}
	return w.rt.Prober.Probe(ctx, target)
}

// apply performs a transition and reports whether this caller made it happen.
func (w *PoolWorker) apply(ctx context.Context, id string, t Transition) bool {
	logger := w.logger.WithVM(id)
	switch t.Action {
	case ActionMove:
		moved, err := w.rt.Store.SMove(ctx,
			w.rt.Keys.Queue(t.From, w.pool.Name), w.rt.Keys.Queue(t.To, w.pool.Name), id)
		if err != nil {
			logger.WithError(err).Errorf("failed to move vm from '%s' to '%s'", t.From, t.To)
			return false
		}
		if !moved {
			return false
		}
		w.rt.Telemetry.Metrics.RecordTransition(w.pool.Name, string(t.From), string(t.To))
		_ = w.rt.Telemetry.Events.PublishTransition(w.pool.Name, id, string(t.From), string(t.To), t.Reason)
		logger.Infof("%s, moved from '%s' to '%s'", t.Reason, t.From, t.To)
		return true

	case ActionRemove:
		removed, err := w.rt.Store.SRem(ctx, w.rt.Keys.Queue(t.From, w.pool.Name), id)
		if err != nil {
			logger.WithError(err).Errorf("failed to remove vm from '%s'", t.From)
			return false
		}
		if removed {
			w.rt.Telemetry.Metrics.RecordTransition(w.pool.Name, string(t.From), "removed")
			_ = w.rt.Telemetry.Events.PublishTransition(w.pool.Name, id, string(t.From), "", t.Reason)
			logger.Infof("%s, removed from '%s'", t.Reason, t.From)
		}
		return removed
	}
	return false
}

// cloneStamp returns the pending VM's clone time. A record without a
// readable stamp gets one now, so its clone timeout starts counting.
func (w *PoolWorker) cloneStamp(ctx context.Context, id, raw string) time.Time {
	if t := parseStamp(raw); !t.IsZero() {
		return t
	}
	now := w.rt.now()
	if err := w.rt.Store.HSet(ctx, w.rt.Keys.VM(id), stores.FieldClone, stores.FormatTime(now)); err != nil {
		w.logger.WithVM(id).WithError(err).Warn("failed to stamp clone time")
	}
	w.logger.WithVM(id).Warn("pending vm had no clone time, starting its timeout now")
	return now
}

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := stores.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
