package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warmpool/warmpool/pkg/stores"
	"github.com/warmpool/warmpool/pkg/telemetry"
)

// TaskWorker drains one or more global task queues, popping one item per
// queue per tick. Items are handled in their own work unit.
type TaskWorker struct {
	rt       *Runtime
	name     string
	kinds    []stores.TaskKind
	dispatch *dispatcher
	logger   *telemetry.Logger
}

// NewDiskWorker returns the worker that attaches extra disks.
func NewDiskWorker(rt *Runtime) *TaskWorker {
	return newTaskWorker(rt, "disk_manager", stores.TaskDisk)
}

// NewSnapshotWorker returns the worker that creates and reverts snapshots.
func NewSnapshotWorker(rt *Runtime) *TaskWorker {
	return newTaskWorker(rt, "snapshot_manager", stores.TaskSnapshot, stores.TaskSnapshotRevert)
}

func newTaskWorker(rt *Runtime, name string, kinds ...stores.TaskKind) *TaskWorker {
	logger := rt.logger("task_worker").WithWorker(name)
	return &TaskWorker{
		rt:       rt,
		name:     name,
		kinds:    kinds,
		dispatch: newDispatcher(rt.Config.Engine.MaxConcurrentChecks, logger),
		logger:   logger,
	}
}

// Name implements Worker.
func (w *TaskWorker) Name() string { return "task:" + w.name }

// Run ticks until ctx is cancelled.
func (w *TaskWorker) Run(ctx context.Context) error {
	w.logger.Debug("starting worker")

	ticker := time.NewTicker(w.rt.Config.Engine.TaskInterval)
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

// Wait blocks until every dispatched item has been handled.
func (w *TaskWorker) Wait() {
	w.dispatch.Wait()
}

// Tick pops at most one item from each of the worker's queues.
func (w *TaskWorker) Tick(ctx context.Context) {
	for _, kind := range w.kinds {
		item, ok, err := w.rt.Store.SPop(ctx, w.rt.Keys.Tasks(kind))
		if err != nil {
			w.logger.WithError(err).Errorf("failed to pop from %s queue", kind)
			continue
		}
		if !ok {
			continue
		}

		w.dispatch.Go(ctx, string(kind)+":"+item, func(ctx context.Context) {
			w.handle(ctx, kind, item)
		})
	}
}

func (w *TaskWorker) handle(ctx context.Context, kind stores.TaskKind, item string) {
	ctx, span := w.rt.Telemetry.Tracer.StartSpan(ctx, "task."+string(kind),
		telemetry.AttrOperation.String(string(kind)))

	start := w.rt.now()
	vm, err := w.process(ctx, kind, item)
	telemetry.EndSpan(span, err)

	logger := w.logger.WithVM(vm).WithField("task", string(kind))
	if err != nil {
		w.rt.Telemetry.Metrics.RecordTask(string(kind), "failure")
		logger.WithError(err).Errorf("%s task %q appears to have failed", kind, item)
		return
	}
	w.rt.Telemetry.Metrics.RecordTask(string(kind), "success")
	logger.Infof("%s task completed in %s seconds", kind, stores.FormatSeconds(w.rt.now().Sub(start)))
}

// ParseTaskItem splits a "<vm-id>:<parameter>" queue item.
func ParseTaskItem(item string) (vm, param string, err error) {
	vm, param, ok := strings.Cut(item, ":")
	if !ok || vm == "" || param == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTask, item)
	}
	return vm, param, nil
}

func (w *TaskWorker) process(ctx context.Context, kind stores.TaskKind, item string) (string, error) {
	vm, param, err := ParseTaskItem(item)
	if err != nil {
		return "", err
	}

	template, ok, err := w.rt.Store.HGet(ctx, w.rt.Keys.VM(vm), stores.FieldTemplate)
	if err != nil {
		return vm, err
	}
	if !ok {
		return vm, NewPermanentError("task", fmt.Errorf("vm has no template")).WithCode(ErrCodeNotFound)
	}
	pool, ok := w.rt.Config.Pool(template)
	if !ok {
		return vm, NewPermanentError("task", fmt.Errorf("vm template %q is not a configured pool", template))
	}

	provider, err := w.rt.Providers.Resolve(ctx, pool.Provider)
	if err != nil {
		return vm, err
	}

	host, err := findHost(ctx, provider, vm)
	if err != nil {
		return vm, err
	}
	if host == nil {
		return vm, NewPermanentError("task", fmt.Errorf("vm not found by provider")).WithCode(ErrCodeNotFound)
	}

	switch kind {
	case stores.TaskDisk:
		return vm, w.attachDisk(ctx, provider, host, pool.Datastore, vm, param)
	case stores.TaskSnapshot:
		return vm, w.createSnapshot(ctx, provider, host, vm, param)
	case stores.TaskSnapshotRevert:
		return vm, w.revertSnapshot(ctx, provider, host, param)
	default:
		return vm, fmt.Errorf("%w: unknown task kind %s", ErrInvalidTask, kind)
	}
}

func (w *TaskWorker) attachDisk(ctx context.Context, provider Provider, host *Host, datastore, vm, size string) error {
	gb, err := strconv.Atoi(size)
	if err != nil || gb <= 0 {
		return fmt.Errorf("%w: disk size %q", ErrInvalidTask, size)
	}
	if datastore == "" {
		return NewPermanentError("attach_disk", fmt.Errorf("pool has no datastore"))
	}

	attacher, ok := provider.(DiskAttacher)
	if !ok {
		return ErrUnsupported
	}
	if err := attacher.AttachDisk(ctx, host, gb, datastore); err != nil {
		return err
	}

	key := w.rt.Keys.VM(vm)
	existing, _, err := w.rt.Store.HGet(ctx, key, stores.FieldDisk)
	if err != nil {
		return err
	}
	var disks []string
	if existing != "" {
		disks = strings.Split(existing, ":")
	}
	disks = append(disks, fmt.Sprintf("+%dgb", gb))
	return w.rt.Store.HSet(ctx, key, stores.FieldDisk, strings.Join(disks, ":"))
}

func (w *TaskWorker) createSnapshot(ctx context.Context, provider Provider, host *Host, vm, name string) error {
	snapshotter, ok := provider.(Snapshotter)
	if !ok {
		return ErrUnsupported
	}
	if err := snapshotter.CreateSnapshot(ctx, host, name); err != nil {
		return err
	}
	return w.rt.Store.HSet(ctx, w.rt.Keys.VM(vm), stores.SnapshotField(name), stores.FormatTime(w.rt.now()))
}

func (w *TaskWorker) revertSnapshot(ctx context.Context, provider Provider, host *Host, name string) error {
	snapshotter, ok := provider.(Snapshotter)
	if !ok {
		return ErrUnsupported
	}
	return snapshotter.RevertSnapshot(ctx, host, name)
}
