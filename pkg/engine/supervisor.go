package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warmpool/warmpool/pkg/telemetry"
)

// Worker is a long-lived loop owned by the supervisor.
type Worker interface {
	Name() string

	// Run blocks until ctx is cancelled. Returning early, or panicking,
	// marks the worker terminated and it is restarted.
	Run(ctx context.Context) error
}

// WorkerFactory builds a fresh worker instance.
type WorkerFactory func(ctx context.Context) (Worker, error)

// Supervisor starts one worker per pool plus the task workers, and restarts
// any that terminate. It is the only place worker liveness is observed.
type Supervisor struct {
	rt     *Runtime
	logger *telemetry.Logger

	// specs maps worker name to its factory.
	specs map[string]WorkerFactory

	mu      sync.Mutex
	running map[string]*workerHandle
	wg      sync.WaitGroup
}

type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewSupervisor creates a supervisor for every configured pool and both task workers.
func NewSupervisor(rt *Runtime) *Supervisor {
	s := &Supervisor{
		rt:      rt,
		logger:  rt.logger("supervisor"),
		specs:   make(map[string]WorkerFactory),
		running: make(map[string]*workerHandle),
	}

	for _, pool := range rt.Config.Pools {
		s.Add("pool:"+pool.Name, func(ctx context.Context) (Worker, error) {
			return NewPoolWorker(ctx, rt, pool)
		})
	}
	s.Add("task:disk_manager", func(context.Context) (Worker, error) { return NewDiskWorker(rt), nil })
	s.Add("task:snapshot_manager", func(context.Context) (Worker, error) { return NewSnapshotWorker(rt), nil })
	return s
}

// Add registers an extra worker. It must be called before Run.
func (s *Supervisor) Add(name string, factory WorkerFactory) {
	s.specs[name] = factory
}

// Run resets the clone counter, then keeps every worker alive until ctx is
// cancelled. On return all workers have stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	// Nothing is cloning yet, so any leftover count is stale.
	if err := s.rt.Store.Set(ctx, s.rt.Keys.CloneTasks(), "0"); err != nil {
		s.logger.WithError(err).Error("failed to reset clone counter")
	}

	s.logger.Infof("starting %d workers", len(s.specs))
	ticker := time.NewTicker(s.rt.Config.Engine.SupervisorInterval)
	defer ticker.Stop()

	for {
		s.reconcile(ctx)
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if h, ok := s.running[name]; ok {
			select {
			case <-h.done:
				h.cancel()
				reason := "exited"
				if h.err != nil {
					reason = h.err.Error()
				}
				s.logger.WithWorker(name).Warnf("worker thread died (%s), restarting", reason)
				s.rt.Telemetry.Metrics.RecordWorkerRestart(name)
				_ = s.rt.Telemetry.Events.PublishWorkerRestarted(name, reason)
			default:
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}
		w, err := s.specs[name](ctx)
		if err != nil {
			delete(s.running, name)
			s.logger.WithWorker(name).WithError(err).Error("failed to start worker, retrying")
			continue
		}
		s.running[name] = s.start(ctx, w)
	}
}

func (s *Supervisor) start(ctx context.Context, w Worker) *workerHandle {
	wctx, cancel := context.WithCancel(ctx)
	h := &workerHandle{cancel: cancel, done: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("panic: %v", r)
			}
		}()

		if err := w.Run(wctx); err != nil {
			h.err = err
		} else if wctx.Err() == nil {
			h.err = errors.New("returned without cancellation")
		}
	}()
	return h
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	for _, h := range s.running {
		h.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("all workers stopped")
}

// Running returns the names of the workers that are currently alive.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, h := range s.running {
		select {
		case <-h.done:
		default:
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
