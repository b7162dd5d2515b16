package engine

import (
	"context"
	"fmt"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/stores"
)

// PoolStatus is a point-in-time view of one pool's queues.
type PoolStatus struct {
	// Pool is the pool name.
	Pool string `json:"pool"`

	// Provider is the pool's provider kind.
	Provider string `json:"provider"`

	// Size is the configured target number of warm VMs.
	Size int `json:"size"`

	// Queues maps each queue to its member count.
	Queues map[stores.Queue]int64 `json:"queues"`

	// Empty reports whether the pool's empty flag is set.
	Empty bool `json:"empty"`
}

// Deficit returns how many VMs the pool is short of its target.
func (s PoolStatus) Deficit() int64 {
	d := int64(s.Size) - s.Queues[stores.QueueReady] - s.Queues[stores.QueuePending]
	if d < 0 {
		return 0
	}
	return d
}

// Status summarises the queues of every configured pool plus the clone counter.
type Status struct {
	Pools      []PoolStatus `json:"pools"`
	CloneTasks int64        `json:"clone_tasks"`
	TaskLimit  int          `json:"task_limit"`
}

// CollectStatus reads queue sizes for every pool in cfg from store.
func CollectStatus(ctx context.Context, cfg *config.Config, store stores.Store) (*Status, error) {
	keys := stores.NewKeys(cfg.Store.Namespace)
	status := &Status{TaskLimit: cfg.Engine.TaskLimit}

	for _, pool := range cfg.Pools {
		ps := PoolStatus{
			Pool:     pool.Name,
			Provider: pool.Provider,
			Size:     pool.Size,
			Queues:   make(map[stores.Queue]int64, len(stores.Queues)),
		}
		for _, q := range stores.Queues {
			n, err := store.SCard(ctx, keys.Queue(q, pool.Name))
			if err != nil {
				return nil, fmt.Errorf("pool %s: %w", pool.Name, err)
			}
			ps.Queues[q] = n
		}
		_, empty, err := store.Get(ctx, keys.Empty(pool.Name))
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", pool.Name, err)
		}
		ps.Empty = empty
		status.Pools = append(status.Pools, ps)
	}

	raw, ok, err := store.Get(ctx, keys.CloneTasks())
	if err != nil {
		return nil, err
	}
	if ok {
		if _, err := fmt.Sscan(raw, &status.CloneTasks); err != nil {
			return nil, fmt.Errorf("clone counter is not a number: %q", raw)
		}
	}
	return status, nil
}
