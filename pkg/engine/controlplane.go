package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/warmpool/warmpool/pkg/stores"
)

// ControlPlane exposes the queue moves an external API performs on behalf of
// consumers. Identifiers are trusted as given.
type ControlPlane struct {
	rt *Runtime
}

// NewControlPlane returns control-plane primitives bound to rt.
func NewControlPlane(rt *Runtime) *ControlPlane {
	return &ControlPlane{rt: rt}
}

// Checkout moves vmID from ready to running and stamps the checkout time.
func (c *ControlPlane) Checkout(ctx context.Context, pool, vmID string) error {
	moved, err := c.rt.Store.SMove(ctx,
		c.rt.Keys.Queue(stores.QueueReady, pool), c.rt.Keys.Queue(stores.QueueRunning, pool), vmID)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: %s is not ready in pool %s", ErrNotInQueue, vmID, pool)
	}
	if err := c.rt.Store.HSet(ctx, c.rt.Keys.Active(pool), vmID, stores.FormatTime(c.rt.now())); err != nil {
		return err
	}
	c.rt.Telemetry.Metrics.RecordTransition(pool, string(stores.QueueReady), string(stores.QueueRunning))
	_ = c.rt.Telemetry.Events.PublishTransition(pool, vmID,
		string(stores.QueueReady), string(stores.QueueRunning), "checked out")
	return nil
}

// CheckoutAny checks out any ready VM from the pool named by nameOrAlias and
// returns its id.
func (c *ControlPlane) CheckoutAny(ctx context.Context, nameOrAlias string) (string, error) {
	pool, ok := c.rt.Config.ResolvePool(nameOrAlias)
	if !ok {
		return "", fmt.Errorf("unknown pool %q", nameOrAlias)
	}

	ids, err := c.rt.Store.SMembers(ctx, c.rt.Keys.Queue(stores.QueueReady, pool.Name))
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		err := c.Checkout(ctx, pool.Name, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNotInQueue) {
			return "", err
		}
		// Lost the race for this one; try the next.
	}
	return "", fmt.Errorf("%w: pool %s has no ready vms", ErrNotInQueue, pool.Name)
}

// Return hands a running VM back for destruction.
func (c *ControlPlane) Return(ctx context.Context, pool, vmID string) error {
	moved, err := c.rt.Store.SMove(ctx,
		c.rt.Keys.Queue(stores.QueueRunning, pool), c.rt.Keys.Queue(stores.QueueCompleted, pool), vmID)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: %s is not running in pool %s", ErrNotInQueue, vmID, pool)
	}
	c.rt.Telemetry.Metrics.RecordTransition(pool, string(stores.QueueRunning), string(stores.QueueCompleted))
	_ = c.rt.Telemetry.Events.PublishTransition(pool, vmID,
		string(stores.QueueRunning), string(stores.QueueCompleted), "returned")
	return nil
}

// SetLifetime overrides the running ttl of one VM, in hours. Zero keeps it forever.
func (c *ControlPlane) SetLifetime(ctx context.Context, vmID string, hours int) error {
	if hours < 0 {
		return fmt.Errorf("lifetime must not be negative, got %d", hours)
	}
	return c.rt.Store.HSet(ctx, c.rt.Keys.VM(vmID), stores.FieldLifetime, strconv.Itoa(hours))
}
