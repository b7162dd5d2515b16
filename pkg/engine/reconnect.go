package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/warmpool/warmpool/pkg/telemetry"
)

// reconnectingProvider retries a failed call once after re-establishing the
// provider session. Every call is traced and counted.
type reconnectingProvider struct {
	inner  Provider
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// WithReconnect wraps p so that a call failing on a broken session is retried
// exactly once after Reconnect. Permanent errors are returned untouched.
func WithReconnect(p Provider, tel *telemetry.Telemetry) Provider {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &reconnectingProvider{
		inner:  p,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("provider").WithProvider(p.Name()),
	}
}

func (p *reconnectingProvider) call(ctx context.Context, op string, retry func() bool, fn func(context.Context) error) error {
	err := p.tel.ObserveProvider(ctx, p.inner.Name(), op, fn)
	if err == nil || IsPermanent(err) || ctx.Err() != nil {
		return err
	}

	// A healthy session means the failure was about the VM, not the connection.
	if !IsTransient(err) && p.inner.Ping(ctx) == nil {
		return err
	}
	if retry != nil && !retry() {
		return err
	}

	p.logger.WithError(err).WithField("operation", op).Warn("provider call failed, reconnecting")
	p.tel.Metrics.RecordProviderReconnect(p.inner.Name())

	if rerr := p.inner.Reconnect(ctx); rerr != nil {
		return NewTransientError("provider."+op, errors.Join(err, rerr))
	}

	if err := p.tel.ObserveProvider(ctx, p.inner.Name(), op, fn); err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) {
			return err
		}
		return NewTransientError("provider."+op, err)
	}
	return nil
}

func (p *reconnectingProvider) Name() string { return p.inner.Name() }

// Clone is only retried when the first attempt never registered a VM, so a
// retry cannot leave two provider resources behind.
func (p *reconnectingProvider) Clone(ctx context.Context, req CloneRequest, tracker CloneTracker) error {
	t := &registrationTracker{CloneTracker: tracker}
	return p.call(ctx, "clone", func() bool { return !t.registered.Load() }, func(ctx context.Context) error {
		return p.inner.Clone(ctx, req, t)
	})
}

func (p *reconnectingProvider) Destroy(ctx context.Context, vmID, pool string) error {
	return p.call(ctx, "destroy", nil, func(ctx context.Context) error {
		return p.inner.Destroy(ctx, vmID, pool)
	})
}

func (p *reconnectingProvider) FindLight(ctx context.Context, vmID string) (*Host, error) {
	var host *Host
	err := p.call(ctx, "find_light", nil, func(ctx context.Context) error {
		var err error
		host, err = p.inner.FindLight(ctx, vmID)
		return err
	})
	return host, err
}

func (p *reconnectingProvider) FindHeavy(ctx context.Context, vmIDs []string) (map[string]*Host, error) {
	var hosts map[string]*Host
	err := p.call(ctx, "find_heavy", nil, func(ctx context.Context) error {
		var err error
		hosts, err = p.inner.FindHeavy(ctx, vmIDs)
		return err
	})
	return hosts, err
}

func (p *reconnectingProvider) Inventory(ctx context.Context, pool string) (map[string]struct{}, error) {
	var ids map[string]struct{}
	err := p.call(ctx, "inventory", nil, func(ctx context.Context) error {
		var err error
		ids, err = p.inner.Inventory(ctx, pool)
		return err
	})
	return ids, err
}

func (p *reconnectingProvider) Ping(ctx context.Context) error      { return p.inner.Ping(ctx) }
func (p *reconnectingProvider) Reconnect(ctx context.Context) error { return p.inner.Reconnect(ctx) }
func (p *reconnectingProvider) Close() error                        { return p.inner.Close() }

// AttachDisk forwards to the wrapped provider when it supports disks.
func (p *reconnectingProvider) AttachDisk(ctx context.Context, host *Host, sizeGB int, datastore string) error {
	da, ok := p.inner.(DiskAttacher)
	if !ok {
		return ErrUnsupported
	}
	return p.call(ctx, "attach_disk", nil, func(ctx context.Context) error {
		return da.AttachDisk(ctx, host, sizeGB, datastore)
	})
}

// CreateSnapshot forwards to the wrapped provider when it supports snapshots.
func (p *reconnectingProvider) CreateSnapshot(ctx context.Context, host *Host, name string) error {
	s, ok := p.inner.(Snapshotter)
	if !ok {
		return ErrUnsupported
	}
	return p.call(ctx, "create_snapshot", nil, func(ctx context.Context) error {
		return s.CreateSnapshot(ctx, host, name)
	})
}

// RevertSnapshot forwards to the wrapped provider when it supports snapshots.
func (p *reconnectingProvider) RevertSnapshot(ctx context.Context, host *Host, name string) error {
	s, ok := p.inner.(Snapshotter)
	if !ok {
		return ErrUnsupported
	}
	return p.call(ctx, "revert_snapshot", nil, func(ctx context.Context) error {
		return s.RevertSnapshot(ctx, host, name)
	})
}

type registrationTracker struct {
	CloneTracker
	registered atomic.Bool
}

func (t *registrationTracker) Registered(ctx context.Context, id string) error {
	t.registered.Store(true)
	return t.CloneTracker.Registered(ctx, id)
}
