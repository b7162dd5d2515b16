// Package dummy implements an in-memory provider that simulates clone latency,
// boot time and random failures. It backs local development and the engine
// tests.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/engine"
)

// Kind is the provider kind used in pool configuration.
const Kind = "dummy"

// BootingHostname is reported for a VM whose guest has not finished booting.
const BootingHostname = "localhost.localdomain"

// Config tunes the simulation.
type Config struct {
	// CloneDelay is how long Clone blocks after registering the VM.
	CloneDelay time.Duration

	// BootDelay is how long after the clone a VM keeps reporting BootingHostname.
	BootDelay time.Duration

	// FailRate is the probability in [0,1] that a clone fails.
	FailRate float64

	// Now overrides the clock.
	Now func() time.Time
}

// FromConfig converts the file configuration.
func FromConfig(c config.DummyConfig) Config {
	return Config{CloneDelay: c.CloneDelay, BootDelay: c.BootDelay, FailRate: c.FailRate}
}

type vm struct {
	pool      string
	created   time.Time
	poweredOn bool
	hostname  string
	disks     []string
	snapshots map[string]struct{}
}

// Provider is the simulated backend.
type Provider struct {
	cfg Config

	mu           sync.Mutex
	vms          map[string]*vm
	failNext     int
	inventoryErr error
	destroyErr   error
}

var (
	_ engine.Provider     = (*Provider)(nil)
	_ engine.DiskAttacher = (*Provider)(nil)
	_ engine.Snapshotter  = (*Provider)(nil)
)

// New returns an empty dummy provider.
func New(cfg Config) *Provider {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Provider{cfg: cfg, vms: make(map[string]*vm)}
}

// Name implements engine.Provider.
func (p *Provider) Name() string { return Kind }

// Clone implements engine.Provider.
func (p *Provider) Clone(ctx context.Context, req engine.CloneRequest, tracker engine.CloneTracker) error {
	p.mu.Lock()
	if _, exists := p.vms[req.Name]; exists {
		p.mu.Unlock()
		return engine.NewConflictError("clone", fmt.Errorf("vm %s already exists", req.Name))
	}
	p.vms[req.Name] = &vm{pool: req.Pool, created: p.cfg.Now(), poweredOn: true, snapshots: make(map[string]struct{})}
	fail := p.failNext > 0 || (p.cfg.FailRate > 0 && rand.Float64() < p.cfg.FailRate)
	if p.failNext > 0 {
		p.failNext--
	}
	p.mu.Unlock()

	if err := tracker.Registered(ctx, req.Name); err != nil {
		p.remove(req.Name)
		return err
	}

	if p.cfg.CloneDelay > 0 {
		timer := time.NewTimer(p.cfg.CloneDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			p.remove(req.Name)
			return ctx.Err()
		case <-timer.C:
		}
	}

	if fail {
		p.remove(req.Name)
		return engine.NewPermanentError("clone", errors.New("simulated clone failure")).
			WithCode(engine.ErrCodeProviderFailed)
	}

	return tracker.Annotate(ctx, req.Name, map[string]string{
		"hostname":   req.Name,
		"ip_address": "127.0.0.1",
	})
}

// Destroy implements engine.Provider.
func (p *Provider) Destroy(_ context.Context, vmID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyErr != nil {
		return p.destroyErr
	}
	delete(p.vms, vmID)
	return nil
}

// FindLight implements engine.Provider.
func (p *Provider) FindLight(_ context.Context, vmID string) (*engine.Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vms[vmID]
	if !ok {
		return nil, nil
	}
	return p.host(vmID, v), nil
}

// FindHeavy implements engine.Provider.
func (p *Provider) FindHeavy(_ context.Context, vmIDs []string) (map[string]*engine.Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make(map[string]*engine.Host, len(vmIDs))
	for _, id := range vmIDs {
		if v, ok := p.vms[id]; ok {
			hosts[id] = p.host(id, v)
		}
	}
	return hosts, nil
}

func (p *Provider) host(id string, v *vm) *engine.Host {
	now := p.cfg.Now()
	booted := v.created.Add(p.cfg.CloneDelay)

	h := &engine.Host{
		ID:         id,
		Hostname:   v.hostname,
		PoweredOn:  v.poweredOn,
		PowerState: "poweredOff",
		Address:    "127.0.0.1",
	}
	if v.poweredOn {
		h.PowerState = "poweredOn"
		h.BootTime = booted
	}
	if h.Hostname == "" {
		h.Hostname = id
		if now.Sub(v.created) < p.cfg.CloneDelay+p.cfg.BootDelay {
			h.Hostname = BootingHostname
		}
	}
	return h
}

// Inventory implements engine.Provider.
func (p *Provider) Inventory(_ context.Context, pool string) (map[string]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inventoryErr != nil {
		return nil, p.inventoryErr
	}
	ids := make(map[string]struct{})
	for id, v := range p.vms {
		if v.pool == pool {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// Ping implements engine.Provider.
func (p *Provider) Ping(context.Context) error { return nil }

// Reconnect implements engine.Provider.
func (p *Provider) Reconnect(context.Context) error { return nil }

// Close implements engine.Provider.
func (p *Provider) Close() error { return nil }

// AttachDisk implements engine.DiskAttacher.
func (p *Provider) AttachDisk(_ context.Context, host *engine.Host, sizeGB int, datastore string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vms[host.ID]
	if !ok {
		return engine.NewPermanentError("attach_disk", fmt.Errorf("vm %s not found", host.ID)).
			WithCode(engine.ErrCodeNotFound)
	}
	v.disks = append(v.disks, fmt.Sprintf("%s:%dgb", datastore, sizeGB))
	return nil
}

// CreateSnapshot implements engine.Snapshotter.
func (p *Provider) CreateSnapshot(_ context.Context, host *engine.Host, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vms[host.ID]
	if !ok {
		return engine.NewPermanentError("create_snapshot", fmt.Errorf("vm %s not found", host.ID)).
			WithCode(engine.ErrCodeNotFound)
	}
	v.snapshots[name] = struct{}{}
	return nil
}

// RevertSnapshot implements engine.Snapshotter.
func (p *Provider) RevertSnapshot(_ context.Context, host *engine.Host, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vms[host.ID]
	if !ok {
		return engine.NewPermanentError("revert_snapshot", fmt.Errorf("vm %s not found", host.ID)).
			WithCode(engine.ErrCodeNotFound)
	}
	if _, ok := v.snapshots[name]; !ok {
		return engine.NewPermanentError("revert_snapshot", fmt.Errorf("snapshot %s not found on %s", name, host.ID)).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

func (p *Provider) remove(id string) {
	p.mu.Lock()
	delete(p.vms, id)
	p.mu.Unlock()
}

// Add places a VM in the provider that the engine did not create.
func (p *Provider) Add(pool, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vms[id] = &vm{pool: pool, created: p.cfg.Now(), poweredOn: true, snapshots: make(map[string]struct{})}
}

// Remove deletes a VM behind the engine's back.
func (p *Provider) Remove(id string) { p.remove(id) }

// PowerOff powers a VM off.
func (p *Provider) PowerOff(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vms[id]; ok {
		v.poweredOn = false
	}
}

// SetHostname overrides the hostname the guest reports.
func (p *Provider) SetHostname(id, hostname string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vms[id]; ok {
		v.hostname = hostname
	}
}

// Has reports whether the VM exists.
func (p *Provider) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.vms[id]
	return ok
}

// IDs returns the ids of every VM in pool, sorted.
func (p *Provider) IDs(pool string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, v := range p.vms {
		if v.pool == pool {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Disks returns the disks attached to a VM.
func (p *Provider) Disks(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vms[id]; ok {
		return append([]string(nil), v.disks...)
	}
	return nil
}

// FailNextClones makes the next n clones fail after registration.
func (p *Provider) FailNextClones(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// SetInventoryError makes Inventory fail with err until it is cleared with nil.
func (p *Provider) SetInventoryError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inventoryErr = err
}

// SetDestroyError makes Destroy fail with err until it is cleared with nil.
func (p *Provider) SetDestroyError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyErr = err
}
