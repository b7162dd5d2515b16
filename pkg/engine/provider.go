package engine

import (
	"context"
	"time"
)

// Provider is the capability contract every VM backend implements. The engine
// never calls a backend directly; it goes through the reconnect decorator
// returned by Registry.Resolve.
type Provider interface {
	// Name returns the provider kind, e.g. "libvirt".
	Name() string

	// Clone creates a VM named req.Name for req.Pool. The provider must call
	// tracker.Registered as soon as a provider-side resource exists, so a
	// failure after that point still leaves a record the engine can clean up.
	Clone(ctx context.Context, req CloneRequest, tracker CloneTracker) error

	// Destroy removes a VM. It is best effort and idempotent: a VM that is
	// already gone is success.
	Destroy(ctx context.Context, vmID, pool string) error

	// FindLight looks a VM up cheaply. It returns nil, nil when the VM is absent.
	FindLight(ctx context.Context, vmID string) (*Host, error)

	// FindHeavy scans exhaustively for the given VMs. Missing VMs are omitted
	// from the result.
	FindHeavy(ctx context.Context, vmIDs []string) (map[string]*Host, error)

	// Inventory returns the ids of every VM the provider attributes to pool.
	Inventory(ctx context.Context, pool string) (map[string]struct{}, error)

	// Ping reports whether the provider session is healthy.
	Ping(ctx context.Context) error

	// Reconnect re-establishes the provider session.
	Reconnect(ctx context.Context) error

	// Close releases the provider session.
	Close() error
}

// CloneRequest describes a VM to create.
type CloneRequest struct {
	// Pool is the pool the VM belongs to. Its template, datastore and
	// placement settings come from configuration.
	Pool string

	// Name is the engine-chosen VM id.
	Name string
}

// CloneTracker receives progress callbacks from Provider.Clone.
type CloneTracker interface {
	// Registered records that the provider resource for id now exists.
	Registered(ctx context.Context, id string) error

	// Annotate stores extra fields, such as hostname or ip_address, on the VM record.
	Annotate(ctx context.Context, id string, fields map[string]string) error
}

// Host is a provider's view of a VM.
type Host struct {
	ID string

	// Hostname is what the guest reports. It may be empty until tools start.
	Hostname string

	PowerState string
	PoweredOn  bool

	// BootTime is the guest boot time, zero when the provider cannot tell.
	BootTime time.Time

	Address string
}

// DiskAttacher is implemented by providers that can add disks to a VM.
type DiskAttacher interface {
	AttachDisk(ctx context.Context, host *Host, sizeGB int, datastore string) error
}

// Snapshotter is implemented by providers that support VM snapshots.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, host *Host, name string) error
	RevertSnapshot(ctx context.Context, host *Host, name string) error
}
