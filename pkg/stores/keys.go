package stores

import (
	"fmt"
	"strings"
	"time"
)

// Queue names one of the five per-pool VM sets.
type Queue string

// Per-pool queues. A VM id is a member of at most one of them.
const (
	QueuePending    Queue = "pending"
	QueueReady      Queue = "ready"
	QueueRunning    Queue = "running"
	QueueCompleted  Queue = "completed"
	QueueDiscovered Queue = "discovered"
)

// Queues lists every per-pool queue.
var Queues = []Queue{QueuePending, QueueReady, QueueRunning, QueueCompleted, QueueDiscovered}

// TaskKind names a global task queue.
type TaskKind string

// Task queues drained by the task workers.
const (
	TaskDisk           TaskKind = "disk"
	TaskSnapshot       TaskKind = "snapshot"
	TaskSnapshotRevert TaskKind = "snapshot-revert"
)

// VM record hash fields.
const (
	FieldClone      = "clone"
	FieldCheck      = "check"
	FieldDestroy    = "destroy"
	FieldTemplate   = "template"
	FieldHostname   = "hostname"
	FieldIPAddress  = "ip_address"
	FieldCloneTime  = "clone_time"
	FieldDisk       = "disk"
	FieldLifetime   = "lifetime"
	FieldDiscovered = "discovered"
)

// SnapshotField returns the VM record field that stores a snapshot's creation time.
func SnapshotField(name string) string {
	return "snapshot:" + name
}

// Keys builds namespaced store keys.
type Keys struct {
	ns string
}

// NewKeys returns a key builder for the namespace. An empty namespace produces
// unprefixed keys.
func NewKeys(namespace string) Keys {
	return Keys{ns: namespace}
}

func (k Keys) key(parts ...string) string {
	if k.ns != "" {
		parts = append([]string{k.ns}, parts...)
	}
	return strings.Join(parts, "__")
}

// Queue returns the set key for a pool queue.
func (k Keys) Queue(q Queue, pool string) string { return k.key(string(q), pool) }

// VM returns the hash key for a VM record.
func (k Keys) VM(id string) string { return k.key("vm", id) }

// CloneHistory returns the per-day hash of clone durations.
func (k Keys) CloneHistory(day time.Time) string { return k.key("clone", day.Format(time.DateOnly)) }

// BootHistory returns the per-day hash of boot durations.
func (k Keys) BootHistory(day time.Time) string { return k.key("boot", day.Format(time.DateOnly)) }

// CloneTasks returns the global clone counter key.
func (k Keys) CloneTasks() string { return k.key("tasks", "clone") }

// Tasks returns the key for a global task queue.
func (k Keys) Tasks(kind TaskKind) string { return k.key("tasks", string(kind)) }

// Empty returns the key of a pool's empty flag.
func (k Keys) Empty(pool string) string { return k.key("empty", pool) }

// Active returns the hash of checkout times for a pool.
func (k Keys) Active(pool string) string { return k.key("active", pool) }

// HistoryField is the field used in the clone and boot history hashes.
func HistoryField(pool, vm string) string { return pool + ":" + vm }

// FormatSeconds renders a duration the way history hashes store it.
func FormatSeconds(d time.Duration) string { return fmt.Sprintf("%.2f", d.Seconds()) }

// legacyTimeLayout is how older control planes wrote timestamps.
const legacyTimeLayout = "2006-01-02 15:04:05 -0700"

// FormatTime renders a timestamp for a VM record or checkout hash.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime parses a stored timestamp in either the current or legacy layout.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(legacyTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	return t, nil
}
