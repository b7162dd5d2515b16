package engine

import (
	"math"
	"strconv"
	"time"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/stores"
)

// Action is what a lifecycle evaluation asks the worker to do.
type Action int

const (
	// ActionNone leaves the VM where it is.
	ActionNone Action = iota

	// ActionMove atomically moves the VM From -> To.
	ActionMove

	// ActionRemove drops the VM from From without adding it anywhere.
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionMove:
		return "move"
	case ActionRemove:
		return "remove"
	default:
		return "none"
	}
}

// Transition is the outcome of evaluating one VM.
type Transition struct {
	Action Action
	From   stores.Queue
	To     stores.Queue
	Reason string
}

func stay(from stores.Queue) Transition {
	return Transition{Action: ActionNone, From: from}
}

func moveTo(from, to stores.Queue, reason string) Transition {
	return Transition{Action: ActionMove, From: from, To: to, Reason: reason}
}

func removeFrom(from stores.Queue, reason string) Transition {
	return Transition{Action: ActionRemove, From: from, Reason: reason}
}

// PendingObservation is what a pending check learned about one VM.
type PendingObservation struct {
	VM string

	// Host is nil when the provider could not find the VM.
	Host *Host

	// Reachable reports whether the management port probe succeeded.
	Reachable bool

	// CloneTime is the VM record's clone stamp, zero if missing.
	CloneTime time.Time

	Timeout time.Duration
	Now     time.Time
}

// EvaluatePending decides whether a pending VM has booted, failed, or needs more time.
func EvaluatePending(obs PendingObservation) Transition {
	if obs.Host == nil {
		return moveTo(stores.QueuePending, stores.QueueCompleted, "not found by provider")
	}

	// A guest that reports some other hostname has not finished customisation.
	if obs.Reachable && hostnameMatches(obs.VM, obs.Host) {
		return moveTo(stores.QueuePending, stores.QueueReady, "boot complete")
	}

	if cloneTimedOut(obs.CloneTime, obs.Timeout, obs.Now) {
		return moveTo(stores.QueuePending, stores.QueueCompleted,
			"failed after "+formatMinutes(obs.Timeout))
	}
	return stay(stores.QueuePending)
}

// EvaluatePendingInvisible handles a pending VM the provider inventory does
// not list yet. Clones in flight look like this, so only the timeout applies.
func EvaluatePendingInvisible(cloneTime time.Time, timeout time.Duration, now time.Time) Transition {
	if cloneTimedOut(cloneTime, timeout, now) {
		return moveTo(stores.QueuePending, stores.QueueCompleted,
			"never appeared in inventory after "+formatMinutes(timeout))
	}
	return stay(stores.QueuePending)
}

func cloneTimedOut(cloneTime time.Time, timeout time.Duration, now time.Time) bool {
	if cloneTime.IsZero() {
		return false
	}
	return now.Sub(cloneTime) > timeout
}

// ReadyTTLObservation carries the timestamps for a ready ttl check.
type ReadyTTLObservation struct {
	// BootTime is the provider's boot time, zero when unknown.
	BootTime time.Time

	// CloneTime is used when the provider cannot report a boot time.
	CloneTime time.Time

	ReadyTTL time.Duration
	Now      time.Time
}

// EvaluateReadyTTL expires a ready VM that has been up longer than the pool's ready ttl.
func EvaluateReadyTTL(obs ReadyTTLObservation) Transition {
	if obs.ReadyTTL <= 0 {
		return stay(stores.QueueReady)
	}

	boot := obs.BootTime
	if boot.IsZero() {
		boot = obs.CloneTime
	}
	if boot.IsZero() {
		return stay(stores.QueueReady)
	}

	// Minutes up, truncated to one decimal place.
	up := math.Floor(obs.Now.Sub(boot).Minutes()*10) / 10
	if up > obs.ReadyTTL.Minutes() {
		return moveTo(stores.QueueReady, stores.QueueCompleted,
			"reached end of ready ttl after "+formatMinutes(obs.ReadyTTL))
	}
	return stay(stores.QueueReady)
}

// HealthCheckDue reports whether a ready VM's last health check is older than
// interval. A missing or unreadable stamp always makes a check due.
func HealthCheckDue(lastCheck string, interval time.Duration, now time.Time) bool {
	if lastCheck == "" {
		return true
	}
	t, err := stores.ParseTime(lastCheck)
	if err != nil {
		return true
	}
	return now.Sub(t) > interval
}

// ReadyHealthObservation is what a ready health check learned about one VM.
type ReadyHealthObservation struct {
	VM string

	// Host is nil when neither the light nor the heavy lookup found the VM.
	Host *Host

	Reachable bool
}

// EvaluateReadyHealth demotes a ready VM that is gone, off, renamed or unreachable.
func EvaluateReadyHealth(obs ReadyHealthObservation) Transition {
	if obs.Host == nil {
		return removeFrom(stores.QueueReady, "not found by provider")
	}
	if obs.Host.PowerState != "" && !obs.Host.PoweredOn {
		return moveTo(stores.QueueReady, stores.QueueCompleted, "appears to be powered off")
	}
	if !hostnameMatches(obs.VM, obs.Host) {
		return moveTo(stores.QueueReady, stores.QueueCompleted, "has mismatched hostname "+obs.Host.Hostname)
	}
	if !obs.Reachable {
		return moveTo(stores.QueueReady, stores.QueueCompleted, "is unreachable")
	}
	return stay(stores.QueueReady)
}

// RunningObservation carries the inputs for a running ttl check.
type RunningObservation struct {
	// CheckoutTime is the active__<pool> stamp, zero if the VM was never checked out.
	CheckoutTime time.Time

	// TTL is the resolved running ttl. Zero never expires.
	TTL time.Duration

	Now time.Time
}

// EvaluateRunning expires a running VM whose lease has run out.
func EvaluateRunning(obs RunningObservation) Transition {
	if obs.TTL <= 0 || obs.CheckoutTime.IsZero() {
		return stay(stores.QueueRunning)
	}
	if obs.Now.Sub(obs.CheckoutTime) >= obs.TTL {
		return moveTo(stores.QueueRunning, stores.QueueCompleted,
			"reached end of ttl after "+strconv.FormatFloat(obs.TTL.Hours(), 'f', -1, 64)+" hours")
	}
	return stay(stores.QueueRunning)
}

// ResolveRunningTTL picks the running ttl for a VM: its own lifetime field
// (hours) first, then the pool ttl, then the engine default.
func ResolveRunningTTL(lifetime string, pool config.Pool, eng config.EngineConfig) time.Duration {
	if lifetime != "" {
		if hours, err := strconv.Atoi(lifetime); err == nil && hours >= 0 {
			return time.Duration(hours) * time.Hour
		}
	}
	return pool.RunningTTL(eng)
}

// DiscoveredObservation carries the inputs for resolving a discovered VM.
type DiscoveredObservation struct {
	// ClaimedBy is the tracked queue that now holds the VM, empty if none.
	ClaimedBy stores.Queue

	// FirstSeen is when the VM was added to discovered, zero if unknown.
	FirstSeen time.Time

	Grace time.Duration
	Now   time.Time
}

// EvaluateDiscovered drops a discovered VM someone else claimed, and marks an
// unclaimed one for destruction once the grace period has passed.
func EvaluateDiscovered(obs DiscoveredObservation) Transition {
	if obs.ClaimedBy != "" {
		return removeFrom(stores.QueueDiscovered, "found in '"+string(obs.ClaimedBy)+"'")
	}
	if obs.Grace > 0 && (obs.FirstSeen.IsZero() || obs.Now.Sub(obs.FirstSeen) < obs.Grace) {
		return stay(stores.QueueDiscovered)
	}
	return moveTo(stores.QueueDiscovered, stores.QueueCompleted, "unclaimed")
}

func hostnameMatches(vm string, host *Host) bool {
	return host.Hostname == "" || host.Hostname == vm
}

func formatMinutes(d time.Duration) string {
	return strconv.FormatFloat(d.Minutes(), 'f', -1, 64) + " minutes"
}
