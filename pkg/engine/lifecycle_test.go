package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/stores"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluatePending(t *testing.T) {
	booted := &Host{ID: "vm1", Hostname: "vm1", PoweredOn: true}

	tests := []struct {
		name   string
		obs    PendingObservation
		action Action
		to     stores.Queue
	}{
		{
			name:   "not found",
			obs:    PendingObservation{VM: "vm1", CloneTime: t0, Timeout: 15 * time.Minute, Now: t0},
			action: ActionMove,
			to:     stores.QueueCompleted,
		},
		{
			name:   "reachable and named",
			obs:    PendingObservation{VM: "vm1", Host: booted, Reachable: true, CloneTime: t0, Timeout: 15 * time.Minute, Now: t0.Add(time.Minute)},
			action: ActionMove,
			to:     stores.QueueReady,
		},
		{
			name:   "reachable without hostname",
			obs:    PendingObservation{VM: "vm1", Host: &Host{ID: "vm1"}, Reachable: true, CloneTime: t0, Timeout: 15 * time.Minute, Now: t0},
			action: ActionMove,
			to:     stores.QueueReady,
		},
		{
			name:   "reachable but still booting",
			obs:    PendingObservation{VM: "vm1", Host: &Host{ID: "vm1", Hostname: "localhost.localdomain"}, Reachable: true, CloneTime: t0, Timeout: 15 * time.Minute, Now: t0.Add(time.Minute)},
			action: ActionNone,
		},
		{
			name:   "unreachable within timeout",
			obs:    PendingObservation{VM: "vm1", Host: booted, CloneTime: t0, Timeout: 15 * time.Minute, Now: t0.Add(10 * time.Minute)},
			action: ActionNone,
		},
		{
			name:   "unreachable past timeout",
			obs:    PendingObservation{VM: "vm1", Host: booted, CloneTime: t0, Timeout: 15 * time.Minute, Now: t0.Add(16 * time.Minute)},
			action: ActionMove,
			to:     stores.QueueCompleted,
		},
		{
			name:   "no clone stamp never times out",
			obs:    PendingObservation{VM: "vm1", Host: booted, Timeout: 15 * time.Minute, Now: t0.Add(time.Hour)},
			action: ActionNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluatePending(tt.obs)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, stores.QueuePending, got.From)
			if tt.action == ActionMove {
				assert.Equal(t, tt.to, got.To)
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestEvaluatePendingTimeoutReason(t *testing.T) {
	got := EvaluatePending(PendingObservation{
		VM: "vm1", Host: &Host{ID: "vm1"}, CloneTime: t0, Timeout: 15 * time.Minute, Now: t0.Add(20 * time.Minute),
	})
	assert.Equal(t, "failed after 15 minutes", got.Reason)
}

func TestEvaluatePendingInvisible(t *testing.T) {
	assert.Equal(t, ActionNone, EvaluatePendingInvisible(t0, 15*time.Minute, t0.Add(5*time.Minute)).Action)
	assert.Equal(t, ActionNone, EvaluatePendingInvisible(time.Time{}, 15*time.Minute, t0).Action)

	got := EvaluatePendingInvisible(t0, 15*time.Minute, t0.Add(16*time.Minute))
	assert.Equal(t, ActionMove, got.Action)
	assert.Equal(t, stores.QueueCompleted, got.To)
}

func TestEvaluateReadyTTL(t *testing.T) {
	tests := []struct {
		name string
		obs  ReadyTTLObservation
		want Action
	}{
		{"booted 11 minutes ago", ReadyTTLObservation{BootTime: t0, ReadyTTL: 10 * time.Minute, Now: t0.Add(11 * time.Minute)}, ActionMove},
		{"booted 9 minutes ago", ReadyTTLObservation{BootTime: t0, ReadyTTL: 10 * time.Minute, Now: t0.Add(9 * time.Minute)}, ActionNone},
		{"exactly at ttl", ReadyTTLObservation{BootTime: t0, ReadyTTL: 10 * time.Minute, Now: t0.Add(10 * time.Minute)}, ActionNone},
		{"truncated to a tenth", ReadyTTLObservation{BootTime: t0, ReadyTTL: 10 * time.Minute, Now: t0.Add(10*time.Minute + 5*time.Second)}, ActionNone},
		{"past a tenth", ReadyTTLObservation{BootTime: t0, ReadyTTL: 10 * time.Minute, Now: t0.Add(10*time.Minute + 12*time.Second)}, ActionMove},
		{"falls back to clone time", ReadyTTLObservation{CloneTime: t0, ReadyTTL: 10 * time.Minute, Now: t0.Add(11 * time.Minute)}, ActionMove},
		{"no timestamps", ReadyTTLObservation{ReadyTTL: 10 * time.Minute, Now: t0}, ActionNone},
		{"disabled", ReadyTTLObservation{BootTime: t0, Now: t0.Add(24 * time.Hour)}, ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateReadyTTL(tt.obs)
			assert.Equal(t, tt.want, got.Action)
			if tt.want == ActionMove {
				assert.Equal(t, stores.QueueReady, got.From)
				assert.Equal(t, stores.QueueCompleted, got.To)
			}
		})
	}
}

func TestHealthCheckDue(t *testing.T) {
	interval := 15 * time.Minute
	assert.True(t, HealthCheckDue("", interval, t0))
	assert.True(t, HealthCheckDue("garbage", interval, t0))
	assert.False(t, HealthCheckDue(stores.FormatTime(t0), interval, t0.Add(10*time.Minute)))
	assert.True(t, HealthCheckDue(stores.FormatTime(t0), interval, t0.Add(16*time.Minute)))
}

func TestEvaluateReadyHealth(t *testing.T) {
	tests := []struct {
		name   string
		obs    ReadyHealthObservation
		action Action
	}{
		{"missing", ReadyHealthObservation{VM: "vm1"}, ActionRemove},
		{"powered off", ReadyHealthObservation{VM: "vm1", Host: &Host{ID: "vm1", PowerState: "poweredOff"}, Reachable: true}, ActionMove},
		{"unknown power state", ReadyHealthObservation{VM: "vm1", Host: &Host{ID: "vm1"}, Reachable: true}, ActionNone},
		{"hostname mismatch", ReadyHealthObservation{VM: "vm1", Host: &Host{ID: "vm1", Hostname: "vm2", PowerState: "running", PoweredOn: true}, Reachable: true}, ActionMove},
		{"unreachable", ReadyHealthObservation{VM: "vm1", Host: &Host{ID: "vm1", Hostname: "vm1", PowerState: "running", PoweredOn: true}}, ActionMove},
		{"healthy", ReadyHealthObservation{VM: "vm1", Host: &Host{ID: "vm1", Hostname: "vm1", PowerState: "running", PoweredOn: true}, Reachable: true}, ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateReadyHealth(tt.obs)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, stores.QueueReady, got.From)
			if tt.action == ActionMove {
				assert.Equal(t, stores.QueueCompleted, got.To)
			}
		})
	}
}

func TestEvaluateRunning(t *testing.T) {
	tests := []struct {
		name string
		obs  RunningObservation
		want Action
	}{
		{"25h old with 24h ttl", RunningObservation{CheckoutTime: t0, TTL: 24 * time.Hour, Now: t0.Add(25 * time.Hour)}, ActionMove},
		{"exactly at ttl", RunningObservation{CheckoutTime: t0, TTL: 24 * time.Hour, Now: t0.Add(24 * time.Hour)}, ActionMove},
		{"within ttl", RunningObservation{CheckoutTime: t0, TTL: 24 * time.Hour, Now: t0.Add(23 * time.Hour)}, ActionNone},
		{"ttl zero never expires", RunningObservation{CheckoutTime: t0, Now: t0.Add(1000 * time.Hour)}, ActionNone},
		{"never checked out", RunningObservation{TTL: time.Hour, Now: t0}, ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateRunning(tt.obs).Action)
		})
	}

	got := EvaluateRunning(RunningObservation{CheckoutTime: t0, TTL: 24 * time.Hour, Now: t0.Add(25 * time.Hour)})
	assert.Equal(t, "reached end of ttl after 24 hours", got.Reason)
}

func TestResolveRunningTTL(t *testing.T) {
	eng := config.EngineConfig{Lifetime: 24}
	zero, twelve := 0, 12

	assert.Equal(t, 24*time.Hour, ResolveRunningTTL("", config.Pool{}, eng))
	assert.Equal(t, 12*time.Hour, ResolveRunningTTL("", config.Pool{TTL: &twelve}, eng))
	assert.Equal(t, time.Duration(0), ResolveRunningTTL("", config.Pool{TTL: &zero}, eng))
	assert.Equal(t, 2*time.Hour, ResolveRunningTTL("2", config.Pool{TTL: &twelve}, eng))
	assert.Equal(t, time.Duration(0), ResolveRunningTTL("0", config.Pool{}, eng))
	assert.Equal(t, 24*time.Hour, ResolveRunningTTL("soon", config.Pool{}, eng))
}

func TestEvaluateDiscovered(t *testing.T) {
	grace := 5 * time.Minute

	got := EvaluateDiscovered(DiscoveredObservation{ClaimedBy: stores.QueueReady, FirstSeen: t0, Grace: grace, Now: t0})
	assert.Equal(t, ActionRemove, got.Action)
	assert.Equal(t, "found in 'ready'", got.Reason)

	got = EvaluateDiscovered(DiscoveredObservation{FirstSeen: t0, Grace: grace, Now: t0.Add(time.Minute)})
	assert.Equal(t, ActionNone, got.Action)

	got = EvaluateDiscovered(DiscoveredObservation{FirstSeen: t0, Grace: grace, Now: t0.Add(6 * time.Minute)})
	assert.Equal(t, ActionMove, got.Action)
	assert.Equal(t, stores.QueueCompleted, got.To)

	got = EvaluateDiscovered(DiscoveredObservation{FirstSeen: t0, Now: t0})
	assert.Equal(t, ActionMove, got.Action, "zero grace retires immediately")
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "none", ActionNone.String())
	assert.Equal(t, "move", ActionMove.String())
	assert.Equal(t, "remove", ActionRemove.String())
}
