package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
store:
  backend: sqlite
  namespace: wp
  sqlite:
    path: /tmp/warmpool.db
engine:
  task_limit: 4
  prefix: ci-
pools:
  - name: debian-12
    alias: [debian, deb]
    provider: libvirt
    template: debian-12-template
    datastore: default
    size: 3
    ready_ttl: 30
    ttl: 0
  - name: alma-9
    alias: alma
    provider: dummy
    size: 1
    timeout: 5
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "wp", cfg.Store.Namespace)
	assert.Equal(t, 168, cfg.Store.DataTTL)
	assert.Equal(t, 4, cfg.Engine.TaskLimit)
	assert.Equal(t, 15, cfg.Engine.CheckInterval)
	assert.Equal(t, 24, cfg.Engine.Lifetime)
	assert.Equal(t, "ci-", cfg.Engine.Prefix)
	assert.Equal(t, 22, cfg.Engine.Probe.Port)
	assert.Equal(t, 5*time.Second, cfg.Engine.Probe.Timeout)
	require.Len(t, cfg.Pools, 2)
}

func TestPoolDurations(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	deb, ok := cfg.Pool("debian-12")
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, deb.CloneTimeout(cfg.Engine))
	assert.Equal(t, time.Duration(0), deb.RunningTTL(cfg.Engine), "explicit ttl 0 disables expiry")
	assert.Equal(t, 30*time.Minute, deb.ReadyLifetime())

	alma, ok := cfg.Pool("alma-9")
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, alma.CloneTimeout(cfg.Engine))
	assert.Equal(t, 24*time.Hour, alma.RunningTTL(cfg.Engine), "unset ttl falls back to vm_lifetime")
}

func TestResolvePoolAliases(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	tests := []struct {
		name string
		want string
	}{
		{"debian-12", "debian-12"},
		{"debian", "debian-12"},
		{"deb", "debian-12"},
		{"alma", "alma-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := cfg.ResolvePool(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, p.Name)
		})
	}

	_, ok := cfg.ResolvePool("missing")
	assert.False(t, ok)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "duplicate pool",
			yaml: "pools:\n  - {name: a, provider: dummy}\n  - {name: a, provider: dummy}\n",
		},
		{
			name: "alias collides with pool",
			yaml: "pools:\n  - {name: a, provider: dummy}\n  - {name: b, provider: dummy, alias: a}\n",
		},
		{
			name: "unknown provider",
			yaml: "pools:\n  - {name: a, provider: vsphere}\n",
		},
		{
			name: "negative size",
			yaml: "pools:\n  - {name: a, provider: dummy, size: -1}\n",
		},
		{
			name: "zero task limit",
			yaml: "engine:\n  task_limit: 0\n",
		},
		{
			name: "ssh probe without key",
			yaml: "engine:\n  probe:\n    kind: ssh\n    user: root\n",
		},
		{
			name: "unknown field",
			yaml: "engine:\n  tasklimit: 3\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "vmpooler", cfg.Store.Namespace)
	assert.Empty(t, cfg.Pools)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warmpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, zerolog.Nop(), func(c *Config) { changes <- c }))

	updated := sampleConfig + "  - name: extra\n    provider: dummy\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-changes:
		assert.Len(t, cfg.Pools, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not delivered")
	}
}
