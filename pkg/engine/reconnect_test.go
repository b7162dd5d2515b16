package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider fails its calls with the queued errors, in order.
type stubProvider struct {
	mu         sync.Mutex
	errs       []error
	calls      int
	reconnects int
	pingErr    error
	closed     bool

	// registerFirst makes Clone report a VM before failing.
	registerFirst bool
}

func (s *stubProvider) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Clone(ctx context.Context, req CloneRequest, tracker CloneTracker) error {
	if s.registerFirst {
		if err := tracker.Registered(ctx, req.Name); err != nil {
			return err
		}
	}
	return s.next()
}

func (s *stubProvider) Destroy(context.Context, string, string) error { return s.next() }

func (s *stubProvider) FindLight(_ context.Context, id string) (*Host, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return &Host{ID: id}, nil
}

func (s *stubProvider) FindHeavy(_ context.Context, ids []string) (map[string]*Host, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return map[string]*Host{}, nil
}

func (s *stubProvider) Inventory(context.Context, string) (map[string]struct{}, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return map[string]struct{}{"vm1": {}}, nil
}

func (s *stubProvider) Ping(context.Context) error { return s.pingErr }

func (s *stubProvider) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return nil
}

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

type nopTracker struct{}

func (nopTracker) Registered(context.Context, string) error                  { return nil }
func (nopTracker) Annotate(context.Context, string, map[string]string) error { return nil }

func TestReconnectRetriesTransientOnce(t *testing.T) {
	stub := &stubProvider{errs: []error{NewTransientError("inventory", errors.New("broken pipe"))}}
	p := WithReconnect(stub, nil)

	ids, err := p.Inventory(context.Background(), "pool1")
	require.NoError(t, err)
	assert.Contains(t, ids, "vm1")
	assert.Equal(t, 2, stub.calls)
	assert.Equal(t, 1, stub.reconnects)
}

func TestReconnectGivesUpAfterOneRetry(t *testing.T) {
	stub := &stubProvider{errs: []error{errors.New("eof"), errors.New("eof again")}, pingErr: errors.New("down")}
	p := WithReconnect(stub, nil)

	err := p.Destroy(context.Background(), "vm1", "pool1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, stub.calls)
	assert.Equal(t, 1, stub.reconnects)
}

func TestReconnectSkipsPermanentErrors(t *testing.T) {
	stub := &stubProvider{errs: []error{NewPermanentError("destroy", errors.New("no such vm"))}}
	p := WithReconnect(stub, nil)

	err := p.Destroy(context.Background(), "vm1", "pool1")
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, stub.calls)
	assert.Zero(t, stub.reconnects)
}

func TestReconnectSkipsWhenSessionHealthy(t *testing.T) {
	stub := &stubProvider{errs: []error{errors.New("vm is locked")}}
	p := WithReconnect(stub, nil)

	_, err := p.FindLight(context.Background(), "vm1")
	require.Error(t, err)
	assert.Equal(t, 1, stub.calls)
	assert.Zero(t, stub.reconnects)
}

func TestReconnectCloneOnlyRetriedBeforeRegistration(t *testing.T) {
	transient := func() error { return NewTransientError("clone", errors.New("reset")) }

	stub := &stubProvider{errs: []error{transient()}}
	p := WithReconnect(stub, nil)
	require.NoError(t, p.Clone(context.Background(), CloneRequest{Pool: "pool1", Name: "vm1"}, nopTracker{}))
	assert.Equal(t, 2, stub.calls)

	stub = &stubProvider{errs: []error{transient()}, registerFirst: true}
	p = WithReconnect(stub, nil)
	err := p.Clone(context.Background(), CloneRequest{Pool: "pool1", Name: "vm1"}, nopTracker{})
	require.Error(t, err)
	assert.Equal(t, 1, stub.calls, "a registered clone must not be retried")
	assert.Zero(t, stub.reconnects)
}

func TestReconnectCapabilities(t *testing.T) {
	p := WithReconnect(&stubProvider{}, nil)

	da, ok := p.(DiskAttacher)
	require.True(t, ok)
	assert.ErrorIs(t, da.AttachDisk(context.Background(), &Host{ID: "vm1"}, 10, "ds1"), ErrUnsupported)

	sn, ok := p.(Snapshotter)
	require.True(t, ok)
	assert.ErrorIs(t, sn.CreateSnapshot(context.Background(), &Host{ID: "vm1"}, "s"), ErrUnsupported)
	assert.ErrorIs(t, sn.RevertSnapshot(context.Background(), &Host{ID: "vm1"}, "s"), ErrUnsupported)
}
