package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry(nil)
	stub := &stubProvider{}
	built := 0
	require.NoError(t, reg.Register("stub", func(context.Context) (Provider, error) {
		built++
		return stub, nil
	}))
	require.NoError(t, reg.Register("broken", func(context.Context) (Provider, error) {
		return nil, errors.New("no credentials")
	}))
	assert.Error(t, reg.Register("stub", nil))
	assert.Equal(t, []string{"broken", "stub"}, reg.Kinds())

	p1, err := reg.Resolve(context.Background(), "stub")
	require.NoError(t, err)
	p2, err := reg.Resolve(context.Background(), "stub")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, built)
	assert.Equal(t, "stub", p1.Name())

	_, err = reg.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = reg.Resolve(context.Background(), "broken")
	assert.Error(t, err)

	require.NoError(t, reg.Close())
	assert.True(t, stub.closed)
}
