package grpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ReusesConnection(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	t.Cleanup(func() { _ = pool.Close() })

	a, err := pool.GetConnection("passthrough:///ledger-a")
	require.NoError(t, err)
	b, err := pool.GetConnection("passthrough:///ledger-a")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = pool.GetConnection("passthrough:///ledger-b")
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Len())
}

func TestPool_ReplacesClosedConnection(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	t.Cleanup(func() { _ = pool.Close() })

	first, err := pool.GetConnection("passthrough:///ledger")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := pool.GetConnection("passthrough:///ledger")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestPool_Close(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	_, err := pool.GetConnection("passthrough:///ledger")
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Len())
}
