package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAscending(t *testing.T) {
	pool := NewPool(4000, 4002)

	for _, want := range []int{4000, 4001, 4002} {
		port, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, port)
	}

	_, err := pool.Allocate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestReleaseReusesLowestFree(t *testing.T) {
	pool := NewPool(4000, 4002)

	for i := 0; i < 3; i++ {
		_, err := pool.Allocate()
		require.NoError(t, err)
	}

	pool.Release(4001)
	assert.False(t, pool.IsUsed(4001))

	port, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 4001, port)
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool := NewPool(4000, 4001)

	port, err := pool.Allocate()
	require.NoError(t, err)

	pool.Release(port)
	pool.Release(port)

	assert.Equal(t, 0, pool.UsedCount())
	assert.Equal(t, 2, pool.FreeCount())
}

func TestReserve(t *testing.T) {
	pool := NewPool(4000, 4002)

	pool.Reserve(4001)
	assert.True(t, pool.IsUsed(4001))

	// out of range is a no-op
	pool.Reserve(9999)
	assert.False(t, pool.IsUsed(9999))
	assert.Equal(t, 1, pool.UsedCount())

	port, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 4000, port)

	port, err = pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 4002, port)
}
