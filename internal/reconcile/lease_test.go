package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()
	now := testNow
	l := NewMemoryLease(time.Minute)
	l.now = func() time.Time { return now }

	token, ok, err := l.Acquire(ctx, patient1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = l.Acquire(ctx, patient1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l.Acquire(ctx, "Patient/2")
	assert.True(t, ok, "leases are per key")

	require.NoError(t, l.Release(ctx, patient1, "someone-else"))
	_, ok, _ = l.Acquire(ctx, patient1)
	assert.False(t, ok, "a foreign token does not release")

	require.NoError(t, l.Release(ctx, patient1, token))
	again, ok, _ := l.Acquire(ctx, patient1)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	taken, ok, _ := l.Acquire(ctx, patient1)
	require.True(t, ok, "an expired lease can be taken over")
	assert.NotEqual(t, again, taken)

	require.NoError(t, l.Release(ctx, patient1, again))
	_, ok, _ = l.Acquire(ctx, patient1)
	assert.False(t, ok, "the stale holder cannot release the new lease")
}

func TestMemoryLeaseDefaultTTL(t *testing.T) {
	assert.Equal(t, defaultLeaseTTL, NewMemoryLease(0).ttl)
}
