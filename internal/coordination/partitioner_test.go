package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestRedisPartitioner_SoleMemberOwnsAllBuckets(t *testing.T) {
	client := newTestRedis(t)
	p := NewRedisPartitioner(client, "instance-a", 8, time.Second, 3*time.Second)

	state, buckets, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Acquired, state)
	assert.Len(t, buckets, 8)
}

func TestRedisPartitioner_SplitsBucketsAcrossMembers(t *testing.T) {
	client := newTestRedis(t)
	a := NewRedisPartitioner(client, "instance-a", 8, time.Second, 3*time.Second)
	b := NewRedisPartitioner(client, "instance-b", 8, time.Second, 3*time.Second)

	_, _, err := a.Tick(context.Background())
	require.NoError(t, err)

	_, _, err = b.Tick(context.Background())
	require.NoError(t, err)

	// a observes the new member and must release before re-acquiring.
	state, buckets, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReleaseRequested, state)
	assert.Nil(t, buckets)

	a.ConfirmRelease(context.Background())

	stateA, bucketsA, err := a.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Acquired, stateA)

	stateB, bucketsB, err := b.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Acquired, stateB)

	assert.Len(t, bucketsA, 4)
	assert.Len(t, bucketsB, 4)

	seen := make(map[int]bool)
	for _, bucket := range append(append([]int{}, bucketsA...), bucketsB...) {
		assert.False(t, seen[bucket], "bucket %d assigned to both members", bucket)
		seen[bucket] = true
	}
}

func TestRedisPartitioner_EvictsStaleMembers(t *testing.T) {
	client := newTestRedis(t)
	a := NewRedisPartitioner(client, "instance-a", 4, time.Millisecond, 5*time.Millisecond)

	_, _, err := a.Tick(context.Background())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	state, buckets, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Acquired, state)
	assert.Len(t, buckets, 4, "stale self-entry must be refreshed, not evicted as a peer")
}

func TestSinglePartitioner_AlwaysOwnsEverything(t *testing.T) {
	p := NewSinglePartitioner(16)
	state, buckets, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Acquired, state)
	assert.Len(t, buckets, 16)
}
