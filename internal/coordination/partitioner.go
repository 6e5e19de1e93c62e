// Package coordination provides the control plane's two process-wide
// singletons (spec.md §5, §9): the auth-token cache (token.go) and the
// coordination-service set partitioner the scheduler (C8) needs to
// divide its bucket space across live instances. Both are constructed
// explicitly and passed in as context handles, never reached for as
// package-level globals.
package coordination

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// PartitionState mirrors the states a scheduler instance can be in with
// respect to its partitioner (spec.md §4.7).
type PartitionState int

const (
	// Allocating means the bucket set has not yet been assigned; a tick
	// in this state is a no-op.
	Allocating PartitionState = iota
	// Acquired means a bucket set is assigned and a tick should process it.
	Acquired
	// ReleaseRequested means membership changed since the last
	// assignment; the owner must finish in-flight work, release, and
	// fall back to Allocating.
	ReleaseRequested
	// Failed means the coordination session was lost; the partitioner
	// must be restarted.
	Failed
)

func (s PartitionState) String() string {
	switch s {
	case Allocating:
		return "allocating"
	case Acquired:
		return "acquired"
	case ReleaseRequested:
		return "release_requested"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Partitioner is the narrow set-partitioner contract the scheduler (C8)
// depends on. A real coordination service (ZooKeeper-class, per spec.md
// §4.7) would expose this as acquired/release/lost callbacks; this
// interface collapses that into a poll-based Tick the scheduler's own
// ticker loop drives, matching the teacher's ticker-driven lifecycle
// (internal/app/services/automation/scheduler.go) rather than introducing
// a second callback-driven concurrency model.
type Partitioner interface {
	// Tick refreshes this instance's membership and returns its current
	// state and, when Acquired, the buckets it owns.
	Tick(ctx context.Context) (PartitionState, []int, error)
	// ConfirmRelease must be called once a ReleaseRequested tick's
	// in-flight work has drained, returning the partitioner to Allocating.
	ConfirmRelease(ctx context.Context)
}

// SinglePartitioner is the degenerate single-instance partitioner: it
// always owns every bucket and never transitions to ReleaseRequested.
// Used for local runs and tests that don't need multi-instance
// coordination.
type SinglePartitioner struct {
	bucketCount int
	acquired    bool
}

// NewSinglePartitioner constructs a Partitioner that owns all buckets.
func NewSinglePartitioner(bucketCount int) *SinglePartitioner {
	return &SinglePartitioner{bucketCount: bucketCount}
}

func (p *SinglePartitioner) Tick(ctx context.Context) (PartitionState, []int, error) {
	p.acquired = true
	buckets := make([]int, p.bucketCount)
	for i := range buckets {
		buckets[i] = i
	}
	return Acquired, buckets, nil
}

func (p *SinglePartitioner) ConfirmRelease(ctx context.Context) {}

// RedisPartitioner implements Partitioner over a Redis sorted set of live
// member heartbeats (wisbric-nightowl/internal/platform/redis.go and this
// repo's own go-redis use for the token cache corroborate Redis as the
// ecosystem-idiomatic coordination backend). Buckets are divided by a
// simple modulo over the sorted, live member list: bucket b belongs to
// the member at index b%len(members) among lexically sorted member IDs.
// This is intentionally the same style of stable hash distribution as
// schedule.BucketFor rather than a second hashing scheme.
type RedisPartitioner struct {
	client      *redis.Client
	memberID    string
	bucketCount int
	heartbeat   time.Duration
	staleAfter  time.Duration
	key         string

	lastMembers []string
	state       PartitionState
}

// NewRedisPartitioner constructs a RedisPartitioner. heartbeat is how
// often the caller is expected to call Tick; staleAfter (recommended
// 3x heartbeat) is how long a silent member is considered gone.
func NewRedisPartitioner(client *redis.Client, memberID string, bucketCount int, heartbeat, staleAfter time.Duration) *RedisPartitioner {
	if staleAfter <= 0 {
		staleAfter = 3 * heartbeat
	}
	return &RedisPartitioner{
		client:      client,
		memberID:    memberID,
		bucketCount: bucketCount,
		heartbeat:   heartbeat,
		staleAfter:  staleAfter,
		key:         "autoscale:scheduler:members",
		state:       Allocating,
	}
}

// Tick refreshes this instance's heartbeat, evicts stale peers, and
// recomputes bucket ownership. A Redis error transitions to Failed; the
// caller should call Tick again later to retry joining.
func (p *RedisPartitioner) Tick(ctx context.Context) (PartitionState, []int, error) {
	now := time.Now()

	if err := p.client.ZAdd(ctx, p.key, &redis.Z{Score: float64(now.UnixNano()), Member: p.memberID}).Err(); err != nil {
		p.state = Failed
		return Failed, nil, fmt.Errorf("coordination: heartbeat failed: %w", err)
	}

	staleBefore := float64(now.Add(-p.staleAfter).UnixNano())
	if err := p.client.ZRemRangeByScore(ctx, p.key, "-inf", fmt.Sprintf("%f", staleBefore)).Err(); err != nil {
		p.state = Failed
		return Failed, nil, fmt.Errorf("coordination: evict stale members failed: %w", err)
	}

	members, err := p.client.ZRange(ctx, p.key, 0, -1).Result()
	if err != nil {
		p.state = Failed
		return Failed, nil, fmt.Errorf("coordination: list members failed: %w", err)
	}
	sort.Strings(members)

	if p.state == ReleaseRequested {
		return ReleaseRequested, nil, nil
	}

	if p.state == Acquired && !sameMembers(members, p.lastMembers) {
		p.state = ReleaseRequested
		return ReleaseRequested, nil, nil
	}

	p.lastMembers = members
	idx := indexOf(members, p.memberID)
	if idx < 0 {
		// Heartbeat landed but a concurrent eviction raced us out; treat
		// as not yet allocated rather than owning zero buckets forever.
		p.state = Allocating
		return Allocating, nil, nil
	}

	buckets := bucketsFor(idx, len(members), p.bucketCount)
	p.state = Acquired
	return Acquired, buckets, nil
}

// ConfirmRelease drops this instance's cached membership snapshot,
// returning it to Allocating so the next Tick recomputes a fresh
// assignment from scratch.
func (p *RedisPartitioner) ConfirmRelease(ctx context.Context) {
	p.state = Allocating
	p.lastMembers = nil
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexOf(members []string, id string) int {
	for i, m := range members {
		if m == id {
			return i
		}
	}
	return -1
}

func bucketsFor(memberIdx, memberCount, bucketCount int) []int {
	if memberCount <= 0 {
		return nil
	}
	var owned []int
	for b := 0; b < bucketCount; b++ {
		if b%memberCount == memberIdx {
			owned = append(owned, b)
		}
	}
	return owned
}
