package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottercloud/autoscale-controlplane/internal/apperrors"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/schedule"
	"github.com/ottercloud/autoscale-controlplane/internal/app/policyeval"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store/memory"
	"github.com/ottercloud/autoscale-controlplane/internal/coordination"
)

// fakeFirer records every dispatched event and returns a per-policy
// canned error, if configured.
type fakeFirer struct {
	mu    sync.Mutex
	fired []string
	errs  map[string]error
}

func newFakeFirer() *fakeFirer { return &fakeFirer{errs: make(map[string]error)} }

func (f *fakeFirer) Fire(ctx context.Context, tenantID, groupID, policyID string) (policyeval.FireResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, policyID)
	if err, ok := f.errs[policyID]; ok {
		return policyeval.FireResult{}, err
	}
	return policyeval.FireResult{}, nil
}

// fakePartitioner lets a test script an exact sequence of Tick results,
// to drive scenarios that depend on mid-tick state transitions.
type fakePartitioner struct {
	ticks         []tickResult
	idx           int
	confirmCalled int
}

type tickResult struct {
	state   coordination.PartitionState
	buckets []int
}

func (p *fakePartitioner) Tick(ctx context.Context) (coordination.PartitionState, []int, error) {
	if p.idx >= len(p.ticks) {
		return coordination.Allocating, nil, nil
	}
	r := p.ticks[p.idx]
	p.idx++
	return r.state, r.buckets, nil
}

func (p *fakePartitioner) ConfirmRelease(ctx context.Context) { p.confirmCalled++ }

const bucketCount = 8

func seedRecurringEvent(t *testing.T, st *memory.Store, policyID string, trigger time.Time, cron string) {
	t.Helper()
	bucket := schedule.BucketFor(policyID, bucketCount)
	ev, err := schedule.NewEvent("t1", "g1", policyID, trigger, cron, bucket, bucketCount)
	require.NoError(t, err)
	st.SeedEvent(ev)
}

func TestScheduler_CronRescheduleScenario(t *testing.T) {
	st := memory.New()
	trigger := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seedRecurringEvent(t, st, "policy-1", trigger, "*/5 * * * *")

	firer := newFakeFirer()
	sched := New(st, coordination.NewSinglePartitioner(bucketCount), firer, bucketCount, nil)
	now := trigger.Add(time.Second)
	sched.now = func() time.Time { return now }

	sched.Tick(context.Background())

	require.Equal(t, []string{"policy-1"}, firer.fired)

	bucket := schedule.BucketFor("policy-1", bucketCount)
	due, err := st.FetchAndDeleteEvents(context.Background(), bucket, now.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "store must contain exactly one event for this policy afterward")
	assert.Equal(t, time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC), due[0].TriggerTime)
	assert.Equal(t, "*/5 * * * *", due[0].Cron)
}

func TestScheduler_OneShotEventIsNotRescheduled(t *testing.T) {
	st := memory.New()
	trigger := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seedRecurringEvent(t, st, "policy-1", trigger, "")

	firer := newFakeFirer()
	sched := New(st, coordination.NewSinglePartitioner(bucketCount), firer, bucketCount, nil)
	sched.now = func() time.Time { return trigger.Add(time.Second) }

	sched.Tick(context.Background())

	require.Equal(t, []string{"policy-1"}, firer.fired)
	bucket := schedule.BucketFor("policy-1", bucketCount)
	due, err := st.FetchAndDeleteEvents(context.Background(), bucket, trigger.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestScheduler_DeletedPolicyIsTombstonedWithinBatch(t *testing.T) {
	st := memory.New()
	trigger := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seedRecurringEvent(t, st, "ghost-policy", trigger, "*/5 * * * *")
	seedRecurringEvent(t, st, "ghost-policy", trigger.Add(time.Millisecond), "*/5 * * * *")

	firer := newFakeFirer()
	firer.errs["ghost-policy"] = apperrors.NoSuchPolicy("ghost-policy")
	sched := New(st, coordination.NewSinglePartitioner(bucketCount), firer, bucketCount, nil)
	sched.now = func() time.Time { return trigger.Add(time.Second) }

	sched.Tick(context.Background())

	bucket := schedule.BucketFor("ghost-policy", bucketCount)
	due, err := st.FetchAndDeleteEvents(context.Background(), bucket, trigger.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "tombstoned policy must not be rescheduled")
}

func TestScheduler_PartitionReleaseMidTickStopsFurtherBuckets(t *testing.T) {
	st := memory.New()
	trigger := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seedRecurringEvent(t, st, "policy-in-bucket-a", trigger, "")
	seedRecurringEvent(t, st, "policy-in-bucket-b", trigger, "")

	bucketA := schedule.BucketFor("policy-in-bucket-a", bucketCount)
	bucketB := schedule.BucketFor("policy-in-bucket-b", bucketCount)
	require.NotEqual(t, bucketA, bucketB, "test fixture needs two distinct buckets")

	firer := newFakeFirer()
	part := &fakePartitioner{ticks: []tickResult{
		{state: coordination.Acquired, buckets: []int{int(bucketA), int(bucketB)}},
		{state: coordination.ReleaseRequested, buckets: nil},
	}}
	sched := New(st, part, firer, bucketCount, nil)
	sched.now = func() time.Time { return trigger.Add(time.Second) }

	sched.Tick(context.Background())

	assert.Equal(t, []string{"policy-in-bucket-a"}, firer.fired, "bucket b must not be scanned once release is requested")
	assert.Equal(t, 1, part.confirmCalled)

	due, err := st.FetchAndDeleteEvents(context.Background(), bucketB, trigger.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1, "unscanned bucket's event must remain, not be lost")
}

func TestScheduler_AllocatingTickIsNoop(t *testing.T) {
	st := memory.New()
	firer := newFakeFirer()
	part := &fakePartitioner{ticks: []tickResult{{state: coordination.Allocating}}}
	sched := New(st, part, firer, bucketCount, nil)

	sched.Tick(context.Background())
	assert.Empty(t, firer.fired)
}

func TestScheduler_StartStopIsIdempotentAndDrains(t *testing.T) {
	st := memory.New()
	firer := newFakeFirer()
	sched := New(st, coordination.NewSinglePartitioner(bucketCount), firer, bucketCount, nil)
	sched.Interval = 10 * time.Millisecond

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Start(ctx)) // idempotent

	time.Sleep(25 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(stopCtx))
	require.NoError(t, sched.Stop(stopCtx)) // idempotent
}
