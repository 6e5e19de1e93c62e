// Package scheduler implements the partitioned scheduler (C8): a
// ticker-driven loop that, per owned bucket, fetches due policy-trigger
// events from the store, dispatches each to the policy evaluator (C7),
// and reschedules recurring events at their next cron occurrence.
//
// The lifecycle (Start/Stop over a cancellable background goroutine,
// drained with a WaitGroup on shutdown) mirrors the teacher's automation
// scheduler; the partitioning, batching, and tombstoning are this
// repository's own, built against internal/coordination.Partitioner.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ottercloud/autoscale-controlplane/internal/apperrors"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/schedule"
	"github.com/ottercloud/autoscale-controlplane/internal/app/policyeval"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store"
	"github.com/ottercloud/autoscale-controlplane/internal/coordination"
	"github.com/ottercloud/autoscale-controlplane/internal/metrics"
	"github.com/ottercloud/autoscale-controlplane/pkg/logger"
)

// PolicyFirer dispatches a due event to the policy evaluator (C7). The
// scheduler depends on this narrow interface, not *policyeval.Evaluator
// directly, so tests can substitute a fake.
type PolicyFirer interface {
	Fire(ctx context.Context, tenantID, groupID, policyID string) (policyeval.FireResult, error)
}

// Scheduler is the C8 partitioned scheduler.
type Scheduler struct {
	Store       store.Store
	Partitioner coordination.Partitioner
	Firer       PolicyFirer
	Log         *logger.Logger

	BucketCount int
	Interval    time.Duration
	BatchSize   int

	cronParser cron.Parser

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// now, when set, overrides time.Now (tests).
	now func() time.Time
}

// New constructs a Scheduler with the standard 5-field cron grammar and
// sane batch/interval defaults.
func New(st store.Store, partitioner coordination.Partitioner, firer PolicyFirer, bucketCount int, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		Store:       st,
		Partitioner: partitioner,
		Firer:       firer,
		Log:         log,
		BucketCount: bucketCount,
		Interval:    5 * time.Second,
		BatchSize:   50,
		cronParser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func (s *Scheduler) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Start begins the background ticker loop. Idempotent: a second Start
// while already running is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx)
			}
		}
	}()

	s.Log.Info("scheduler started")
	return nil
}

// Stop halts the ticker loop and waits for the in-flight tick, if any, to
// finish draining its current bucket.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.Log.Info("scheduler stopped")
	return nil
}

// Tick runs one scheduling pass: it refreshes partition ownership and, if
// Acquired, processes each owned bucket in turn, exported so tests can
// drive a pass without waiting for the ticker. The pass runs under a
// context that expires after Interval/2: once it expires no further
// bucket is started, and calls still in flight see it cancelled.
func (s *Scheduler) Tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.Interval/2)
	defer cancel()

	state, buckets, err := s.Partitioner.Tick(tickCtx)
	if err != nil {
		s.Log.WithError(err).Warn("scheduler partitioner tick failed")
		metrics.SchedulerTicks.WithLabelValues("failed").Inc()
		return
	}

	switch state {
	case coordination.Allocating:
		metrics.SchedulerTicks.WithLabelValues("allocating").Inc()
		return
	case coordination.Failed:
		metrics.SchedulerTicks.WithLabelValues("failed").Inc()
		return
	case coordination.ReleaseRequested:
		s.Partitioner.ConfirmRelease(tickCtx)
		metrics.SchedulerTicks.WithLabelValues("release_requested").Inc()
		return
	}

	metrics.SchedulerTicks.WithLabelValues("acquired").Inc()

	for i, b := range buckets {
		if tickCtx.Err() != nil {
			return
		}
		if i > 0 {
			// Re-check membership between buckets so a mid-tick release
			// request stops further scanning without abandoning the
			// bucket already in flight (spec.md §8 scenario 6).
			checkState, _, err := s.Partitioner.Tick(tickCtx)
			if err == nil && checkState != coordination.Acquired {
				if checkState == coordination.ReleaseRequested {
					s.Partitioner.ConfirmRelease(tickCtx)
				}
				return
			}
		}
		s.processBucket(tickCtx, schedule.Bucket(b))
	}
}

// processBucket drains one bucket's due events in fetch-and-delete
// batches until a batch returns fewer than BatchSize events.
func (s *Scheduler) processBucket(ctx context.Context, bucket schedule.Bucket) {
	tombstones := make(map[string]struct{})

	for {
		events, err := s.Store.FetchAndDeleteEvents(ctx, bucket, s.clock(), s.BatchSize)
		if err != nil {
			s.Log.WithError(err).WithField("bucket", int(bucket)).Warn("fetch-and-delete events failed")
			return
		}
		if len(events) == 0 {
			return
		}
		metrics.SchedulerBucketBatchSize.Observe(float64(len(events)))

		var reschedule []schedule.Event
		for _, ev := range events {
			if _, dead := tombstones[ev.PolicyID]; dead {
				metrics.SchedulerEventsDispatched.WithLabelValues("tombstoned").Inc()
				continue
			}

			_, fireErr := s.Firer.Fire(ctx, ev.TenantID, ev.GroupID, ev.PolicyID)
			switch {
			case fireErr == nil:
				metrics.SchedulerEventsDispatched.WithLabelValues("accepted").Inc()
			case apperrors.Is(fireErr, apperrors.CodeNoSuchPolicy) || apperrors.Is(fireErr, apperrors.CodeNoSuchGroup):
				// Policy or group deleted since the event was scheduled:
				// absorb silently and stop rescheduling it or any later
				// event in this batch for the same policy.
				tombstones[ev.PolicyID] = struct{}{}
				metrics.SchedulerEventsDispatched.WithLabelValues("tombstoned").Inc()
				continue
			case apperrors.Is(fireErr, apperrors.CodeCooldownNotMet):
				metrics.SchedulerEventsDispatched.WithLabelValues("cooldown_rejected").Inc()
			default:
				s.Log.WithError(fireErr).
					WithField("policy_id", ev.PolicyID).
					WithField("group_id", ev.GroupID).
					Warn("scheduled policy fire failed; event already consumed, not retried")
				metrics.SchedulerEventsDispatched.WithLabelValues("error").Inc()
			}

			if ev.IsRecurring() {
				reschedule = append(reschedule, ev)
			}
		}

		if len(reschedule) > 0 {
			next := s.rescheduled(reschedule)
			if len(next) > 0 {
				if err := s.Store.AddCronEvents(ctx, next); err != nil {
					s.Log.WithError(err).Warn("persisting rescheduled cron events failed")
				}
			}
		}

		if len(events) < s.BatchSize {
			return
		}
	}
}

// rescheduled computes the next cron occurrence for each recurring event
// and returns the new Event records to persist. An event whose cron
// expression fails to parse is dropped with a warning rather than
// rescheduled forever with a stale expression.
func (s *Scheduler) rescheduled(events []schedule.Event) []schedule.Event {
	now := s.clock()
	out := make([]schedule.Event, 0, len(events))
	for _, ev := range events {
		next, err := s.nextCronOccurrence(ev.Cron, now)
		if err != nil {
			s.Log.WithError(err).WithField("policy_id", ev.PolicyID).WithField("cron", ev.Cron).
				Warn("invalid cron expression; event not rescheduled")
			continue
		}
		rescheduledEvent, err := schedule.NewEvent(ev.TenantID, ev.GroupID, ev.PolicyID, next, ev.Cron, ev.Bucket, s.BucketCount)
		if err != nil {
			s.Log.WithError(err).WithField("policy_id", ev.PolicyID).Warn("rescheduled event failed validation")
			continue
		}
		out = append(out, rescheduledEvent)
	}
	return out
}

// nextCronOccurrence parses a standard 5-field cron expression and
// returns the earliest time strictly greater than now.
func (s *Scheduler) nextCronOccurrence(expr string, now time.Time) (time.Time, error) {
	sched, err := s.cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}
