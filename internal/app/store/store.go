// Package store declares the narrow contract the rest of the control
// plane depends on for persistence, coordination primitives aside. The
// durable implementation (a wide-column database in production) lives
// outside this repository; see internal/app/store/memory for a
// thread-safe reference implementation used by tests and single-instance
// local runs.
package store

import (
	"context"
	"time"

	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/convergence"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/group"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/policy"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/schedule"
)

// GroupHandle exposes the narrow set of operations the group controller
// (C6) and policy evaluator (C7) need against a single scaling group.
// AcquireLock enforces "at most one convergence cycle per group in
// flight across the cluster" (spec.md §4.5); ModifyState performs an
// atomic compare-and-swap read-modify-write.
type GroupHandle interface {
	ViewConfig(ctx context.Context) (group.Config, error)
	ViewDesiredState(ctx context.Context) (convergence.DesiredGroupState, error)
	ViewState(ctx context.Context) (group.State, error)

	// AcquireLock claims the per-group serialization lock, returning a
	// release function that MUST be called on every exit path. Returns
	// *apperrors.ServiceError{Code: CodeGroupBusy} if already held.
	AcquireLock(ctx context.Context) (release func(), err error)

	// UpdateState unconditionally overwrites the stored GroupState.
	UpdateState(ctx context.Context, newState group.State) error

	// ModifyState loads the current state, applies fn, and commits the
	// result under optimistic concurrency control (the state's
	// Generation field). Returns *apperrors.ServiceError{Code:
	// CodeStoreCASFailure} if another writer won the race.
	ModifyState(ctx context.Context, fn func(group.State) (group.State, error)) (group.State, error)
}

// Store is the top-level persistence contract.
type Store interface {
	// GetScalingGroup resolves a handle for one tenant's scaling group.
	// Returns *apperrors.ServiceError{Code: CodeNoSuchGroup} if absent.
	GetScalingGroup(ctx context.Context, tenantID, groupID string) (GroupHandle, error)

	// GetPolicy resolves a policy by ID. Returns
	// *apperrors.ServiceError{Code: CodeNoSuchPolicy} if absent.
	GetPolicy(ctx context.Context, tenantID, groupID, policyID string) (policy.Policy, error)

	// FetchAndDeleteEvents atomically dequeues up to batchSize events
	// whose TriggerTime is <= now, ordered by TriggerTime, guaranteeing
	// exactly-once observation across concurrently running scheduler
	// instances.
	FetchAndDeleteEvents(ctx context.Context, bucket schedule.Bucket, now time.Time, batchSize int) ([]schedule.Event, error)

	// AddCronEvents persists new recurring events. Idempotent on the
	// (bucket, trigger_time, policy_id) primary key.
	AddCronEvents(ctx context.Context, events []schedule.Event) error
}
