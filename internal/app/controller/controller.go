// Package controller implements the group controller (C6): per group,
// it enforces "at most one convergence cycle in flight across the
// cluster" (spec.md §4.5), observes cloud state, invokes the planner
// (C4), runs the resulting steps through the executor (C5), and
// persists the resulting GroupState under the group's lock.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/ottercloud/autoscale-controlplane/internal/apperrors"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/convergence"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/group"
	"github.com/ottercloud/autoscale-controlplane/internal/app/executor"
	"github.com/ottercloud/autoscale-controlplane/internal/app/planner"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store"
	"github.com/ottercloud/autoscale-controlplane/internal/metrics"
	"github.com/ottercloud/autoscale-controlplane/pkg/logger"
)

// Observer lists the cloud-observed state for one group (the "observe"
// step of spec.md §4.5). It is the narrow external collaborator the
// controller depends on, analogous in spirit to store.Store: a real
// implementation queries Nova/CLB/RCv3 filtered by a group tag; tests
// supply a fake.
type Observer interface {
	ListServers(ctx context.Context, tenantID, groupID string) ([]convergence.NovaServer, error)
	ListLBNodes(ctx context.Context, tenantID, groupID string) ([]convergence.LBNode, error)
}

// StepExecutor runs planner-produced steps and reports per-step outcomes
// (C5). The controller depends on this interface, not *executor.Executor
// directly, so tests can substitute a fake without standing up HTTP.
type StepExecutor interface {
	Execute(ctx context.Context, steps []convergence.Step) []executor.Result
}

// DistributedLock is the coordination-backed alternative to a store's
// own lock, for deployments where the store does not itself guarantee
// cross-instance exclusivity (internal/coordination.RedisLock
// implements this).
type DistributedLock interface {
	TryAcquire(ctx context.Context, key string) (release func(context.Context), ok bool, err error)
}

// Controller is the C6 group controller.
type Controller struct {
	Store    store.Store
	Observer Observer
	Executor StepExecutor
	Lock     DistributedLock // optional; nil means rely solely on the store's own lock
	Log      *logger.Logger

	// CycleDeadline bounds a whole convergence cycle's wall-clock time
	// (spec.md §5 "each convergence cycle has a wall-clock deadline").
	CycleDeadline time.Duration

	// Now, when set, overrides time.Now (tests).
	Now func() time.Time
}

// New constructs a Controller with a sane default cycle deadline.
func New(st store.Store, observer Observer, exec StepExecutor, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewDefault("controller")
	}
	return &Controller{
		Store:         st,
		Observer:      observer,
		Executor:      exec,
		Log:           log,
		CycleDeadline: 2 * time.Minute,
	}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Converge runs a single convergence cycle for one group. It returns
// *apperrors.ServiceError{Code: CodeGroupBusy} if a cycle is already in
// flight, and otherwise tolerates per-step failures (spec.md §4.5): a
// retryable step that didn't converge within its deadline leaves the
// world in a valid intermediate state, logged, for the next cycle to
// re-plan.
func (c *Controller) Converge(ctx context.Context, tenantID, groupID string) error {
	lockKey := tenantID + "/" + groupID

	var distRelease func(context.Context)
	if c.Lock != nil {
		release, ok, err := c.Lock.TryAcquire(ctx, lockKey)
		if err != nil {
			return fmt.Errorf("controller: distributed lock: %w", err)
		}
		if !ok {
			metrics.ConvergenceCycles.WithLabelValues("busy").Inc()
			return apperrors.GroupBusy(groupID)
		}
		distRelease = release
		defer distRelease(ctx)
	}

	handle, err := c.Store.GetScalingGroup(ctx, tenantID, groupID)
	if err != nil {
		return err
	}

	storeRelease, err := handle.AcquireLock(ctx)
	if err != nil {
		metrics.ConvergenceCycles.WithLabelValues("busy").Inc()
		return err
	}
	defer storeRelease()

	cycleCtx, cancel := context.WithTimeout(ctx, c.CycleDeadline)
	defer cancel()

	start := time.Now()
	outcome := "success"
	defer func() {
		metrics.ConvergenceCycles.WithLabelValues(outcome).Inc()
		metrics.ConvergenceCycleDuration.Observe(time.Since(start).Seconds())
	}()

	if err := c.runCycle(cycleCtx, tenantID, groupID, handle); err != nil {
		outcome = "error"
		return err
	}
	return nil
}

func (c *Controller) runCycle(ctx context.Context, tenantID, groupID string, handle store.GroupHandle) error {
	cfg, err := handle.ViewConfig(ctx)
	if err != nil {
		return err
	}
	storedDesired, err := handle.ViewDesiredState(ctx)
	if err != nil {
		return err
	}
	gs, err := handle.ViewState(ctx)
	if err != nil {
		return err
	}

	// The policy evaluator (C7) mutates GroupState.DesiredCapacity, not
	// the store's separately-owned DesiredGroupState (launch template,
	// LB attachments, drain timeout — the out-of-scope CRUD surface);
	// the controller composes the two into the value the planner sees.
	effectiveDesired, err := storedDesired.WithDesired(cfg.Clamp(gs.DesiredCapacity))
	if err != nil {
		return err
	}

	servers, nodes, err := c.observe(ctx, tenantID, groupID)
	if err != nil {
		return err
	}

	now := c.now()
	overlaid := overlayDraining(servers, gs.DrainingSince)

	steps := planner.Plan(effectiveDesired, overlaid, nodes, now)
	if len(steps) == 0 {
		return nil
	}

	results := c.Executor.Execute(ctx, steps)

	nextState := applyResults(gs, overlaid, results, now)
	return handle.UpdateState(ctx, nextState)
}

// observe lists servers and LB nodes for the group in parallel
// (spec.md §4.5 step 3).
func (c *Controller) observe(ctx context.Context, tenantID, groupID string) ([]convergence.NovaServer, []convergence.LBNode, error) {
	type serversResult struct {
		servers []convergence.NovaServer
		err     error
	}
	type nodesResult struct {
		nodes []convergence.LBNode
		err   error
	}

	serverCh := make(chan serversResult, 1)
	nodeCh := make(chan nodesResult, 1)

	go func() {
		servers, err := c.Observer.ListServers(ctx, tenantID, groupID)
		serverCh <- serversResult{servers, err}
	}()
	go func() {
		nodes, err := c.Observer.ListLBNodes(ctx, tenantID, groupID)
		nodeCh <- nodesResult{nodes, err}
	}()

	sr := <-serverCh
	nr := <-nodeCh
	if sr.err != nil {
		return nil, nil, fmt.Errorf("controller: observe servers: %w", sr.err)
	}
	if nr.err != nil {
		return nil, nil, fmt.Errorf("controller: observe lb nodes: %w", nr.err)
	}
	return sr.servers, nr.nodes, nil
}

// overlayDraining rewrites any observed ACTIVE server the previous
// cycle marked draining into StateDraining (spec.md §3: DRAINING is
// autoscale-internal bookkeeping, never reported by the compute API
// itself).
func overlayDraining(servers []convergence.NovaServer, drainingSince map[string]time.Time) []convergence.NovaServer {
	if len(drainingSince) == 0 {
		return servers
	}
	out := make([]convergence.NovaServer, len(servers))
	for i, s := range servers {
		if _, draining := drainingSince[s.ID]; draining && s.State == convergence.StateActive {
			s.State = convergence.StateDraining
		}
		out[i] = s
	}
	return out
}

// applyResults folds executed step outcomes into the next GroupState:
// successful deletions drop bookkeeping, successful drains start the
// drain clock, and active/pending membership is recomputed from the
// observation that fed the plan, minus anything this cycle deleted.
func applyResults(gs group.State, observed []convergence.NovaServer, results []executor.Result, now time.Time) group.State {
	next := gs.Clone()

	deleted := make(map[string]struct{})
	drainingNow := make(map[string]struct{})
	for _, r := range results {
		if r.Outcome != executor.Success {
			continue
		}
		switch s := r.Step.(type) {
		case convergence.DeleteServer:
			deleted[s.ServerID] = struct{}{}
		case convergence.SetServerDraining:
			drainingNow[s.ServerID] = struct{}{}
		}
	}

	next.ActiveServerIDs = make(map[string]struct{})
	next.PendingServerIDs = make(map[string]struct{})
	for _, s := range observed {
		if _, gone := deleted[s.ID]; gone {
			continue
		}
		switch s.State {
		case convergence.StateActive:
			next.ActiveServerIDs[s.ID] = struct{}{}
		case convergence.StateBuild:
			next.PendingServerIDs[s.ID] = struct{}{}
		}
	}

	for id := range deleted {
		delete(next.DrainingSince, id)
	}
	for id := range drainingNow {
		if _, already := next.DrainingSince[id]; !already {
			next.DrainingSince[id] = now
		}
	}

	return next
}

