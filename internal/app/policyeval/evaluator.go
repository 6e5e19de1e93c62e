// Package policyeval implements the policy evaluator (C7): given a
// policy and the current group state, it computes a new desired
// capacity, enforces per-policy and per-group cooldowns, and on
// acceptance hands off to the group controller (C6) for a convergence
// cycle. Cooldown rejection is a well-defined outcome, not a failure
// (spec.md §4.6, §7).
package policyeval

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ottercloud/autoscale-controlplane/internal/apperrors"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/group"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/policy"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store"
	"github.com/ottercloud/autoscale-controlplane/internal/metrics"
	"github.com/ottercloud/autoscale-controlplane/pkg/logger"
)

// Converger runs a single convergence cycle for a group (C6). The
// evaluator depends on this narrow interface rather than the controller
// package directly, so it can be tested without a real planner/executor.
type Converger interface {
	Converge(ctx context.Context, tenantID, groupID string) error
}

// FireResult describes the outcome of an accepted policy fire.
type FireResult struct {
	PreviousDesired int
	NewDesired      int
}

// Evaluator is the C7 policy evaluator.
type Evaluator struct {
	Store     store.Store
	Converger Converger
	Log       *logger.Logger

	// Now, when set, overrides time.Now (tests).
	Now func() time.Time
}

// New constructs an Evaluator.
func New(st store.Store, converger Converger, log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.NewDefault("policyeval")
	}
	return &Evaluator{Store: st, Converger: converger, Log: log}
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Fire evaluates policyID against groupID's current state: direct (API)
// and scheduled triggers both go through this path unchanged. On
// cooldown rejection it returns an *apperrors.ServiceError with
// CodeCooldownNotMet and leaves GroupState untouched — not counted as a
// fire. On acceptance, it commits the new desired capacity, records the
// fire, and invokes the converger; a convergence failure is logged and
// returned but does NOT roll back the already-committed fire (spec.md §5:
// partial failure is left for the next cycle to re-plan).
func (e *Evaluator) Fire(ctx context.Context, tenantID, groupID, policyID string) (FireResult, error) {
	now := e.now()

	p, err := e.Store.GetPolicy(ctx, tenantID, groupID, policyID)
	if err != nil {
		return FireResult{}, err
	}

	handle, err := e.Store.GetScalingGroup(ctx, tenantID, groupID)
	if err != nil {
		return FireResult{}, err
	}

	cfg, err := handle.ViewConfig(ctx)
	if err != nil {
		return FireResult{}, err
	}

	var result FireResult
	_, err = handle.ModifyState(ctx, func(gs group.State) (group.State, error) {
		if remaining := p.Cooldown - gs.TimeSincePolicyFire(p.PolicyID, now); remaining > 0 {
			metrics.PolicyCooldownRejections.WithLabelValues("policy").Inc()
			return group.State{}, apperrors.CooldownNotMet(p.PolicyID, remaining.String())
		}
		if remaining := cfg.Cooldown - gs.TimeSinceGroupTouch(now); remaining > 0 {
			metrics.PolicyCooldownRejections.WithLabelValues("group").Inc()
			return group.State{}, apperrors.CooldownNotMet(p.PolicyID, remaining.String())
		}

		if gs.DesiredCapacity > cfg.MaxEntities {
			e.Log.WithField("group_id", groupID).WithField("desired", gs.DesiredCapacity).
				WithField("max", cfg.MaxEntities).
				Warn("desired capacity exceeds max entities; clamping")
		}

		newDesired, err := computeCapacity(p.ChangeSpec, gs.DesiredCapacity, cfg)
		if err != nil {
			return group.State{}, err
		}

		next := gs.Clone()
		result.PreviousDesired = gs.DesiredCapacity
		result.NewDesired = newDesired
		next.DesiredCapacity = newDesired
		if next.LastPolicyFire == nil {
			next.LastPolicyFire = make(map[string]time.Time)
		}
		next.LastPolicyFire[p.PolicyID] = now
		next.LastGroupTouch = now
		return next, nil
	})
	if err != nil {
		return FireResult{}, err
	}

	metrics.PolicyFires.WithLabelValues(changeKind(p.ChangeSpec)).Inc()

	if e.Converger == nil {
		return result, nil
	}
	if err := e.Converger.Converge(ctx, tenantID, groupID); err != nil {
		e.Log.WithField("group_id", groupID).WithField("policy_id", policyID).WithError(err).
			Warn("convergence after policy fire did not complete; next cycle will re-plan")
		return result, err
	}
	return result, nil
}

// computeCapacity implements spec.md §4.6's three ChangeSpec variants.
func computeCapacity(spec policy.ChangeSpec, current int, cfg group.Config) (int, error) {
	switch cs := spec.(type) {
	case policy.ChangeBy:
		return cfg.Clamp(current + cs.Delta), nil

	case policy.ChangePercent:
		delta := int(math.Trunc(float64(current) * cs.Percent / 100))
		if delta == 0 && cs.Percent != 0 {
			if cs.Percent > 0 {
				delta = 1
			} else {
				delta = -1
			}
		}
		return cfg.Clamp(current + delta), nil

	case policy.DesiredCapacity:
		return cfg.Clamp(cs.Capacity), nil

	default:
		return 0, fmt.Errorf("policyeval: unknown change spec type %T", spec)
	}
}

func changeKind(spec policy.ChangeSpec) string {
	switch spec.(type) {
	case policy.ChangeBy:
		return "change_by"
	case policy.ChangePercent:
		return "change_percent"
	case policy.DesiredCapacity:
		return "desired_capacity"
	default:
		return "unknown"
	}
}
