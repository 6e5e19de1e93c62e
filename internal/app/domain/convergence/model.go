// Package convergence holds the immutable value types that describe a
// scaling group's desired state and the load-balancer attachments it wants,
// independent of any observed cloud state.
package convergence

import (
	"fmt"
	"time"
)

// LaunchConfig is an opaque server-creation payload. The planner and
// executor never interpret its contents beyond passing it through to the
// compute API; only logging/catalog lookups peek inside it (via gjson).
type LaunchConfig map[string]interface{}

// Clone returns a shallow copy safe to hand to a new CreateServer step.
func (c LaunchConfig) Clone() LaunchConfig {
	if c == nil {
		return nil
	}
	out := make(LaunchConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// DesiredGroupState is the declarative target a scaling group's policies
// mutate. It is immutable once constructed: callers that need a changed
// copy must go through With* methods, which return a new value.
type DesiredGroupState struct {
	launchConfig    LaunchConfig
	desired         int
	desiredLBs      []LBDescription
	drainingTimeout time.Duration
}

// NewDesiredGroupState validates and constructs a DesiredGroupState.
func NewDesiredGroupState(launchConfig LaunchConfig, desired int, lbs []LBDescription, drainingTimeout time.Duration) (DesiredGroupState, error) {
	if desired < 0 {
		return DesiredGroupState{}, fmt.Errorf("convergence: desired must be non-negative, got %d", desired)
	}
	if drainingTimeout < 0 {
		return DesiredGroupState{}, fmt.Errorf("convergence: draining_timeout must be non-negative, got %s", drainingTimeout)
	}
	lbsCopy := make([]LBDescription, len(lbs))
	copy(lbsCopy, lbs)
	return DesiredGroupState{
		launchConfig:    launchConfig.Clone(),
		desired:         desired,
		desiredLBs:      lbsCopy,
		drainingTimeout: drainingTimeout,
	}, nil
}

// LaunchConfig returns the server-creation payload.
func (d DesiredGroupState) LaunchConfig() LaunchConfig { return d.launchConfig.Clone() }

// Desired returns the target server count.
func (d DesiredGroupState) Desired() int { return d.desired }

// DesiredLBs returns the load balancers new/active servers should attach to.
func (d DesiredGroupState) DesiredLBs() []LBDescription {
	out := make([]LBDescription, len(d.desiredLBs))
	copy(out, d.desiredLBs)
	return out
}

// DrainingTimeout returns how long a draining node is given before forced
// removal. Zero means scale-down deletes immediately, with no drain step.
func (d DesiredGroupState) DrainingTimeout() time.Duration { return d.drainingTimeout }

// WithDesired returns a copy with a new target count, clamped by the caller
// (the policy evaluator is responsible for min/max clamping; this
// constructor only enforces non-negativity).
func (d DesiredGroupState) WithDesired(desired int) (DesiredGroupState, error) {
	return NewDesiredGroupState(d.launchConfig, desired, d.desiredLBs, d.drainingTimeout)
}

// CLBCondition is the state CLB presents a node in.
type CLBCondition string

const (
	ConditionEnabled  CLBCondition = "ENABLED"
	ConditionDisabled CLBCondition = "DISABLED"
	ConditionDraining CLBCondition = "DRAINING"
)

// CLBType distinguishes primary vs. secondary (backup) nodes.
type CLBType string

const (
	TypePrimary   CLBType = "PRIMARY"
	TypeSecondary CLBType = "SECONDARY"
)

// LBDescription is the sum type of load-balancer attachment descriptions.
// Two descriptions are equivalent-by-definition (spec.md §3) iff they are
// the same variant and share the same identity key; weight/condition/type
// are not part of that identity.
type LBDescription interface {
	// EquivalenceKey identifies the logical attachment point: same key
	// means "same load balancer slot", regardless of weight/condition/type.
	EquivalenceKey() string
	isLBDescription()
}

// CLBDescription describes an attachment to a Cloud Load Balancer.
type CLBDescription struct {
	LBID      string
	Port      int
	Weight    int
	Condition CLBCondition
	Type      CLBType
}

// NewCLBDescription validates and fills in defaults: weight 1, condition
// ENABLED, type PRIMARY.
func NewCLBDescription(lbID string, port int, weight int, condition CLBCondition, lbType CLBType) (CLBDescription, error) {
	if lbID == "" {
		return CLBDescription{}, fmt.Errorf("convergence: lb_id is required")
	}
	if port < 1 || port > 65535 {
		return CLBDescription{}, fmt.Errorf("convergence: port %d out of range 1..65535", port)
	}
	if weight == 0 {
		weight = 1
	}
	if weight < 1 || weight > 100 {
		return CLBDescription{}, fmt.Errorf("convergence: weight %d out of range 1..100", weight)
	}
	if condition == "" {
		condition = ConditionEnabled
	}
	if lbType == "" {
		lbType = TypePrimary
	}
	return CLBDescription{LBID: lbID, Port: port, Weight: weight, Condition: condition, Type: lbType}, nil
}

func (c CLBDescription) EquivalenceKey() string { return fmt.Sprintf("clb:%s:%d", c.LBID, c.Port) }
func (c CLBDescription) isLBDescription()       {}

// RCv3Description describes membership in a Rackspace Cloud Networks v3 pool.
type RCv3Description struct {
	PoolID string
}

// NewRCv3Description validates a pool membership description.
func NewRCv3Description(poolID string) (RCv3Description, error) {
	if poolID == "" {
		return RCv3Description{}, fmt.Errorf("convergence: pool_id is required")
	}
	return RCv3Description{PoolID: poolID}, nil
}

func (r RCv3Description) EquivalenceKey() string { return fmt.Sprintf("rcv3:%s", r.PoolID) }
func (r RCv3Description) isLBDescription()       {}

// Equivalent reports whether two descriptions describe the same logical
// attachment point per spec.md §3, ignoring weight/condition/type.
func Equivalent(a, b LBDescription) bool {
	return a.EquivalenceKey() == b.EquivalenceKey()
}
