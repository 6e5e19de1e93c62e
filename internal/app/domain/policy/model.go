// Package policy holds the immutable value types describing a scaling
// policy: how it mutates desired capacity, and when it fires.
package policy

import (
	"fmt"
	"time"
)

// ChangeSpec is the sum type of ways a policy can express a capacity
// change. Exactly one variant is ever constructed.
type ChangeSpec interface {
	isChangeSpec()
}

// ChangeBy adds a signed delta to the current desired capacity.
type ChangeBy struct {
	Delta int
}

func (ChangeBy) isChangeSpec() {}

// ChangePercent adjusts current desired capacity by a percentage, rounded
// toward zero, guaranteed non-zero delta when percent is non-zero.
type ChangePercent struct {
	Percent float64
}

func (ChangePercent) isChangeSpec() {}

// DesiredCapacity sets an absolute target capacity.
type DesiredCapacity struct {
	Capacity int
}

func (d DesiredCapacity) isChangeSpec() {}

// NewDesiredCapacity validates a non-negative absolute target.
func NewDesiredCapacity(capacity int) (DesiredCapacity, error) {
	if capacity < 0 {
		return DesiredCapacity{}, fmt.Errorf("policy: desired_capacity must be non-negative, got %d", capacity)
	}
	return DesiredCapacity{Capacity: capacity}, nil
}

// Schedule is the sum type of a policy's optional trigger schedule. A
// policy with no Schedule fires only directly (API) or via webhook.
type Schedule interface {
	isSchedule()
}

// At is a one-shot trigger at a fixed point in time.
type At struct {
	Time time.Time
}

func (At) isSchedule() {}

// Cron is a recurring trigger described by a standard 5-field expression.
type Cron struct {
	Expression string
}

func (Cron) isSchedule() {}

// NewCron validates that an expression string is present; syntactic
// validity of the 5-field cron grammar is checked by the scheduler package
// at parse time (robfig/cron/v3), not here, to keep this package free of
// parsing dependencies.
func NewCron(expr string) (Cron, error) {
	if expr == "" {
		return Cron{}, fmt.Errorf("policy: cron expression is required")
	}
	return Cron{Expression: expr}, nil
}

// Policy is an immutable scaling policy definition.
type Policy struct {
	PolicyID   string
	GroupID    string
	Cooldown   time.Duration
	ChangeSpec ChangeSpec
	Schedule   Schedule // nil when the policy has no time trigger
}

// NewPolicy validates and constructs a Policy.
func NewPolicy(policyID, groupID string, cooldown time.Duration, change ChangeSpec, schedule Schedule) (Policy, error) {
	if policyID == "" {
		return Policy{}, fmt.Errorf("policy: policy_id is required")
	}
	if groupID == "" {
		return Policy{}, fmt.Errorf("policy: group_id is required")
	}
	if cooldown < 0 {
		return Policy{}, fmt.Errorf("policy: cooldown must be non-negative, got %s", cooldown)
	}
	if change == nil {
		return Policy{}, fmt.Errorf("policy: change_spec is required")
	}
	return Policy{PolicyID: policyID, GroupID: groupID, Cooldown: cooldown, ChangeSpec: change, Schedule: schedule}, nil
}
