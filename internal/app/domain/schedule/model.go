// Package schedule holds the scheduler's durable event record and the
// bucket type used for partition assignment.
package schedule

import (
	"fmt"
	"time"
)

// Bucket is one shard of the scheduler's event key space, in 0..BucketCount-1.
type Bucket int

// Event is a scheduler record: a single pending policy trigger, stored
// keyed by (Bucket, TriggerTime, PolicyID).
type Event struct {
	TenantID    string
	GroupID     string
	PolicyID    string
	TriggerTime time.Time
	Cron        string // empty for one-shot events
	Bucket      Bucket
}

// NewEvent validates and constructs an Event.
func NewEvent(tenantID, groupID, policyID string, triggerTime time.Time, cron string, bucket Bucket, bucketCount int) (Event, error) {
	if tenantID == "" {
		return Event{}, fmt.Errorf("schedule: tenant_id is required")
	}
	if groupID == "" {
		return Event{}, fmt.Errorf("schedule: group_id is required")
	}
	if policyID == "" {
		return Event{}, fmt.Errorf("schedule: policy_id is required")
	}
	if bucket < 0 || int(bucket) >= bucketCount {
		return Event{}, fmt.Errorf("schedule: bucket %d out of range 0..%d", bucket, bucketCount-1)
	}
	return Event{
		TenantID:    tenantID,
		GroupID:     groupID,
		PolicyID:    policyID,
		TriggerTime: triggerTime,
		Cron:        cron,
		Bucket:      bucket,
	}, nil
}

// IsRecurring reports whether this event should be rescheduled after it
// fires.
func (e Event) IsRecurring() bool { return e.Cron != "" }

// BucketFor hashes a policy ID to a bucket in 0..bucketCount-1 using FNV-1a,
// giving a stable, evenly distributed assignment independent of insertion
// order.
func BucketFor(policyID string, bucketCount int) Bucket {
	const offsetBasis uint32 = 2166136261
	const prime uint32 = 16777619
	h := offsetBasis
	for i := 0; i < len(policyID); i++ {
		h ^= uint32(policyID[i])
		h *= prime
	}
	return Bucket(int(h) % bucketCount)
}
