// Package memory is a thread-safe in-memory implementation of
// internal/app/store, for tests and single-instance local runs. It
// deliberately keeps the implementation simple: no pagination, no
// durability across process restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ottercloud/autoscale-controlplane/internal/apperrors"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/convergence"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/group"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/policy"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/schedule"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store"
)

type groupRecord struct {
	config  group.Config
	desired convergence.DesiredGroupState
	state   group.State
	locked  bool
}

// Store is the in-memory reference implementation of store.Store.
type Store struct {
	mu sync.Mutex

	groups   map[string]*groupRecord
	policies map[string]policy.Policy
	events   map[schedule.Bucket][]schedule.Event
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		groups:   make(map[string]*groupRecord),
		policies: make(map[string]policy.Policy),
		events:   make(map[schedule.Bucket][]schedule.Event),
	}
}

func groupKey(tenantID, groupID string) string { return tenantID + "/" + groupID }

// SeedGroup registers a scaling group's static config, initial desired
// state, and initial runtime state. Test and bootstrap helper, not part
// of store.Store.
func (s *Store) SeedGroup(cfg group.Config, desired convergence.DesiredGroupState, state group.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupKey(cfg.TenantID, cfg.GroupID)] = &groupRecord{config: cfg, desired: desired, state: state}
}

// SeedPolicy registers a policy. Test and bootstrap helper.
func (s *Store) SeedPolicy(p policy.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.PolicyID] = p
}

// SeedEvent enqueues an event directly into its bucket. Test and
// bootstrap helper.
func (s *Store) SeedEvent(e schedule.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.Bucket] = append(s.events[e.Bucket], e)
}

// GetScalingGroup implements store.Store.
func (s *Store) GetScalingGroup(ctx context.Context, tenantID, groupID string) (store.GroupHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.groups[groupKey(tenantID, groupID)]
	if !ok {
		return nil, apperrors.NoSuchGroup(tenantID, groupID)
	}
	return &handle{store: s, key: groupKey(tenantID, groupID), rec: rec}, nil
}

// GetPolicy implements store.Store.
func (s *Store) GetPolicy(ctx context.Context, tenantID, groupID, policyID string) (policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[policyID]
	if !ok {
		return policy.Policy{}, apperrors.NoSuchPolicy(policyID)
	}
	return p, nil
}

// FetchAndDeleteEvents implements store.Store: atomically pops up to
// batchSize due events from a single bucket, ordered by TriggerTime.
func (s *Store) FetchAndDeleteEvents(ctx context.Context, bucket schedule.Bucket, now time.Time, batchSize int) ([]schedule.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.events[bucket]
	sort.Slice(pending, func(i, j int) bool { return pending[i].TriggerTime.Before(pending[j].TriggerTime) })

	var due []schedule.Event
	var remaining []schedule.Event
	for _, e := range pending {
		if len(due) < batchSize && !e.TriggerTime.After(now) {
			due = append(due, e)
			continue
		}
		remaining = append(remaining, e)
	}
	s.events[bucket] = remaining
	return due, nil
}

// AddCronEvents implements store.Store, deduplicating on the
// (bucket, trigger_time, policy_id) primary key.
func (s *Store) AddCronEvents(ctx context.Context, events []schedule.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		existing := s.events[e.Bucket]
		dup := false
		for _, cur := range existing {
			if cur.PolicyID == e.PolicyID && cur.TriggerTime.Equal(e.TriggerTime) {
				dup = true
				break
			}
		}
		if !dup {
			s.events[e.Bucket] = append(s.events[e.Bucket], e)
		}
	}
	return nil
}

type handle struct {
	store *Store
	key   string
	rec   *groupRecord
}

func (h *handle) ViewConfig(ctx context.Context) (group.Config, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return h.rec.config, nil
}

func (h *handle) ViewDesiredState(ctx context.Context) (convergence.DesiredGroupState, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return h.rec.desired, nil
}

func (h *handle) ViewState(ctx context.Context) (group.State, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return h.rec.state.Clone(), nil
}

func (h *handle) AcquireLock(ctx context.Context) (func(), error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.rec.locked {
		return nil, apperrors.GroupBusy(h.rec.config.GroupID)
	}
	h.rec.locked = true
	return func() {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		h.rec.locked = false
	}, nil
}

func (h *handle) UpdateState(ctx context.Context, newState group.State) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	newState.Generation = h.rec.state.Generation + 1
	h.rec.state = newState.Clone()
	return nil
}

func (h *handle) ModifyState(ctx context.Context, fn func(group.State) (group.State, error)) (group.State, error) {
	h.store.mu.Lock()
	current := h.rec.state.Clone()
	h.store.mu.Unlock()

	updated, err := fn(current)
	if err != nil {
		return group.State{}, err
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.rec.state.Generation != current.Generation {
		return group.State{}, apperrors.StoreCASFailure(h.rec.config.GroupID)
	}
	updated.Generation = current.Generation + 1
	h.rec.state = updated.Clone()
	return h.rec.state.Clone(), nil
}
