// Package planner implements the pure convergence planner: given a
// desired group state and an observation of the world, it produces a
// deterministic, minimal, idempotent ordered list of steps to reconcile
// the two.
//
// This package is deliberately dependency-free: it imports nothing beyond
// the standard library and the domain value types it operates on. A pure
// function has no need of a logging, HTTP, or serialization library, and
// pulling one in would only make the planner's determinism harder to
// reason about (see DESIGN.md for why this is the one package in the
// repository that does not reach for a third-party dependency).
package planner

import (
	"sort"
	"time"

	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/convergence"
)

// Plan computes the ordered set of steps required to reconcile observed
// compute/LB state with the desired group state, as of now. Plan never
// mutates its inputs and is safe to call concurrently.
func Plan(desired convergence.DesiredGroupState, observedServers []convergence.NovaServer, observedNodes []convergence.LBNode, now time.Time) []convergence.Step {
	p := newPlanState(desired, now, observedServers, observedNodes)

	var steps []convergence.Step
	steps = append(steps, p.reconcileAlreadyDraining()...)
	steps = append(steps, p.reconcileErrored()...)
	steps = append(steps, p.reconcileCount()...)
	steps = append(steps, p.reconcileLBs()...)
	return steps
}

type planState struct {
	desired convergence.DesiredGroupState
	now     time.Time

	active   []convergence.NovaServer
	pending  []convergence.NovaServer
	errored  []convergence.NovaServer
	draining []convergence.NovaServer

	nodesByServer map[string][]convergence.LBNode

	// victims is the set of server IDs removed, or put into draining,
	// earlier in this same plan; the LB reconciliation pass skips them.
	victims map[string]struct{}
}

func newPlanState(desired convergence.DesiredGroupState, now time.Time, servers []convergence.NovaServer, nodes []convergence.LBNode) *planState {
	p := &planState{
		desired:       desired,
		now:           now,
		nodesByServer: make(map[string][]convergence.LBNode),
		victims:       make(map[string]struct{}),
	}

	sorted := append([]convergence.NovaServer(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, s := range sorted {
		switch s.State {
		case convergence.StateActive:
			p.active = append(p.active, s)
		case convergence.StateBuild:
			p.pending = append(p.pending, s)
		case convergence.StateError:
			p.errored = append(p.errored, s)
		case convergence.StateDraining:
			p.draining = append(p.draining, s)
		}
	}

	sortedNodes := append([]convergence.LBNode(nil), nodes...)
	sort.Slice(sortedNodes, func(i, j int) bool { return sortedNodes[i].NodeID() < sortedNodes[j].NodeID() })
	for _, n := range sortedNodes {
		sid := n.Server().ID
		p.nodesByServer[sid] = append(p.nodesByServer[sid], n)
	}

	return p
}

// effective is the server count the planner targets: active + pending
// (building). Errored and already-draining servers are never part of it.
func (p *planState) effective() int { return len(p.active) + len(p.pending) }

// removeVictim emits the steps needed to take a server out of service:
// if it has undrained CLB attachments and a positive drain timeout, it is
// transitioned into draining instead of deleted outright.
func (p *planState) removeVictim(s convergence.NovaServer) []convergence.Step {
	p.victims[s.ID] = struct{}{}

	nodes := p.nodesByServer[s.ID]
	timeout := p.desired.DrainingTimeout()

	hasUndrained := false
	for _, n := range nodes {
		if d, ok := n.(convergence.Drainable); ok && !d.CurrentlyDraining() {
			hasUndrained = true
		}
	}

	if timeout > 0 && hasUndrained {
		var steps []convergence.Step
		for _, n := range nodes {
			cn, ok := n.(convergence.CLBNode)
			if !ok || cn.Desc.Condition == convergence.ConditionDraining {
				continue
			}
			steps = append(steps, convergence.ChangeNodeCondition{
				LB:        cn.Desc,
				NodeID:    cn.ID,
				Condition: convergence.ConditionDraining,
			})
		}
		steps = append(steps, convergence.SetServerDraining{ServerID: s.ID})
		return steps
	}

	steps := removalStepsForNodes(nodes)
	steps = append(steps, convergence.DeleteServer{ServerID: s.ID})
	return steps
}

// reconcileAlreadyDraining handles servers already marked DRAINING by a
// prior cycle: once every drainable node is done draining, the server and
// its remaining nodes are removed.
func (p *planState) reconcileAlreadyDraining() []convergence.Step {
	var steps []convergence.Step
	timeout := p.desired.DrainingTimeout()

	for _, s := range p.draining {
		nodes := p.nodesByServer[s.ID]
		allDone := true
		for _, n := range nodes {
			if d, ok := n.(convergence.Drainable); ok && !d.IsDoneDraining(p.now, timeout) {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		p.victims[s.ID] = struct{}{}
		steps = append(steps, removalStepsForNodes(nodes)...)
		steps = append(steps, convergence.DeleteServer{ServerID: s.ID})
	}
	return steps
}

// reconcileErrored always removes ERROR servers: they never count toward
// effective capacity and carry no value.
func (p *planState) reconcileErrored() []convergence.Step {
	var steps []convergence.Step
	for _, s := range p.errored {
		steps = append(steps, p.removeVictim(s)...)
	}
	return steps
}

// reconcileCount creates or removes servers so that effective capacity
// matches desired. Scale-down victim order: BUILD before ACTIVE, and
// within ACTIVE the most recently created server is removed first (a
// scale-down prefers to undo the most recent growth).
func (p *planState) reconcileCount() []convergence.Step {
	eff := p.effective()
	desired := p.desired.Desired()

	if eff < desired {
		var steps []convergence.Step
		lc := p.desired.LaunchConfig()
		for i := 0; i < desired-eff; i++ {
			steps = append(steps, convergence.CreateServer{LaunchConfig: lc.Clone()})
		}
		return steps
	}

	if eff <= desired {
		return nil
	}

	need := eff - desired

	candidates := make([]convergence.NovaServer, 0, len(p.pending)+len(p.active))
	candidates = append(candidates, p.pending...)

	sortedActive := append([]convergence.NovaServer(nil), p.active...)
	sort.Slice(sortedActive, func(i, j int) bool {
		if !sortedActive[i].Created.Equal(sortedActive[j].Created) {
			return sortedActive[i].Created.After(sortedActive[j].Created)
		}
		return sortedActive[i].ID < sortedActive[j].ID
	})
	candidates = append(candidates, sortedActive...)

	var steps []convergence.Step
	for i := 0; i < need && i < len(candidates); i++ {
		steps = append(steps, p.removeVictim(candidates[i])...)
	}
	return steps
}

// reconcileLBs attaches/detaches/updates load-balancer nodes for every
// active server not removed earlier in this plan, batching add/remove
// operations per load balancer.
func (p *planState) reconcileLBs() []convergence.Step {
	desiredLBs := append([]convergence.LBDescription(nil), p.desired.DesiredLBs()...)
	sort.Slice(desiredLBs, func(i, j int) bool { return desiredLBs[i].EquivalenceKey() < desiredLBs[j].EquivalenceKey() })

	survivingActive := make([]convergence.NovaServer, 0, len(p.active))
	for _, s := range p.active {
		if _, removed := p.victims[s.ID]; !removed {
			survivingActive = append(survivingActive, s)
		}
	}

	type addBatch struct {
		lb      convergence.CLBDescription
		targets []convergence.NodeTarget
	}
	type removeBatch struct {
		lb      convergence.CLBDescription
		nodeIDs []string
	}

	addCLB := map[string]*addBatch{}
	var addCLBOrder []string

	rcv3Add := map[string][]string{}
	var rcv3AddOrder []string

	removeCLB := map[string]*removeBatch{}
	var removeCLBOrder []string

	rcv3Remove := map[string][]string{}
	var rcv3RemoveOrder []string

	var steps []convergence.Step

	for _, s := range survivingActive {
		existing := p.nodesByServer[s.ID]

		matched := make(map[string]bool)
		for _, desiredLB := range desiredLBs {
			found := false
			for _, n := range existing {
				if convergence.Equivalent(n.Description(), desiredLB) {
					found = true
					matched[n.NodeID()] = true
					if cn, ok := n.(convergence.CLBNode); ok {
						if wantCLB, ok2 := desiredLB.(convergence.CLBDescription); ok2 && wantCLB.Condition != cn.Desc.Condition {
							steps = append(steps, convergence.ChangeNodeCondition{
								LB:        cn.Desc,
								NodeID:    cn.ID,
								Condition: wantCLB.Condition,
							})
						}
					}
					break
				}
			}
			if found {
				continue
			}

			switch lb := desiredLB.(type) {
			case convergence.CLBDescription:
				key := lb.EquivalenceKey()
				b, ok := addCLB[key]
				if !ok {
					b = &addBatch{lb: lb}
					addCLB[key] = b
					addCLBOrder = append(addCLBOrder, key)
				}
				b.targets = append(b.targets, convergence.NodeTarget{ServerID: s.ID, Address: s.ServiceNetAddress})
			case convergence.RCv3Description:
				if _, ok := rcv3Add[lb.PoolID]; !ok {
					rcv3AddOrder = append(rcv3AddOrder, lb.PoolID)
				}
				rcv3Add[lb.PoolID] = append(rcv3Add[lb.PoolID], s.ID)
			}
		}

		for _, n := range existing {
			if matched[n.NodeID()] {
				continue
			}
			switch desc := n.Description().(type) {
			case convergence.CLBDescription:
				key := desc.EquivalenceKey()
				b, ok := removeCLB[key]
				if !ok {
					b = &removeBatch{lb: desc}
					removeCLB[key] = b
					removeCLBOrder = append(removeCLBOrder, key)
				}
				b.nodeIDs = append(b.nodeIDs, n.NodeID())
			case convergence.RCv3Description:
				if _, ok := rcv3Remove[desc.PoolID]; !ok {
					rcv3RemoveOrder = append(rcv3RemoveOrder, desc.PoolID)
				}
				rcv3Remove[desc.PoolID] = append(rcv3Remove[desc.PoolID], s.ID)
			}
		}
	}

	for _, key := range removeCLBOrder {
		b := removeCLB[key]
		steps = append(steps, convergence.RemoveNodes{LB: b.lb, NodeIDs: b.nodeIDs})
	}
	for _, poolID := range rcv3RemoveOrder {
		steps = append(steps, convergence.BulkRemoveFromRCv3{PoolID: poolID, ServerIDs: rcv3Remove[poolID]})
	}
	for _, key := range addCLBOrder {
		b := addCLB[key]
		steps = append(steps, convergence.AddNodes{LB: b.lb, Targets: b.targets})
	}
	for _, poolID := range rcv3AddOrder {
		steps = append(steps, convergence.BulkAddToRCv3{PoolID: poolID, ServerIDs: rcv3Add[poolID]})
	}

	return steps
}

func removalStepsForNodes(nodes []convergence.LBNode) []convergence.Step {
	type clbBatch struct {
		lb      convergence.CLBDescription
		nodeIDs []string
	}
	clb := map[string]*clbBatch{}
	var clbOrder []string
	rcv3 := map[string][]string{}
	var rcv3Order []string

	for _, n := range nodes {
		switch desc := n.Description().(type) {
		case convergence.CLBDescription:
			key := desc.EquivalenceKey()
			b, ok := clb[key]
			if !ok {
				b = &clbBatch{lb: desc}
				clb[key] = b
				clbOrder = append(clbOrder, key)
			}
			b.nodeIDs = append(b.nodeIDs, n.NodeID())
		case convergence.RCv3Description:
			if _, ok := rcv3[desc.PoolID]; !ok {
				rcv3Order = append(rcv3Order, desc.PoolID)
			}
			// caller passes server ID indirectly via node's server ref
			rcv3[desc.PoolID] = append(rcv3[desc.PoolID], n.Server().ID)
		}
	}

	var steps []convergence.Step
	for _, key := range clbOrder {
		b := clb[key]
		steps = append(steps, convergence.RemoveNodes{LB: b.lb, NodeIDs: b.nodeIDs})
	}
	for _, poolID := range rcv3Order {
		steps = append(steps, convergence.BulkRemoveFromRCv3{PoolID: poolID, ServerIDs: rcv3[poolID]})
	}
	return steps
}
