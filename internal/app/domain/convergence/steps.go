package convergence

// Step is the sum type of planner outputs. The executor (C5) translates
// each variant into one or more HTTP effects; the planner (C4) never
// constructs anything else.
type Step interface {
	isStep()
}

// CreateServer requests a new compute server using the given launch config.
type CreateServer struct {
	LaunchConfig LaunchConfig
}

func (CreateServer) isStep() {}

// DeleteServer requests deletion of an existing compute server.
type DeleteServer struct {
	ServerID string
}

func (DeleteServer) isStep() {}

// SetServerDraining records a server as draining ahead of removal; its CLB
// nodes are moved to DRAINING by separate ChangeNodeCondition steps.
type SetServerDraining struct {
	ServerID string
}

func (SetServerDraining) isStep() {}

// NodeTarget is a (server, address) pair to attach to a CLB.
type NodeTarget struct {
	ServerID string
	Address  string
}

// AddNodes attaches the given server addresses to a CLB.
type AddNodes struct {
	LB      CLBDescription
	Targets []NodeTarget
}

func (AddNodes) isStep() {}

// RemoveNodes detaches the given CLB node IDs from a CLB.
type RemoveNodes struct {
	LB      CLBDescription
	NodeIDs []string
}

func (RemoveNodes) isStep() {}

// ChangeNodeCondition transitions a single CLB node's condition (e.g. into
// DRAINING, or back to ENABLED if a scale-down is reversed).
type ChangeNodeCondition struct {
	LB        CLBDescription
	NodeID    string
	Condition CLBCondition
}

func (ChangeNodeCondition) isStep() {}

// BulkAddToRCv3 adds servers to an RCv3 pool in a single bulk call.
type BulkAddToRCv3 struct {
	PoolID    string
	ServerIDs []string
}

func (BulkAddToRCv3) isStep() {}

// BulkRemoveFromRCv3 removes servers from an RCv3 pool in a single bulk call.
type BulkRemoveFromRCv3 struct {
	PoolID    string
	ServerIDs []string
}

func (BulkRemoveFromRCv3) isStep() {}
