package convergence

import (
	"fmt"
	"time"
)

// ServerState is the compute-side lifecycle state of a Nova server as
// observed by the convergence loop. StateDraining is never sent to the
// compute API; it is bookkeeping the controller applies (overlayDraining)
// to servers recorded in group.State.DrainingSince.
type ServerState string

const (
	StateBuild    ServerState = "BUILD"
	StateActive   ServerState = "ACTIVE"
	StateError    ServerState = "ERROR"
	StateDraining ServerState = "DRAINING"
)

// NovaServer is an observed compute server, as reported by the Nova API.
type NovaServer struct {
	ID                string
	State             ServerState
	Created           time.Time
	ServiceNetAddress string
}

// NewNovaServer validates and constructs an observed server.
func NewNovaServer(id string, state ServerState, created time.Time, serviceNetAddress string) (NovaServer, error) {
	if id == "" {
		return NovaServer{}, fmt.Errorf("convergence: server id is required")
	}
	return NovaServer{ID: id, State: state, Created: created, ServiceNetAddress: serviceNetAddress}, nil
}

// LBNode is the sum type of observed load-balancer node attachments. Only
// CLB nodes are individually addressable and drainable; RCv3 membership is
// bulk add/remove only (spec.md §3).
type LBNode interface {
	NodeID() string
	Server() NovaServer
	Description() LBDescription
	isLBNode()
}

// Drainable is implemented by node variants that support a DRAINING
// intermediate condition before removal (CLB nodes only).
type Drainable interface {
	CurrentlyDraining() bool
	IsDoneDraining(now time.Time, timeout time.Duration) bool
}

// CLBNode is an observed CLB node attachment.
type CLBNode struct {
	ID            string
	ServerRef     NovaServer
	Desc          CLBDescription
	DrainStartsAt time.Time // zero value means "not draining"
}

func (n CLBNode) NodeID() string             { return n.ID }
func (n CLBNode) Server() NovaServer         { return n.ServerRef }
func (n CLBNode) Description() LBDescription { return n.Desc }
func (n CLBNode) isLBNode()                  {}

// CurrentlyDraining reports whether the node's CLB condition is DRAINING.
func (n CLBNode) CurrentlyDraining() bool { return n.Desc.Condition == ConditionDraining }

// IsDoneDraining reports whether a node that began draining at DrainStartsAt
// has exceeded timeout as of now. A node that never started draining, or a
// zero timeout (drain immediately), is always considered done.
func (n CLBNode) IsDoneDraining(now time.Time, timeout time.Duration) bool {
	if !n.CurrentlyDraining() {
		return true
	}
	if timeout <= 0 {
		return true
	}
	if n.DrainStartsAt.IsZero() {
		return true
	}
	return now.Sub(n.DrainStartsAt) >= timeout
}

// RCv3Node is an observed RCv3 pool membership.
type RCv3Node struct {
	ID        string
	ServerRef NovaServer
	Desc      RCv3Description
}

func (n RCv3Node) NodeID() string             { return n.ID }
func (n RCv3Node) Server() NovaServer         { return n.ServerRef }
func (n RCv3Node) Description() LBDescription { return n.Desc }
func (n RCv3Node) isLBNode()                  {}
