// Package cloudobserver implements controller.Observer against the real
// Nova/CLB/RCv3 APIs, using the same httpeffect/gjson combination the
// step executor (C5) uses for the write side. It is the read-side
// counterpart: list servers tagged for a group, list the node
// attachments on whatever load balancers the group's desired state
// names.
package cloudobserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/convergence"
	"github.com/ottercloud/autoscale-controlplane/internal/app/httpeffect"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store"
)

// GroupTagKey is the Nova server metadata key the compute API is queried
// against to find a scaling group's member servers. The launch step
// (executor.dispatch, convergence.CreateServer) sends LaunchConfig as
// given and does not add this key itself.
const GroupTagKey = "autoscale:group:id"

// Observer implements controller.Observer against live cloud APIs.
type Observer struct {
	Store   store.Store
	Compute httpeffect.RequestFunc
	CLB     httpeffect.RequestFunc
	RCv3    httpeffect.RequestFunc
}

// New constructs an Observer.
func New(st store.Store, compute, clb, rcv3 httpeffect.RequestFunc) *Observer {
	return &Observer{Store: st, Compute: compute, CLB: clb, RCv3: rcv3}
}

// ListServers returns every Nova server tagged with groupID, regardless
// of lifecycle state; the planner is responsible for interpreting state.
func (o *Observer) ListServers(ctx context.Context, tenantID, groupID string) ([]convergence.NovaServer, error) {
	call := httpeffect.AddErrorHandling(http.StatusOK)(o.Compute)
	resp, err := call(ctx, httpeffect.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("/servers/detail?metadata[%s]=%s", GroupTagKey, groupID),
	})
	if err != nil {
		return nil, fmt.Errorf("cloudobserver: list servers: %w", err)
	}

	parsed := gjson.ParseBytes(resp.Body)
	var servers []convergence.NovaServer
	for _, raw := range parsed.Get("servers").Array() {
		if raw.Get("metadata."+GroupTagKey).String() != groupID {
			continue
		}
		server, err := novaServerFromJSON(raw)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ListLBNodes lists the node attachments on every load balancer the
// group's desired state names (convergence.DesiredGroupState.DesiredLBs),
// whatever their variant.
func (o *Observer) ListLBNodes(ctx context.Context, tenantID, groupID string) ([]convergence.LBNode, error) {
	handle, err := o.Store.GetScalingGroup(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	desired, err := handle.ViewDesiredState(ctx)
	if err != nil {
		return nil, err
	}

	// CLB's node-listing response only carries the node's IP address, not
	// the Nova server ID the planner indexes observed nodes by
	// (planner.go's nodesByServer), so servers tagged for this group are
	// fetched up front to resolve address back to server ID.
	servers, err := o.ListServers(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	addrToServerID := make(map[string]string, len(servers))
	for _, s := range servers {
		if s.ServiceNetAddress != "" {
			addrToServerID[s.ServiceNetAddress] = s.ID
		}
	}

	var nodes []convergence.LBNode
	for _, lb := range desired.DesiredLBs() {
		switch desc := lb.(type) {
		case convergence.CLBDescription:
			clbNodes, err := o.listCLBNodes(ctx, desc, addrToServerID)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, clbNodes...)
		case convergence.RCv3Description:
			rcv3Nodes, err := o.listRCv3Nodes(ctx, desc)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, rcv3Nodes...)
		}
	}
	return nodes, nil
}

// listCLBNodes lists a CLB's node attachments, keeping only nodes whose
// address matches a server in addrToServerID (this group's own servers);
// a CLB can be shared across groups, and a node we can't attribute to
// one of our own servers isn't ours to reconcile.
func (o *Observer) listCLBNodes(ctx context.Context, desc convergence.CLBDescription, addrToServerID map[string]string) ([]convergence.LBNode, error) {
	call := httpeffect.AddErrorHandling(http.StatusOK)(o.CLB)
	resp, err := call(ctx, httpeffect.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("/loadbalancers/%s/nodes", desc.LBID),
	})
	if err != nil {
		return nil, fmt.Errorf("cloudobserver: list CLB nodes for %s: %w", desc.LBID, err)
	}

	parsed := gjson.ParseBytes(resp.Body)
	var nodes []convergence.LBNode
	for _, raw := range parsed.Get("nodes").Array() {
		address := raw.Get("address").String()
		serverID, ok := addrToServerID[address]
		if !ok {
			continue
		}
		server, err := convergence.NewNovaServer(serverID, convergence.StateActive, time.Time{}, address)
		if err != nil {
			return nil, err
		}
		nodeDesc, err := convergence.NewCLBDescription(
			desc.LBID,
			int(raw.Get("port").Int()),
			int(raw.Get("weight").Int()),
			convergence.CLBCondition(raw.Get("condition").String()),
			convergence.CLBType(raw.Get("type").String()),
		)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, convergence.CLBNode{
			ID:        raw.Get("id").String(),
			ServerRef: server,
			Desc:      nodeDesc,
		})
	}
	return nodes, nil
}

func (o *Observer) listRCv3Nodes(ctx context.Context, desc convergence.RCv3Description) ([]convergence.LBNode, error) {
	call := httpeffect.AddErrorHandling(http.StatusOK)(o.RCv3)
	resp, err := call(ctx, httpeffect.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("/load_balancer_pools/%s/nodes", desc.PoolID),
	})
	if err != nil {
		return nil, fmt.Errorf("cloudobserver: list RCv3 nodes for %s: %w", desc.PoolID, err)
	}

	parsed := gjson.ParseBytes(resp.Body)
	var nodes []convergence.LBNode
	for _, raw := range parsed.Array() {
		serverID := raw.Get("cloud_server.id").String()
		server, err := convergence.NewNovaServer(serverID, convergence.StateActive, time.Time{}, "")
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, convergence.RCv3Node{
			ID:        raw.Get("id").String(),
			ServerRef: server,
			Desc:      desc,
		})
	}
	return nodes, nil
}

func novaServerFromJSON(raw gjson.Result) (convergence.NovaServer, error) {
	created, _ := time.Parse(time.RFC3339, raw.Get("created").String())
	addr := raw.Get(`addresses.private.#(version==4).addr`).String()
	return convergence.NewNovaServer(raw.Get("id").String(), convergence.ServerState(raw.Get("status").String()), created, addr)
}
