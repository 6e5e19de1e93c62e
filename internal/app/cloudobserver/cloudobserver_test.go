package cloudobserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/convergence"
	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/group"
	"github.com/ottercloud/autoscale-controlplane/internal/app/httpeffect"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store/memory"
)

func requestFuncFor(t *testing.T, srv *httptest.Server) httpeffect.RequestFunc {
	t.Helper()
	return httpeffect.Compose(httpeffect.NewHTTPExec(srv.Client()), httpeffect.BindRoot(srv.URL))
}

func TestObserver_ListServers_FiltersByGroupTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/servers/detail", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"servers": [
			{"id": "srv-1", "status": "ACTIVE", "created": "2026-01-01T00:00:00Z",
			 "metadata": {"autoscale:group:id": "group-1"},
			 "addresses": {"private": [{"version": 4, "addr": "10.0.0.1"}]}},
			{"id": "srv-other", "status": "ACTIVE", "created": "2026-01-01T00:00:00Z",
			 "metadata": {"autoscale:group:id": "group-2"}}
		]}`))
	}))
	defer srv.Close()

	obs := New(memory.New(), requestFuncFor(t, srv), nil, nil)
	servers, err := obs.ListServers(context.Background(), "tenant-1", "group-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "srv-1", servers[0].ID)
	assert.Equal(t, convergence.StateActive, servers[0].State)
	assert.Equal(t, "10.0.0.1", servers[0].ServiceNetAddress)
}

func TestObserver_ListLBNodes_CLBAndRCv3(t *testing.T) {
	computeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/servers/detail", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"servers": [
			{"id": "srv-1", "status": "ACTIVE", "created": "2026-01-01T00:00:00Z",
			 "metadata": {"autoscale:group:id": "group-1"},
			 "addresses": {"private": [{"version": 4, "addr": "10.0.0.1"}]}}
		]}`))
	}))
	defer computeSrv.Close()

	clbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loadbalancers/lb-1/nodes", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"nodes": [
			{"id": "node-1", "address": "10.0.0.1", "port": 80, "weight": 1, "condition": "ENABLED", "type": "PRIMARY"},
			{"id": "node-unrelated", "address": "10.0.0.99", "port": 80, "weight": 1, "condition": "ENABLED", "type": "PRIMARY"}
		]}`))
	}))
	defer clbSrv.Close()

	rcv3Srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/load_balancer_pools/pool-1/nodes", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id": "node-2", "cloud_server": {"id": "srv-2"}}]`))
	}))
	defer rcv3Srv.Close()

	st := memory.New()
	cfg, err := group.NewConfig("group-1", "tenant-1", 0, 10, 0)
	require.NoError(t, err)
	clbDesc, err := convergence.NewCLBDescription("lb-1", 80, 1, convergence.ConditionEnabled, convergence.TypePrimary)
	require.NoError(t, err)
	rcv3Desc, err := convergence.NewRCv3Description("pool-1")
	require.NoError(t, err)
	desired, err := convergence.NewDesiredGroupState(convergence.LaunchConfig{}, 2, []convergence.LBDescription{clbDesc, rcv3Desc}, time.Minute)
	require.NoError(t, err)
	state, err := group.NewState("group-1", 2)
	require.NoError(t, err)
	st.SeedGroup(cfg, desired, state)

	obs := New(st, requestFuncFor(t, computeSrv), requestFuncFor(t, clbSrv), requestFuncFor(t, rcv3Srv))
	nodes, err := obs.ListLBNodes(context.Background(), "tenant-1", "group-1")
	require.NoError(t, err)
	require.Len(t, nodes, 2, "the CLB node for an address outside this group's servers must be dropped")

	var sawCLB, sawRCv3 bool
	for _, n := range nodes {
		switch v := n.(type) {
		case convergence.CLBNode:
			sawCLB = true
			assert.Equal(t, "node-1", v.NodeID())
			assert.Equal(t, "srv-1", v.Server().ID, "CLB node must resolve to the Nova server ID, not its IP address")
		case convergence.RCv3Node:
			sawRCv3 = true
			assert.Equal(t, "srv-2", v.Server().ID)
		}
	}
	assert.True(t, sawCLB)
	assert.True(t, sawRCv3)
}
