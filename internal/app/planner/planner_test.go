package planner

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/convergence"
)

func mustDesired(t *testing.T, desired int, lbs []convergence.LBDescription, drainTimeout time.Duration) convergence.DesiredGroupState {
	t.Helper()
	d, err := convergence.NewDesiredGroupState(convergence.LaunchConfig{"server": map[string]interface{}{"name": "web"}}, desired, lbs, drainTimeout)
	require.NoError(t, err)
	return d
}

func mustServer(t *testing.T, id string, state convergence.ServerState, created time.Time) convergence.NovaServer {
	t.Helper()
	s, err := convergence.NewNovaServer(id, state, created, "10.0.0.1")
	require.NoError(t, err)
	return s
}

// Scenario 3: planner scale-up.
func TestPlan_ScaleUp(t *testing.T) {
	now := time.Now()
	desired := mustDesired(t, 3, nil, 0)
	servers := []convergence.NovaServer{
		mustServer(t, "s1", convergence.StateActive, now.Add(-time.Hour)),
		mustServer(t, "s2", convergence.StateBuild, now.Add(-time.Minute)),
	}

	steps := Plan(desired, servers, nil, now)

	require.Len(t, steps, 1)
	_, ok := steps[0].(convergence.CreateServer)
	assert.True(t, ok)
}

// Scenario 4: planner scale-down with drain, two cycles.
func TestPlan_ScaleDownWithDrain(t *testing.T) {
	now := time.Now()
	s1 := mustServer(t, "s1", convergence.StateActive, now.Add(-2*time.Hour))
	s2 := mustServer(t, "s2", convergence.StateActive, now.Add(-time.Minute))

	clbDesc, err := convergence.NewCLBDescription("lb-1", 80, 1, convergence.ConditionEnabled, convergence.TypePrimary)
	require.NoError(t, err)
	n2 := convergence.CLBNode{ID: "n2", ServerRef: s2, Desc: clbDesc}

	desired := mustDesired(t, 1, nil, 60*time.Second)
	steps := Plan(desired, []convergence.NovaServer{s1, s2}, []convergence.LBNode{n2}, now)

	require.Len(t, steps, 2)
	cond, ok := steps[0].(convergence.ChangeNodeCondition)
	require.True(t, ok)
	assert.Equal(t, "n2", cond.NodeID)
	assert.Equal(t, convergence.ConditionDraining, cond.Condition)

	drain, ok := steps[1].(convergence.SetServerDraining)
	require.True(t, ok)
	assert.Equal(t, "s2", drain.ServerID)

	// Second cycle: s2 now reported DRAINING, n2 reports draining + done.
	draining := mustServer(t, "s2", convergence.StateDraining, now.Add(-time.Minute))
	drainingDesc, err := convergence.NewCLBDescription("lb-1", 80, 1, convergence.ConditionDraining, convergence.TypePrimary)
	require.NoError(t, err)
	n2Draining := convergence.CLBNode{ID: "n2", ServerRef: draining, Desc: drainingDesc, DrainStartsAt: now.Add(-61 * time.Second)}

	later := now.Add(2 * time.Minute)
	steps2 := Plan(desired, []convergence.NovaServer{s1, draining}, []convergence.LBNode{n2Draining}, later)

	require.Len(t, steps2, 2)
	remove, ok := steps2[0].(convergence.RemoveNodes)
	require.True(t, ok)
	assert.Equal(t, []string{"n2"}, remove.NodeIDs)
	del, ok := steps2[1].(convergence.DeleteServer)
	require.True(t, ok)
	assert.Equal(t, "s2", del.ServerID)
}

func TestPlan_Idempotence(t *testing.T) {
	now := time.Now()
	desired := mustDesired(t, 2, nil, 0)
	servers := []convergence.NovaServer{
		mustServer(t, "s1", convergence.StateActive, now),
		mustServer(t, "s2", convergence.StateActive, now),
	}

	steps := Plan(desired, servers, nil, now)
	assert.Empty(t, steps, "already-converged observation must produce no steps")
}

func TestPlan_DeterministicAcrossObservationShuffling(t *testing.T) {
	now := time.Now()
	desired := mustDesired(t, 3, nil, 0)
	servers := []convergence.NovaServer{
		mustServer(t, "s1", convergence.StateActive, now.Add(-3*time.Hour)),
		mustServer(t, "s2", convergence.StateActive, now.Add(-2*time.Hour)),
		mustServer(t, "s3", convergence.StateBuild, now.Add(-time.Hour)),
	}

	base := Plan(desired, servers, nil, now)

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 5; i++ {
		shuffled := append([]convergence.NovaServer(nil), servers...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Plan(desired, shuffled, nil, now)
		assert.Equal(t, base, got)
	}
}

func TestPlan_AddsMissingLBAttachment(t *testing.T) {
	now := time.Now()
	clbDesc, err := convergence.NewCLBDescription("lb-1", 80, 1, convergence.ConditionEnabled, convergence.TypePrimary)
	require.NoError(t, err)
	desired := mustDesired(t, 1, []convergence.LBDescription{clbDesc}, 0)
	servers := []convergence.NovaServer{mustServer(t, "s1", convergence.StateActive, now)}

	steps := Plan(desired, servers, nil, now)

	require.Len(t, steps, 1)
	add, ok := steps[0].(convergence.AddNodes)
	require.True(t, ok)
	require.Len(t, add.Targets, 1)
	assert.Equal(t, "s1", add.Targets[0].ServerID)
}

func TestPlan_RemovesStaleLBAttachment(t *testing.T) {
	now := time.Now()
	s1 := mustServer(t, "s1", convergence.StateActive, now)
	staleDesc, err := convergence.NewCLBDescription("lb-old", 80, 1, convergence.ConditionEnabled, convergence.TypePrimary)
	require.NoError(t, err)
	node := convergence.CLBNode{ID: "n1", ServerRef: s1, Desc: staleDesc}

	desired := mustDesired(t, 1, nil, 0)
	steps := Plan(desired, []convergence.NovaServer{s1}, []convergence.LBNode{node}, now)

	require.Len(t, steps, 1)
	remove, ok := steps[0].(convergence.RemoveNodes)
	require.True(t, ok)
	assert.Equal(t, []string{"n1"}, remove.NodeIDs)
}

func TestPlan_ErroredServersAlwaysRemoved(t *testing.T) {
	now := time.Now()
	desired := mustDesired(t, 1, nil, 0)
	servers := []convergence.NovaServer{
		mustServer(t, "s1", convergence.StateActive, now),
		mustServer(t, "s2", convergence.StateError, now),
	}

	steps := Plan(desired, servers, nil, now)

	require.Len(t, steps, 1)
	del, ok := steps[0].(convergence.DeleteServer)
	require.True(t, ok)
	assert.Equal(t, "s2", del.ServerID)
}
