// Package executor implements the step executor (C5): it runs a
// planner-produced step list against the compute/CLB/RCv3 cloud APIs
// through composed HTTP effects (internal/app/httpeffect), honoring the
// concurrency policy in spec.md §4.4 — steps against the same load
// balancer serialize in batch order, everything else runs concurrently —
// and classifies every step outcome into Success, RetryableFailure, or
// FatalFailure.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ottercloud/autoscale-controlplane/internal/app/domain/convergence"
	"github.com/ottercloud/autoscale-controlplane/internal/app/httpeffect"
	"github.com/ottercloud/autoscale-controlplane/internal/metrics"
	"github.com/ottercloud/autoscale-controlplane/internal/resilience"
	"github.com/ottercloud/autoscale-controlplane/pkg/logger"
)

// Outcome classifies how a step finished.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of executing a single step.
type Result struct {
	Step    convergence.Step
	Outcome Outcome
	Err     error
}

// Executor runs planner steps against the cloud APIs. Compute, CLB, and
// RCv3 are RequestFuncs already composed up through auth headers and
// response parsing (internal/app/httpeffect); Executor applies
// AddErrorHandling per call site since each operation has its own
// success-code set.
type Executor struct {
	Compute httpeffect.RequestFunc
	CLB     httpeffect.RequestFunc
	RCv3    httpeffect.RequestFunc

	Retry resilience.RetryConfig

	// ComputeBreaker, CLBBreaker, and RCv3Breaker trip per backend when
	// that backend starts failing steadily, so a flapping CLB (say)
	// fails dispatch fast instead of burning a step's whole retry
	// budget on a backend already known to be down.
	ComputeBreaker *resilience.CircuitBreaker
	CLBBreaker     *resilience.CircuitBreaker
	RCv3Breaker    *resilience.CircuitBreaker

	// StepDeadline bounds a single step's total time, including retries.
	StepDeadline time.Duration

	Log *logger.Logger
}

// New constructs an Executor with sane defaults for retry, circuit
// breaking, and deadline.
func New(compute, clb, rcv3 httpeffect.RequestFunc, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Executor{
		Compute:        compute,
		CLB:            clb,
		RCv3:           rcv3,
		Retry:          resilience.DefaultRetryConfig(),
		ComputeBreaker: resilience.New(resilience.DefaultConfig()),
		CLBBreaker:     resilience.New(resilience.DefaultConfig()),
		RCv3Breaker:    resilience.New(resilience.DefaultConfig()),
		StepDeadline:   30 * time.Second,
		Log:            log,
	}
}

// Execute runs every step in steps, respecting the per-LB serialization
// policy: steps sharing an LB/pool identity run in the order given,
// sequentially; steps touching disjoint resources run concurrently.
// Results preserve the input order.
func (e *Executor) Execute(ctx context.Context, steps []convergence.Step) []Result {
	results := make([]Result, len(steps))

	type chain struct {
		indices []int
	}
	chains := map[string]*chain{}
	var chainOrder []string
	var independent []int

	for i, s := range steps {
		key := resourceKey(s)
		if key == "" {
			independent = append(independent, i)
			continue
		}
		c, ok := chains[key]
		if !ok {
			c = &chain{}
			chains[key] = c
			chainOrder = append(chainOrder, key)
		}
		c.indices = append(c.indices, i)
	}

	var wg sync.WaitGroup

	for _, idx := range independent {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = e.runStep(ctx, steps[idx])
		}(idx)
	}

	for _, key := range chainOrder {
		indices := chains[key].indices
		wg.Add(1)
		go func(indices []int) {
			defer wg.Done()
			for _, idx := range indices {
				results[idx] = e.runStep(ctx, steps[idx])
			}
		}(indices)
	}

	wg.Wait()
	return results
}

// resourceKey identifies the LB/pool a step mutates, for serialization.
// Steps with no LB/pool identity (CreateServer, DeleteServer,
// SetServerDraining) return "" and run fully concurrently.
func resourceKey(s convergence.Step) string {
	switch v := s.(type) {
	case convergence.AddNodes:
		return "clb:" + v.LB.EquivalenceKey()
	case convergence.RemoveNodes:
		return "clb:" + v.LB.EquivalenceKey()
	case convergence.ChangeNodeCondition:
		return "clb:" + v.LB.EquivalenceKey()
	case convergence.BulkAddToRCv3:
		return "rcv3:" + v.PoolID
	case convergence.BulkRemoveFromRCv3:
		return "rcv3:" + v.PoolID
	default:
		return ""
	}
}

// breakerFor returns the circuit breaker guarding the backend a step's
// dispatch call will hit, or nil for steps that never reach the network
// (SetServerDraining is pure bookkeeping).
func (e *Executor) breakerFor(s convergence.Step) *resilience.CircuitBreaker {
	switch s.(type) {
	case convergence.CreateServer, convergence.DeleteServer:
		return e.ComputeBreaker
	case convergence.AddNodes, convergence.RemoveNodes, convergence.ChangeNodeCondition:
		return e.CLBBreaker
	case convergence.BulkAddToRCv3, convergence.BulkRemoveFromRCv3:
		return e.RCv3Breaker
	default:
		return nil
	}
}

func (e *Executor) runStep(ctx context.Context, step convergence.Step) Result {
	stepCtx, cancel := context.WithTimeout(ctx, e.StepDeadline)
	defer cancel()

	breaker := e.breakerFor(step)

	var lastErr error
	attemptErr := resilience.Retry(stepCtx, e.Retry, func() error {
		var err error
		if breaker != nil {
			err = breaker.Execute(stepCtx, func() error { return e.dispatch(stepCtx, step) })
		} else {
			err = e.dispatch(stepCtx, step)
		}
		lastErr = err
		if err != nil && !isRetryable(err) {
			// Fatal: stop retrying immediately by reporting success to
			// the retry loop and letting the outer classification below
			// report the real (fatal) outcome from lastErr.
			return nil
		}
		return err
	})

	outcome := Success
	reportErr := lastErr
	if attemptErr != nil {
		// Retry budget exhausted on a retryable error.
		outcome = RetryableFailure
		reportErr = attemptErr
	} else if lastErr != nil {
		outcome = FatalFailure
		reportErr = lastErr
	}

	metrics.StepOutcomes.WithLabelValues(stepKind(step), outcome.String()).Inc()
	if outcome != Success {
		e.Log.WithField("step", stepKind(step)).WithField("outcome", outcome.String()).WithError(reportErr).Warn("step did not succeed")
	}
	return Result{Step: step, Outcome: outcome, Err: reportErr}
}

func stepKind(s convergence.Step) string {
	switch s.(type) {
	case convergence.CreateServer:
		return "create_server"
	case convergence.DeleteServer:
		return "delete_server"
	case convergence.SetServerDraining:
		return "set_server_draining"
	case convergence.AddNodes:
		return "add_nodes"
	case convergence.RemoveNodes:
		return "remove_nodes"
	case convergence.ChangeNodeCondition:
		return "change_node_condition"
	case convergence.BulkAddToRCv3:
		return "bulk_add_rcv3"
	case convergence.BulkRemoveFromRCv3:
		return "bulk_remove_rcv3"
	default:
		return "unknown"
	}
}

// dispatch performs one attempt of a single step's cloud API call(s).
// SetServerDraining is pure bookkeeping: it marks CLB nodes DRAINING via
// a separate ChangeNodeCondition step emitted by the planner, so it never
// itself reaches the network; the controller (C6) records it into
// GroupState.
func (e *Executor) dispatch(ctx context.Context, step convergence.Step) error {
	switch s := step.(type) {
	case convergence.CreateServer:
		call := httpeffect.AddErrorHandling(http.StatusCreated, http.StatusAccepted)(e.Compute)
		_, err := call(ctx, httpeffect.Request{Method: http.MethodPost, URL: "/servers", JSONBody: map[string]interface{}{"server": s.LaunchConfig}})
		return err

	case convergence.DeleteServer:
		call := httpeffect.AddErrorHandling(http.StatusNoContent, http.StatusNotFound)(e.Compute)
		_, err := call(ctx, httpeffect.Request{Method: http.MethodDelete, URL: "/servers/" + s.ServerID})
		return err

	case convergence.SetServerDraining:
		return nil

	case convergence.AddNodes:
		nodes := make([]map[string]interface{}, 0, len(s.Targets))
		for _, t := range s.Targets {
			nodes = append(nodes, map[string]interface{}{
				"address":   t.Address,
				"port":      s.LB.Port,
				"condition": string(s.LB.Condition),
				"weight":    s.LB.Weight,
				"type":      string(s.LB.Type),
			})
		}
		call := httpeffect.AddErrorHandling(http.StatusOK, http.StatusAccepted)(e.CLB)
		_, err := call(ctx, httpeffect.Request{
			Method:   http.MethodPost,
			URL:      fmt.Sprintf("/loadbalancers/%s/nodes", s.LB.LBID),
			JSONBody: map[string]interface{}{"nodes": nodes},
		})
		return err

	case convergence.RemoveNodes:
		var lastErr error
		for _, nodeID := range s.NodeIDs {
			call := httpeffect.AddErrorHandling(http.StatusAccepted, http.StatusNotFound)(e.CLB)
			_, err := call(ctx, httpeffect.Request{
				Method: http.MethodDelete,
				URL:    fmt.Sprintf("/loadbalancers/%s/nodes/%s", s.LB.LBID, nodeID),
			})
			if err != nil {
				lastErr = err
			}
		}
		return lastErr

	case convergence.ChangeNodeCondition:
		call := httpeffect.AddErrorHandling(http.StatusAccepted)(e.CLB)
		_, err := call(ctx, httpeffect.Request{
			Method: http.MethodPut,
			URL:    fmt.Sprintf("/loadbalancers/%s/nodes/%s", s.LB.LBID, s.NodeID),
			JSONBody: map[string]interface{}{
				"node": map[string]interface{}{"condition": string(s.Condition)},
			},
		})
		return err

	case convergence.BulkAddToRCv3:
		call := httpeffect.AddErrorHandling(http.StatusCreated)(e.RCv3)
		_, err := call(ctx, httpeffect.Request{
			Method:   http.MethodPost,
			URL:      fmt.Sprintf("/load_balancer_pools/%s/nodes", s.PoolID),
			JSONBody: rcv3NodeList(s.ServerIDs),
		})
		return err

	case convergence.BulkRemoveFromRCv3:
		call := httpeffect.AddErrorHandling(http.StatusNoContent)(e.RCv3)
		_, err := call(ctx, httpeffect.Request{
			Method:   http.MethodDelete,
			URL:      fmt.Sprintf("/load_balancer_pools/%s/nodes", s.PoolID),
			JSONBody: rcv3NodeList(s.ServerIDs),
		})
		return err

	default:
		return fmt.Errorf("executor: unknown step type %T", step)
	}
}

func rcv3NodeList(serverIDs []string) []map[string]string {
	out := make([]map[string]string, 0, len(serverIDs))
	for _, id := range serverIDs {
		out = append(out, map[string]string{"cloud_server": id})
	}
	return out
}

// isRetryable classifies an error per spec.md §7: network errors, 429,
// 5xx, and an LB "pending update" response are retried; anything else is
// fatal.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	apiErr, ok := err.(*httpeffect.APIError)
	if !ok {
		// Connection-level errors (timeouts, DNS, reset) are always
		// retryable.
		return true
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if apiErr.StatusCode >= 500 {
		return true
	}
	if apiErr.StatusCode == http.StatusUnprocessableEntity && isPendingUpdate(apiErr.Body) {
		return true
	}
	return false
}

func isPendingUpdate(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	parsed := gjson.ParseBytes(body)
	msg := parsed.Get("loadBalancer.message").String() + parsed.Get("message").String()
	return containsFold(msg, "PENDING_UPDATE")
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	h, n := []rune(haystack), []rune(needle)
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if toLower(h[i+j]) != toLower(n[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

