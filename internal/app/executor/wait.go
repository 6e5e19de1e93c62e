package executor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ottercloud/autoscale-controlplane/internal/app/httpeffect"
)

// ErrServerErrored is returned by WaitForStatus when the compute API
// reports a server in ERROR while waiting for a different status.
var ErrServerErrored = fmt.Errorf("executor: server entered ERROR state")

// WaitForStatus polls GET /servers/{id} at pollInterval until the
// server's status matches expected, ERROR is observed (fatal,
// ErrServerErrored), or timeout elapses. The original implementation this
// is grounded on has no timeout (spec.md §9 "Open questions"); this one
// is mandatory, matching the spec's explicit redesign.
func (e *Executor) WaitForStatus(ctx context.Context, serverID, expected string, pollInterval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := e.getServerStatus(ctx, serverID)
		if err != nil {
			return err
		}
		if status == expected {
			return nil
		}
		if status == "ERROR" {
			return ErrServerErrored
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("executor: timed out waiting for server %s to reach %s (last seen %s)", serverID, expected, status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) getServerStatus(ctx context.Context, serverID string) (string, error) {
	call := httpeffect.AddErrorHandling(http.StatusOK, http.StatusNonAuthoritativeInfo)(e.Compute)
	resp, err := call(ctx, httpeffect.Request{Method: http.MethodGet, URL: "/servers/" + serverID})
	if err != nil {
		return "", err
	}
	parsed, ok := resp.Parsed.(gjson.Result)
	if !ok {
		parsed = gjson.ParseBytes(resp.Body)
	}
	return parsed.Get("server.status").String(), nil
}
