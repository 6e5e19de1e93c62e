// Package apperrors provides the control plane's structured error
// taxonomy: a typed ServiceError carrying a stable code, an HTTP-equivalent
// status for logging/metrics, and an optional wrapped cause.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a distinct error condition.
type Code string

const (
	// CodeCooldownNotMet is the policy-level rejection when a policy or
	// group cooldown has not yet elapsed.
	CodeCooldownNotMet Code = "POLICY_COOLDOWN_NOT_MET"

	// CodeNoSuchGroup is surfaced when a store lookup finds no scaling
	// group for the given tenant/group identifier.
	CodeNoSuchGroup Code = "GROUP_NOT_FOUND"

	// CodeNoSuchPolicy is surfaced when a store lookup finds no policy
	// for the given identifier.
	CodeNoSuchPolicy Code = "POLICY_NOT_FOUND"

	// CodeGroupBusy is returned when a convergence cycle cannot acquire
	// the per-group lock because another cycle is already in flight.
	CodeGroupBusy Code = "GROUP_BUSY"

	// CodeStepRetryable marks a step failure the executor should retry:
	// network timeout, 5xx, 429, or an LB "pending update" response.
	CodeStepRetryable Code = "STEP_RETRYABLE"

	// CodeStepFatal marks a step failure that must not be retried, e.g.
	// the compute API reported ERROR for a server under creation.
	CodeStepFatal Code = "STEP_FATAL"

	// CodeInvariantViolation marks a detected violation of a data-model
	// invariant (e.g. desired outside [min, max]) found during planning.
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"

	// CodeMalformedPolicyBody is a policy-level rejection for a webhook
	// or API body that does not parse, or fails signature verification.
	CodeMalformedPolicyBody Code = "POLICY_MALFORMED_BODY"

	// CodeCoordinationLost marks the scheduler's coordination-service
	// session being lost mid-cycle.
	CodeCoordinationLost Code = "COORDINATION_SESSION_LOST"

	// CodeStoreCASFailure marks an optimistic-concurrency failure on a
	// store write (lost the race on a generation counter).
	CodeStoreCASFailure Code = "STORE_CAS_FAILURE"

	CodeInternal Code = "INTERNAL"
)

// ServiceError is a structured error carrying a stable code and an
// HTTP-equivalent status, used uniformly for logging, metrics labels, and
// any operator-facing surface.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches structured context and returns the same error for
// chaining at the construction site.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs a ServiceError without a wrapped cause.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap constructs a ServiceError around an existing error.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// CooldownNotMet is the well-defined, non-failure outcome of a policy fire
// rejected because its cooldown (or the group's) has not elapsed.
func CooldownNotMet(policyID string, remaining string) *ServiceError {
	return New(CodeCooldownNotMet, "cooldown not met", http.StatusForbidden).
		WithDetails("policy_id", policyID).
		WithDetails("remaining", remaining)
}

// NoSuchGroup is returned by the store when a group lookup fails.
func NoSuchGroup(tenantID, groupID string) *ServiceError {
	return New(CodeNoSuchGroup, "scaling group not found", http.StatusNotFound).
		WithDetails("tenant_id", tenantID).
		WithDetails("group_id", groupID)
}

// NoSuchPolicy is returned by the store when a policy lookup fails.
func NoSuchPolicy(policyID string) *ServiceError {
	return New(CodeNoSuchPolicy, "policy not found", http.StatusNotFound).
		WithDetails("policy_id", policyID)
}

// GroupBusy is returned when the per-group convergence lock is held.
func GroupBusy(groupID string) *ServiceError {
	return New(CodeGroupBusy, "group has a convergence cycle already in flight", http.StatusConflict).
		WithDetails("group_id", groupID)
}

// StepRetryable wraps a transient step failure.
func StepRetryable(reason string, err error) *ServiceError {
	return Wrap(CodeStepRetryable, reason, http.StatusServiceUnavailable, err)
}

// StepFatal wraps a non-retryable step failure.
func StepFatal(reason string, err error) *ServiceError {
	return Wrap(CodeStepFatal, reason, http.StatusBadGateway, err)
}

// InvariantViolation marks a detected data-model invariant breach.
func InvariantViolation(message string) *ServiceError {
	return New(CodeInvariantViolation, message, http.StatusInternalServerError)
}

// MalformedPolicyBody marks a policy body that failed to parse or verify.
func MalformedPolicyBody(reason string) *ServiceError {
	return New(CodeMalformedPolicyBody, reason, http.StatusBadRequest)
}

// CoordinationSessionLost marks the scheduler losing its coordination
// session mid-cycle.
func CoordinationSessionLost(err error) *ServiceError {
	return Wrap(CodeCoordinationLost, "coordination session lost", http.StatusInternalServerError, err)
}

// StoreCASFailure marks an optimistic-concurrency failure on a store write.
func StoreCASFailure(resource string) *ServiceError {
	return New(CodeStoreCASFailure, "store compare-and-swap failed", http.StatusConflict).
		WithDetails("resource", resource)
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// Is reports whether err is (or wraps) a ServiceError with the given code.
func Is(err error, code Code) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code == code
	}
	return false
}

// AsServiceError extracts a *ServiceError from an error chain, if present.
func AsServiceError(err error) (*ServiceError, bool) {
	var svcErr *ServiceError
	ok := errors.As(err, &svcErr)
	return svcErr, ok
}
