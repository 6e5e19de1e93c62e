package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCooldownNotMet_CarriesDetails(t *testing.T) {
	err := CooldownNotMet("p1", "2s")

	assert.Equal(t, CodeCooldownNotMet, err.Code)
	assert.Equal(t, "p1", err.Details["policy_id"])
	assert.Contains(t, err.Error(), "POLICY_COOLDOWN_NOT_MET")
}

func TestIs_MatchesWrappedServiceError(t *testing.T) {
	base := NoSuchGroup("t1", "g1")
	wrapped := fmtErrorWrap(base)

	assert.True(t, Is(wrapped, CodeNoSuchGroup))
	assert.False(t, Is(wrapped, CodeGroupBusy))
}

func TestAsServiceError_ExtractsFromChain(t *testing.T) {
	base := StepRetryable("connection reset", errors.New("dial tcp: timeout"))
	wrapped := fmtErrorWrap(base)

	got, ok := AsServiceError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeStepRetryable, got.Code)
}

func fmtErrorWrap(err error) error {
	return &wrapper{err: err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
