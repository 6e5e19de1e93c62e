package policyeval

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/ottercloud/autoscale-controlplane/internal/apperrors"
)

// SignatureHeader is the HTTP header carrying a webhook's HMAC-SHA256
// signature over the raw request body.
const SignatureHeader = "X-Policy-Signature"

// VerifyWebhookSignature checks that signatureHex is the hex-encoded
// HMAC-SHA256 of body under secret. Uses hmac.Equal for a
// constant-time comparison, matching infrastructure/crypto's own
// stdlib-HMAC precedent rather than reaching for a third-party MAC
// library.
func VerifyWebhookSignature(secret, body []byte, signatureHex string) error {
	if signatureHex == "" {
		return apperrors.MalformedPolicyBody("webhook request is missing " + SignatureHeader)
	}
	given, err := hex.DecodeString(signatureHex)
	if err != nil {
		return apperrors.MalformedPolicyBody("webhook signature is not valid hex")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := mac.Sum(nil)
	if !hmac.Equal(given, want) {
		return apperrors.MalformedPolicyBody("webhook signature does not match")
	}
	return nil
}

// FireWebhook verifies a webhook-triggered fire's signature before
// delegating to Fire. The body's content is not otherwise inspected:
// a webhook trigger fires the policy's already-stored change spec, it
// does not carry a new one (matching the capability-URL webhook design
// this is grounded on — the body only needs to be covered by the
// signature).
func (e *Evaluator) FireWebhook(ctx context.Context, tenantID, groupID, policyID string, secret, body []byte, signatureHex string) (FireResult, error) {
	if err := VerifyWebhookSignature(secret, body, signatureHex); err != nil {
		return FireResult{}, err
	}
	return e.Fire(ctx, tenantID, groupID, policyID)
}
