package httpeffect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// APIError is returned by AddErrorHandling when a response's status code
// is outside the caller's declared success set. The executor (C5)
// classifies it by status code (isRetryable) into its RetryableFailure or
// FatalFailure outcome.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("httpeffect: unexpected status %d: %s", e.StatusCode, truncate(e.Body, 256))
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// BindRoot prefixes any relative URL with baseURL, joining with exactly
// one slash.
func BindRoot(baseURL string) Middleware {
	base := strings.TrimRight(baseURL, "/")
	return func(next RequestFunc) RequestFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
				req.URL = base + "/" + strings.TrimLeft(req.URL, "/")
			}
			return next(ctx, req)
		}
	}
}

// AddHeaders merges a fixed set of headers into every request. Fixed
// values override whatever the caller already set.
func AddHeaders(fixed map[string]string) Middleware {
	return func(next RequestFunc) RequestFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			req.Headers = mergeHeaders(req.Headers, fixed)
			return next(ctx, req)
		}
	}
}

// AddEffectfulHeaders computes headers asynchronously (typically an auth
// token) and merges them in, with the computed values winning over
// anything the caller set. Used to attach x-auth-token from the process
// auth-token cache.
func AddEffectfulHeaders(compute func(ctx context.Context) (map[string]string, error)) Middleware {
	return func(next RequestFunc) RequestFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			computed, err := compute(ctx)
			if err != nil {
				return nil, fmt.Errorf("httpeffect: compute effectful headers: %w", err)
			}
			req.Headers = mergeHeaders(req.Headers, computed)
			return next(ctx, req)
		}
	}
}

func mergeHeaders(existing http.Header, overrides map[string]string) http.Header {
	out := existing.Clone()
	if out == nil {
		out = make(http.Header, len(overrides))
	}
	for k, v := range overrides {
		out.Set(k, v)
	}
	return out
}

// AddJSONRequestData serializes req.JSONBody into req.Body and sets the
// Content-Type header, when JSONBody is non-nil and Body is not already
// populated.
func AddJSONRequestData() Middleware {
	return func(next RequestFunc) RequestFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			if req.JSONBody != nil && req.Body == nil {
				data, err := json.Marshal(req.JSONBody)
				if err != nil {
					return nil, fmt.Errorf("httpeffect: encode json request body: %w", err)
				}
				req.Body = data
				req.Headers = mergeHeaders(req.Headers, map[string]string{"Content-Type": "application/json"})
			}
			return next(ctx, req)
		}
	}
}

// AddJSONResponse parses the response body as JSON and stashes the
// result as a gjson.Result on Response.Parsed, leaving the raw bytes in
// Body untouched. Using gjson rather than a typed unmarshal keeps this
// layer agnostic to any particular cloud API's response shape; callers
// pull out the fields they need by path.
func AddJSONResponse() Middleware {
	return func(next RequestFunc) RequestFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			resp, err := next(ctx, req)
			if err != nil {
				return resp, err
			}
			if len(resp.Body) > 0 {
				resp.Parsed = gjson.ParseBytes(resp.Body)
			}
			return resp, nil
		}
	}
}

// AddErrorHandling fails with an *APIError when the response status code
// is not in successCodes. Must be composed so it observes the status
// produced further down the chain — i.e. listed before (outside)
// AddJSONResponse, as the cloud call sites do; the two do not commute.
func AddErrorHandling(successCodes ...int) Middleware {
	allowed := make(map[int]struct{}, len(successCodes))
	for _, c := range successCodes {
		allowed[c] = struct{}{}
	}
	return func(next RequestFunc) RequestFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			resp, err := next(ctx, req)
			if err != nil {
				return resp, err
			}
			if _, ok := allowed[resp.StatusCode]; !ok {
				return resp, &APIError{StatusCode: resp.StatusCode, Body: resp.Body}
			}
			return resp, nil
		}
	}
}

// AddEffectOnResponse runs sideEffect when the response status code is in
// codes (e.g. invalidating a cached auth token on 401), then propagates
// the response unchanged. sideEffect errors are swallowed: the side
// effect is best-effort and must never mask the real response.
func AddEffectOnResponse(codes []int, sideEffect func(ctx context.Context)) Middleware {
	match := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		match[c] = struct{}{}
	}
	return func(next RequestFunc) RequestFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			resp, err := next(ctx, req)
			if resp != nil {
				if _, ok := match[resp.StatusCode]; ok {
					sideEffect(ctx)
				}
			}
			return resp, err
		}
	}
}
