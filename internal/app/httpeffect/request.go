// Package httpeffect represents an HTTP call as a data value instead of a
// direct call. A Request stays inert until something executes it, which
// lets the step executor (and anything upstream of it) build and inspect
// calls without ever touching the network. Composable middleware adds
// auth, base-URL binding, JSON coding, and status checking around a plain
// RequestFunc; see middleware.go.
package httpeffect

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Request is an HTTP call described as a value. JSONBody, when non-nil, is
// serialized into Body by AddJSONRequestData; callers that already have
// raw bytes can set Body directly and skip that middleware.
type Request struct {
	Method   string
	URL      string
	Headers  http.Header
	JSONBody interface{}
	Body     []byte
	Log      bool
}

// Response is the result of executing a Request. Parsed is populated by
// AddJSONResponse and is nil otherwise.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Parsed     interface{}
}

// RequestFunc executes a Request and returns its Response. Middleware is a
// function from RequestFunc to RequestFunc; composing them in order
// builds the full effect pipeline (see Compose).
type RequestFunc func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps a RequestFunc with additional pre- or post-processing.
type Middleware func(next RequestFunc) RequestFunc

// Compose builds the full pipeline: base performs the actual call, and
// middlewares apply in the given order, outermost first. Order matters —
// e.g. error-handling must wrap (run after, in terms of call order) the
// steps that need the checked status, so it is listed before them.
func Compose(base RequestFunc, middlewares ...Middleware) RequestFunc {
	exec := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		exec = middlewares[i](exec)
	}
	return exec
}

// NewHTTPExec returns the base RequestFunc that performs the call against
// the real network using client. Every middleware ultimately wraps this.
func NewHTTPExec(client *http.Client) RequestFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, req Request) (*Response, error) {
		var bodyReader io.Reader
		if req.Body != nil {
			bodyReader = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
		if err != nil {
			return nil, err
		}
		if req.Headers != nil {
			httpReq.Header = req.Headers.Clone()
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}
}

// ContentOnly calls exec and discards everything but the response body,
// for callers that only care about content (spec's add_content_only).
func ContentOnly(exec RequestFunc) func(ctx context.Context, req Request) ([]byte, error) {
	return func(ctx context.Context, req Request) ([]byte, error) {
		resp, err := exec(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
}
