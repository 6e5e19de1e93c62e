package httpeffect

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func fakeBase(status int, body string) RequestFunc {
	return func(ctx context.Context, req Request) (*Response, error) {
		return &Response{StatusCode: status, Header: http.Header{}, Body: []byte(body)}, nil
	}
}

func TestBindRootJoinsExactlyOneSlash(t *testing.T) {
	var captured Request
	base := func(ctx context.Context, req Request) (*Response, error) {
		captured = req
		return &Response{StatusCode: 200}, nil
	}
	exec := Compose(base, BindRoot("https://compute.example.com/v2/"))
	_, err := exec(context.Background(), Request{Method: "GET", URL: "/servers"})
	require.NoError(t, err)
	assert.Equal(t, "https://compute.example.com/v2/servers", captured.URL)
}

func TestBindRootLeavesAbsoluteURLAlone(t *testing.T) {
	var captured Request
	base := func(ctx context.Context, req Request) (*Response, error) {
		captured = req
		return &Response{StatusCode: 200}, nil
	}
	exec := Compose(base, BindRoot("https://compute.example.com"))
	_, err := exec(context.Background(), Request{Method: "GET", URL: "https://other.example.com/x"})
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/x", captured.URL)
}

func TestAddHeadersFixedWinsOverCaller(t *testing.T) {
	var captured Request
	base := func(ctx context.Context, req Request) (*Response, error) {
		captured = req
		return &Response{StatusCode: 200}, nil
	}
	exec := Compose(base, AddHeaders(map[string]string{"X-Region": "IAD"}))
	h := http.Header{}
	h.Set("X-Region", "ORD")
	_, err := exec(context.Background(), Request{Headers: h})
	require.NoError(t, err)
	assert.Equal(t, "IAD", captured.Headers.Get("X-Region"))
}

func TestAddEffectfulHeadersComputedWins(t *testing.T) {
	var captured Request
	base := func(ctx context.Context, req Request) (*Response, error) {
		captured = req
		return &Response{StatusCode: 200}, nil
	}
	compute := func(ctx context.Context) (map[string]string, error) {
		return map[string]string{"X-Auth-Token": "fresh"}, nil
	}
	exec := Compose(base, AddEffectfulHeaders(compute))
	h := http.Header{}
	h.Set("X-Auth-Token", "stale")
	_, err := exec(context.Background(), Request{Headers: h})
	require.NoError(t, err)
	assert.Equal(t, "fresh", captured.Headers.Get("X-Auth-Token"))
}

func TestAddJSONRequestDataEncodesBody(t *testing.T) {
	var captured Request
	base := func(ctx context.Context, req Request) (*Response, error) {
		captured = req
		return &Response{StatusCode: 200}, nil
	}
	exec := Compose(base, AddJSONRequestData())
	_, err := exec(context.Background(), Request{JSONBody: map[string]int{"count": 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2}`, string(captured.Body))
	assert.Equal(t, "application/json", captured.Headers.Get("Content-Type"))
}

func TestAddErrorHandlingFailsOutsideSuccessSet(t *testing.T) {
	exec := Compose(fakeBase(500, `{"error":"boom"}`), AddErrorHandling(200, 202))
	_, err := exec(context.Background(), Request{})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.StatusCode)
}

func TestAddErrorHandlingPassesSuccessCodes(t *testing.T) {
	exec := Compose(fakeBase(202, `{}`), AddErrorHandling(200, 202))
	resp, err := exec(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
}

// TestCanonicalOrderRequiresJSONResponseBeforeErrorHandling documents
// spec.md §8's middleware-commutativity exception: AddJSONResponse must
// run on a response regardless of status so later error-handling can
// still see Parsed; reversing the order would skip parsing non-success
// bodies entirely. The canonical order composes AddJSONResponse closer to
// the base than AddErrorHandling, i.e. AddErrorHandling listed first.
func TestCanonicalOrderRequiresJSONResponseBeforeErrorHandling(t *testing.T) {
	exec := Compose(fakeBase(500, `{"fault":"overLimit"}`), AddErrorHandling(200), AddJSONResponse())
	resp, err := exec(context.Background(), Request{})
	require.Error(t, err)
	require.NotNil(t, resp)
	parsed, ok := resp.Parsed.(gjson.Result)
	require.True(t, ok)
	assert.Equal(t, "overLimit", parsed.Get("fault").String())
}

func TestAddEffectOnResponseRunsOnlyOnMatchingCodeAndPropagatesResponse(t *testing.T) {
	var fired bool
	exec := Compose(fakeBase(401, `{}`), AddEffectOnResponse([]int{401}, func(ctx context.Context) { fired = true }))
	resp, err := exec(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, 401, resp.StatusCode)

	fired = false
	exec2 := Compose(fakeBase(200, `{}`), AddEffectOnResponse([]int{401}, func(ctx context.Context) { fired = true }))
	_, err = exec2(context.Background(), Request{})
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestContentOnlyDropsStatusAndHeaders(t *testing.T) {
	exec := Compose(fakeBase(200, `hello`))
	body, err := ContentOnly(exec)(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}
