package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wmag/pkg/kernelerrors"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

func TestRouterDispatchesByKind(t *testing.T) {
	stub := NewStub().Register("echo", func(args map[string]any) (map[string]any, error) {
		return map[string]any{"echo": args["x"]}, nil
	})
	router := NewRouter("stub").Register("stub", stub)

	out, err := router.Invoke(context.Background(),
		registry.Tool{ToolID: "echo"}, registry.Action{ActionID: "a"}, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out["echo"])

	_, err = router.Invoke(context.Background(),
		registry.Tool{ToolID: "t", Kind: "grpc"}, registry.Action{}, nil)
	se := kernelerrors.AsStepError(err)
	require.NotNil(t, se)
	assert.Equal(t, kernelerrors.ClassInvalidInput, se.Class)
}

func TestStubDemoHandlers(t *testing.T) {
	stub := NewDemoStub()

	out, err := stub.Invoke(context.Background(),
		registry.Tool{ToolID: "crm.get_customer"}, registry.Action{}, map[string]any{"customer_id": "cust_123"})
	require.NoError(t, err)
	assert.Equal(t, "cust_123", out["id"])
	assert.Equal(t, "nina@example.com", out["email"])

	out, err = stub.Invoke(context.Background(),
		registry.Tool{ToolID: "ticket.create"}, registry.Action{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "tkt_5001", out["ticket_id"])

	_, err = stub.Invoke(context.Background(),
		registry.Tool{ToolID: "no.such.tool"}, registry.Action{ActionID: "nope"}, nil)
	se := kernelerrors.AsStepError(err)
	require.NotNil(t, se)
	assert.Equal(t, kernelerrors.ClassNotFound, se.Class)
}

func TestStubFallsBackToActionID(t *testing.T) {
	stub := NewStub().Register("act_special", func(map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	out, err := stub.Invoke(context.Background(),
		registry.Tool{ToolID: "unknown"}, registry.Action{ActionID: "act_special"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func httpTool() registry.Tool {
	return registry.Tool{ToolID: "cal", Kind: "http", Endpoint: "calendar/get_events"}
}

func TestHTTPRunnerCall(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"events": []any{"standup"}}})
	}))
	defer ts.Close()

	runner := NewHTTPRunner([]Server{{ID: "calendar", BaseURL: ts.URL}}, ts.Client())
	out, err := runner.Invoke(context.Background(), httpTool(), registry.Action{}, map[string]any{"day": "mon"})
	require.NoError(t, err)
	assert.Equal(t, []any{"standup"}, out["events"])
	assert.Equal(t, "get_events", gotBody["tool"])
	assert.Equal(t, map[string]any{"day": "mon"}, gotBody["args"])
}

func TestHTTPRunnerDirectResult(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "sent"})
	}))
	defer ts.Close()

	runner := NewHTTPRunner([]Server{{ID: "calendar", BaseURL: ts.URL}}, ts.Client())
	out, err := runner.Invoke(context.Background(), httpTool(), registry.Action{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sent", out["status"])
}

func TestHTTPRunnerClassifiesStatus(t *testing.T) {
	cases := []struct {
		status     int
		retryAfter string
		want       kernelerrors.Class
	}{
		{http.StatusTooManyRequests, "7", kernelerrors.ClassRateLimited},
		{http.StatusUnauthorized, "", kernelerrors.ClassAuth},
		{http.StatusForbidden, "", kernelerrors.ClassAuth},
		{http.StatusNotFound, "", kernelerrors.ClassNotFound},
		{http.StatusConflict, "", kernelerrors.ClassConflict},
		{http.StatusBadGateway, "", kernelerrors.ClassTransientNetwork},
		{http.StatusBadRequest, "", kernelerrors.ClassInvalidInput},
	}
	for _, tc := range cases {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.retryAfter != "" {
				w.Header().Set("Retry-After", tc.retryAfter)
			}
			w.WriteHeader(tc.status)
		}))
		runner := NewHTTPRunner([]Server{{ID: "calendar", BaseURL: ts.URL}}, ts.Client())
		_, err := runner.Invoke(context.Background(), httpTool(), registry.Action{}, nil)
		ts.Close()

		se := kernelerrors.AsStepError(err)
		require.NotNil(t, se, "status %d", tc.status)
		assert.Equal(t, tc.want, se.Class, "status %d", tc.status)
		if tc.retryAfter != "" {
			assert.Equal(t, 7*time.Second, se.RetryAfter)
		}
	}
}

func TestHTTPRunnerUnknownServer(t *testing.T) {
	runner := NewHTTPRunner(nil, nil)
	_, err := runner.Invoke(context.Background(), httpTool(), registry.Action{}, nil)
	se := kernelerrors.AsStepError(err)
	require.NotNil(t, se)
	assert.Equal(t, kernelerrors.ClassInvalidInput, se.Class)
}

func TestHTTPRunnerRateLimitWaits(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
	}))
	defer ts.Close()

	runner := NewHTTPRunner([]Server{{ID: "calendar", BaseURL: ts.URL, RPS: 50}}, ts.Client())
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := runner.Invoke(context.Background(), httpTool(), registry.Action{}, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	// Burst 1 at 50 rps means the second and third calls wait ~20ms each.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
