package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/wmag/pkg/kernelerrors"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// Server describes one HTTP tool server. Wire convention:
// POST {base_url}/call with {"tool": name, "args": {...}}, response
// either {"ok": true, "result": {...}} or the result object directly.
type Server struct {
	ID       string  `json:"id"`
	BaseURL  string  `json:"base_url"`
	TimeoutS float64 `json:"timeout_s,omitempty"`
	// RPS caps outbound calls to this server; zero means unlimited.
	RPS   float64 `json:"rps,omitempty"`
	Burst int     `json:"burst,omitempty"`
}

// HTTPRunner invokes tools on configured servers. Endpoints in the
// registry are "<server_id>/<tool_name>".
type HTTPRunner struct {
	servers map[string]Server
	client  *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPRunner builds a runner over the given servers.
func NewHTTPRunner(servers []Server, client *http.Client) *HTTPRunner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	r := &HTTPRunner{
		servers:  map[string]Server{},
		client:   client,
		limiters: map[string]*rate.Limiter{},
	}
	for _, s := range servers {
		r.servers[s.ID] = s
	}
	return r
}

// HTTPRunnerFromEnv reads TOOL_SERVERS, a JSON array of Server objects.
func HTTPRunnerFromEnv() (*HTTPRunner, error) {
	raw := os.Getenv("TOOL_SERVERS")
	if raw == "" {
		raw = "[]"
	}
	var servers []Server
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, fmt.Errorf("tools: parsing TOOL_SERVERS: %w", err)
	}
	return NewHTTPRunner(servers, nil), nil
}

func (r *HTTPRunner) limiter(s Server) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[s.ID]
	if !ok {
		if s.RPS <= 0 {
			lim = rate.NewLimiter(rate.Inf, 1)
		} else {
			burst := s.Burst
			if burst < 1 {
				burst = 1
			}
			lim = rate.NewLimiter(rate.Limit(s.RPS), burst)
		}
		r.limiters[s.ID] = lim
	}
	return lim
}

// Invoke posts the call to the tool's server and classifies failures.
func (r *HTTPRunner) Invoke(ctx context.Context, tool registry.Tool, action registry.Action, args map[string]any) (map[string]any, error) {
	serverID, toolName, ok := strings.Cut(tool.Endpoint, "/")
	if !ok || serverID == "" || toolName == "" {
		return nil, kernelerrors.New(kernelerrors.ClassInvalidInput,
			fmt.Sprintf("tool %s endpoint %q is not <server>/<tool>", tool.ToolID, tool.Endpoint))
	}
	srv, found := r.servers[serverID]
	if !found {
		return nil, kernelerrors.New(kernelerrors.ClassInvalidInput,
			fmt.Sprintf("unknown tool server %q", serverID))
	}

	if err := r.limiter(srv).Wait(ctx); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.ClassTimeout, err)
	}

	body, err := json.Marshal(map[string]any{"tool": toolName, "args": args})
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.ClassInvalidInput, err)
	}
	url := strings.TrimRight(srv.BaseURL, "/") + "/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.ClassInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if srv.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(srv.TimeoutS*float64(time.Second)))
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, kernelerrors.Wrap(kernelerrors.ClassTimeout, err)
		}
		return nil, kernelerrors.Wrap(kernelerrors.ClassTransientNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.ClassTransientNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, data)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.ClassInternal,
			fmt.Errorf("tool server %s returned non-JSON body: %w", serverID, err))
	}
	if result, ok := decoded["result"].(map[string]any); ok {
		return result, nil
	}
	return decoded, nil
}

func classifyStatus(resp *http.Response, body []byte) *kernelerrors.StepError {
	msg := fmt.Sprintf("tool server returned %d: %s", resp.StatusCode, truncate(body, 256))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		se := kernelerrors.New(kernelerrors.ClassRateLimited, msg)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				se.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return se
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return kernelerrors.New(kernelerrors.ClassAuth, msg)
	case resp.StatusCode == http.StatusNotFound:
		return kernelerrors.New(kernelerrors.ClassNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		return kernelerrors.New(kernelerrors.ClassConflict, msg)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return kernelerrors.New(kernelerrors.ClassTimeout, msg)
	case resp.StatusCode >= 500:
		return kernelerrors.New(kernelerrors.ClassTransientNetwork, msg)
	default:
		return kernelerrors.New(kernelerrors.ClassInvalidInput, msg)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
