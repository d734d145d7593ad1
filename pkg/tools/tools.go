// Package tools provides the kernel's tool adapters: a router keyed on
// the registry tool kind, a canned stub runner for dev and tests, and an
// HTTP runner for MCP-style tool servers.
package tools

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/wmag/pkg/executor"
	"github.com/Mindburn-Labs/wmag/pkg/kernelerrors"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// Router dispatches invocations by the registry tool's kind.
type Router struct {
	adapters map[string]executor.ToolAdapter
	fallback string
}

// NewRouter builds a router. fallbackKind handles tools that declare no
// kind; usually "stub".
func NewRouter(fallbackKind string) *Router {
	return &Router{adapters: map[string]executor.ToolAdapter{}, fallback: fallbackKind}
}

// Register binds an adapter to a tool kind.
func (r *Router) Register(kind string, adapter executor.ToolAdapter) *Router {
	r.adapters[kind] = adapter
	return r
}

// Invoke routes to the adapter for the tool's kind.
func (r *Router) Invoke(ctx context.Context, tool registry.Tool, action registry.Action, args map[string]any) (map[string]any, error) {
	kind := tool.Kind
	if kind == "" {
		kind = r.fallback
	}
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, kernelerrors.New(kernelerrors.ClassInvalidInput,
			fmt.Sprintf("no adapter for tool kind %q (tool %s)", kind, tool.ToolID))
	}
	return adapter.Invoke(ctx, tool, action, args)
}
