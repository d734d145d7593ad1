// Package hydrator assembles context packs: the world-node selection and
// action-space summary the planner sees. Production deployments replace
// the stub with a retrieval-backed implementation.
package hydrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/wmag/pkg/registry"
	"github.com/Mindburn-Labs/wmag/pkg/store"
)

// Stub builds a minimal context pack from a fixed node list and the
// effective registry's action space.
type Stub struct {
	nodes []string
}

// NewStub builds a hydrator over the given world nodes.
func NewStub(nodes []string) *Stub {
	return &Stub{nodes: nodes}
}

// Hydrate returns the context pack for one mission.
func (s *Stub) Hydrate(_ context.Context, run *store.Run, userMessage string, doc *registry.Document) (map[string]any, error) {
	actionSpace := make([]map[string]any, 0, len(doc.Actions))
	for _, a := range doc.Actions {
		actionSpace = append(actionSpace, map[string]any{
			"action_id":   a.ActionID,
			"tool_id":     a.ToolID,
			"side_effect": a.SideEffect,
		})
	}
	return map[string]any{
		"type":      "context_pack",
		"pack_id":   "pack_" + uuid.NewString(),
		"tenant_id": run.TenantID,
		"task": map[string]any{
			"task_id":      run.TaskID,
			"user_message": userMessage,
		},
		"node_list":    s.nodes,
		"action_space": actionSpace,
	}, nil
}
