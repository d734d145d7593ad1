package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/wmag/pkg/kernelerrors"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// Handler produces one stub tool's output.
type Handler func(args map[string]any) (map[string]any, error)

// Stub is an in-process tool runner with canned handlers. Handlers are
// looked up by tool id first, then by action id.
type Stub struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewStub builds an empty stub runner.
func NewStub() *Stub {
	return &Stub{handlers: map[string]Handler{}}
}

// NewDemoStub builds a stub preloaded with the support-flow demo tools.
func NewDemoStub() *Stub {
	s := NewStub()
	s.Register("crm.get_customer", func(args map[string]any) (map[string]any, error) {
		id, _ := args["customer_id"].(string)
		return map[string]any{"id": id, "name": "Nina", "email": "nina@example.com"}, nil
	})
	s.Register("memory.search", func(args map[string]any) (map[string]any, error) {
		return map[string]any{"matches": []any{
			map[string]any{"doc_id": "doc_kb_refunds", "summary": "14-day return window, defect requires proof then refund or replacement"},
		}}, nil
	})
	s.Register("ticket.create", func(args map[string]any) (map[string]any, error) {
		return map[string]any{"ticket_id": "tkt_5001", "status": "open"}, nil
	})
	s.Register("ticket.add_comment", func(args map[string]any) (map[string]any, error) {
		return map[string]any{"comment_id": "cmt_1", "status": "ok"}, nil
	})
	s.Register("internal.llm.draft_reply", func(args map[string]any) (map[string]any, error) {
		ticketID := "tkt_XXXX"
		if facts, ok := args["facts"].(map[string]any); ok {
			if id, ok := facts["ticket_id"].(string); ok {
				ticketID = id
			}
		}
		return map[string]any{
			"subject": fmt.Sprintf("We are on it (%s)", ticketID),
			"body":    "Hello, we will help you. Please send a photo or the serial number.",
		}, nil
	})
	s.Register("email.send", func(args map[string]any) (map[string]any, error) {
		return map[string]any{"message_id": "msg_9012", "status": "sent"}, nil
	})
	return s
}

// Register installs a handler under a tool or action id.
func (s *Stub) Register(id string, h Handler) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[id] = h
	return s
}

// Invoke runs the matching handler.
func (s *Stub) Invoke(_ context.Context, tool registry.Tool, action registry.Action, args map[string]any) (map[string]any, error) {
	s.mu.RLock()
	h, ok := s.handlers[tool.ToolID]
	if !ok {
		h, ok = s.handlers[action.ActionID]
	}
	s.mu.RUnlock()
	if !ok {
		return nil, kernelerrors.New(kernelerrors.ClassNotFound,
			fmt.Sprintf("no stub handler for tool %q action %q", tool.ToolID, action.ActionID))
	}
	return h(args)
}
