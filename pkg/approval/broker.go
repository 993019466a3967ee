// Package approval provides the rendezvous between suspended tool
// executions and the transport-side handlers that deliver the user's
// approval or elicitation replies asynchronously.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Response is the user's reply to an approval request.
type Response struct {
	Approved  bool
	Arguments map[string]any // optional edit; subject to re-injection
	Reason    string
}

// ElicitationAction values.
const (
	ElicitationAccept = "accept"
	ElicitationReject = "reject"
	ElicitationCancel = "cancel"
)

// ElicitationResponse is the user's reply to an elicitation request.
type ElicitationResponse struct {
	Action string
	Data   map[string]any
}

// Completion is a one-shot handle waited on by the executing tool.
// At most one waiter resolves; a second delivery for the same id is
// discarded by the broker.
type Completion[T any] struct {
	ch chan T
}

// Wait blocks until the reply arrives, the timeout elapses, or the
// context is cancelled.
func (c *Completion[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-c.ch:
		return v, nil
	case <-timer.C:
		return zero, context.DeadlineExceeded
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// PendingApproval describes one registered approval request.
type PendingApproval struct {
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	AllowEdit  bool
	completion *Completion[Response]
}

// Broker correlates async user prompts with suspended tool executions by
// request id. Process-wide shared state; safe for concurrent use.
type Broker struct {
	mu           sync.Mutex
	approvals    map[string]*PendingApproval
	elicitations map[string]*Completion[ElicitationResponse]
	logger       *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		approvals:    make(map[string]*PendingApproval),
		elicitations: make(map[string]*Completion[ElicitationResponse]),
		logger:       slog.Default(),
	}
}

// CreateApproval registers an approval entry and returns the completion
// the executor waits on. Re-registering an id replaces the old entry.
func (b *Broker) CreateApproval(toolCallID, toolName string, args map[string]any, allowEdit bool) *Completion[Response] {
	c := &Completion[Response]{ch: make(chan Response, 1)}
	b.mu.Lock()
	b.approvals[toolCallID] = &PendingApproval{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Arguments:  args,
		AllowEdit:  allowEdit,
		completion: c,
	}
	b.mu.Unlock()
	return c
}

// RespondApproval completes the matching entry. Replies for unknown ids
// (including a second reply for an already-resolved id after cleanup)
// are discarded with a warning.
func (b *Broker) RespondApproval(toolCallID string, resp Response) {
	b.mu.Lock()
	pending, ok := b.approvals[toolCallID]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("approval response for unknown request, discarding",
			"tool_call_id", toolCallID)
		return
	}
	select {
	case pending.completion.ch <- resp:
	default:
		b.logger.Warn("duplicate approval response, discarding",
			"tool_call_id", toolCallID)
	}
}

// CleanupApproval removes an entry whether or not the completion fired.
// Idempotent.
func (b *Broker) CleanupApproval(toolCallID string) {
	b.mu.Lock()
	delete(b.approvals, toolCallID)
	b.mu.Unlock()
}

// CreateElicitation registers an elicitation entry under a fresh id.
func (b *Broker) CreateElicitation(elicitationID string) *Completion[ElicitationResponse] {
	c := &Completion[ElicitationResponse]{ch: make(chan ElicitationResponse, 1)}
	b.mu.Lock()
	b.elicitations[elicitationID] = c
	b.mu.Unlock()
	return c
}

// RespondElicitation completes the matching elicitation entry. Unknown
// ids are discarded with a warning.
func (b *Broker) RespondElicitation(elicitationID string, resp ElicitationResponse) {
	b.mu.Lock()
	c, ok := b.elicitations[elicitationID]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("elicitation response for unknown request, discarding",
			"elicitation_id", elicitationID)
		return
	}
	select {
	case c.ch <- resp:
	default:
		b.logger.Warn("duplicate elicitation response, discarding",
			"elicitation_id", elicitationID)
	}
}

// CleanupElicitation removes an elicitation entry. Idempotent.
func (b *Broker) CleanupElicitation(elicitationID string) {
	b.mu.Lock()
	delete(b.elicitations, elicitationID)
	b.mu.Unlock()
}

// PendingApprovals returns a snapshot of registered approval ids, for
// diagnostics.
func (b *Broker) PendingApprovals() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.approvals))
	for id := range b.approvals {
		ids = append(ids, id)
	}
	return ids
}
