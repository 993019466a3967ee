// Package events defines the typed event protocol between the agent core
// and the transport: outbound agent/tool/stream events and inbound client
// messages. Publishers deliver outbound events to WebSocket clients,
// optionally persisting them through PostgreSQL NOTIFY for cross-pod
// distribution.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Outbound event types emitted by the agent loop.
const (
	TypeAgentStart        = "agent_start"
	TypeAgentTurnStart    = "agent_turn_start"
	TypeAgentReason       = "agent_reason"
	TypeAgentObserve      = "agent_observe"
	TypeAgentToolResults  = "agent_tool_results"
	TypeAgentRequestInput = "agent_request_input"
	TypeAgentCompletion   = "agent_completion"
)

// Outbound event types emitted by the tool executor.
const (
	TypeToolApprovalRequest = "tool_approval_request"
	TypeAuthRequired        = "auth_required"
	TypeToolStart           = "tool_start"
	TypeToolProgress        = "tool_progress"
	TypeToolComplete        = "tool_complete"
	TypeToolError           = "tool_error"
	TypeToolLog             = "tool_log"
	TypeElicitationRequest  = "elicitation_request"
)

// Other outbound event types.
const (
	TypeTokenStream        = "token_stream"
	TypeIntermediateUpdate = "intermediate_update"
	TypeCanvasContent      = "canvas_content"
	TypeChatResponse       = "chat_response"
	TypeError              = "error"
)

// Inbound message types received from the transport.
const (
	InboundChat                 = "chat"
	InboundToolApprovalResponse = "tool_approval_response"
	InboundElicitationResponse  = "elicitation_response"
	InboundAgentUserInput       = "agent_user_input"
	InboundAgentControl         = "agent_control"
)

// Event is the outbound envelope. Payload is one of the typed structs in
// payloads.go, serialized as-is under "payload".
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewEvent builds an event with the current timestamp.
func NewEvent(eventType, sessionID string, payload any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
}

// EmitFunc delivers one outbound event. Implementations must not block on
// slow consumers; delivery is best-effort from the core's perspective.
type EmitFunc func(ctx context.Context, ev Event)

// Publisher delivers outbound events to clients.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit adapts a Publisher to an EmitFunc. Publish errors are swallowed;
// the loop must not fail because a client went away.
func Emit(p Publisher) EmitFunc {
	return func(ctx context.Context, ev Event) {
		if p == nil {
			return
		}
		_ = p.Publish(ctx, ev)
	}
}

// InboundMessage is the envelope for client→core messages.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
