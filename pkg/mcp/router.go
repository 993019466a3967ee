package mcp

import (
	"context"
	"sync"
)

// CallSinks receives server-initiated traffic for one in-flight tool
// call. Handlers are invoked from SDK callback goroutines; implementors
// must be safe for concurrent use.
type CallSinks struct {
	ToolCallID string

	// OnProgress receives progress notifications routed by progress token.
	OnProgress func(progress, total float64, message string)

	// OnLog receives server log notifications.
	OnLog func(level, message string)

	// OnElicit is invoked when the server requests structured input
	// mid-call. It blocks until the user replies or times out and returns
	// the elicitation action (accept/reject/cancel) and the accepted data.
	OnElicit func(ctx context.Context, message string, schema map[string]any) (action string, data map[string]any, err error)
}

type routeKey struct {
	server     string
	toolCallID string
}

// callRouter maps (server, tool call id) to the sinks of the in-flight
// call so notification handlers registered once per client session can
// reach the right caller. The progress token of every outgoing call is
// set to its tool call id, making progress routing exact; log and
// elicitation traffic carries no correlation id, so those fall back to
// any registered call on the server when exactly one is in flight.
type callRouter struct {
	routes sync.Map // routeKey -> *CallSinks
}

func newCallRouter() *callRouter {
	return &callRouter{}
}

// Register installs sinks for an in-flight call. The returned func
// removes them; callers defer it around the call.
func (r *callRouter) Register(server string, sinks *CallSinks) func() {
	key := routeKey{server: server, toolCallID: sinks.ToolCallID}
	r.routes.Store(key, sinks)
	return func() { r.routes.Delete(key) }
}

// Lookup returns the sinks for an exact (server, tool call id) pair.
func (r *callRouter) Lookup(server, toolCallID string) (*CallSinks, bool) {
	v, ok := r.routes.Load(routeKey{server: server, toolCallID: toolCallID})
	if !ok {
		return nil, false
	}
	return v.(*CallSinks), true
}

// LookupSole returns the single in-flight call on a server, or false
// when there are zero or several. Used for traffic without a
// correlation id.
func (r *callRouter) LookupSole(server string) (*CallSinks, bool) {
	var found *CallSinks
	sole := true
	r.routes.Range(func(k, v any) bool {
		if k.(routeKey).server != server {
			return true
		}
		if found != nil {
			sole = false
			return false
		}
		found = v.(*CallSinks)
		return true
	})
	if found == nil || !sole {
		return nil, false
	}
	return found, true
}

// InFlight counts the registered calls for a server.
func (r *callRouter) InFlight(server string) int {
	n := 0
	r.routes.Range(func(k, _ any) bool {
		if k.(routeKey).server == server {
			n++
		}
		return true
	})
	return n
}
