package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/approval"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/mcp"
)

// displayContentLimit bounds tool output carried inside events.
const displayContentLimit = 4000

// Backend is the slice of the connection manager the executor needs.
type Backend interface {
	ResolveTool(fullName string) (server, tool string, err error)
	ToolSchema(server, tool string) *mcpsdk.Tool
	ToolsByServer() map[string][]*mcpsdk.Tool
	CallTool(ctx context.Context, server, tool string, args map[string]any, userEmail string, sinks *mcp.CallSinks) (*mcpsdk.CallToolResult, error)
}

// Executor prepares and runs single tool calls.
type Executor struct {
	backend  Backend
	broker   *approval.Broker
	registry *config.ServerRegistry
	policy   config.ApprovalConfig
	timeouts config.TimeoutConfig
	signer   *URLSigner
	emit     events.EmitFunc
	logger   *slog.Logger
}

// New creates an executor. emit may be nil when no UI is attached.
func New(backend Backend, broker *approval.Broker, registry *config.ServerRegistry, policy config.ApprovalConfig, timeouts config.TimeoutConfig, signer *URLSigner, emit events.EmitFunc) *Executor {
	if emit == nil {
		emit = func(context.Context, events.Event) {}
	}
	return &Executor{
		backend:  backend,
		broker:   broker,
		registry: registry,
		policy:   policy,
		timeouts: timeouts.WithDefaults(),
		signer:   signer,
		emit:     emit,
		logger:   slog.Default(),
	}
}

// Run executes one tool call end-to-end and always returns a ToolResult;
// failures of any kind become unsuccessful results.
func (e *Executor) Run(ctx context.Context, call agent.ToolCall, turn *agent.TurnContext, skipApproval bool) agent.ToolResult {
	emit := e.emit
	if turn.Emit != nil {
		emit = turn.Emit
	}

	server, tool, err := e.backend.ResolveTool(call.Name)
	if err != nil {
		return e.errorResult(ctx, emit, turn, call, "unknown tool "+call.Name)
	}

	args, fellBack := ParseArguments(call.Arguments)
	if fellBack {
		e.logger.Warn("tool arguments unparseable, substituting empty object",
			"tool", call.Name, "tool_call_id", call.ID)
	}

	schema := e.schemaMap(server, tool)
	inj := &injection{
		schema:     schema,
		turn:       turn,
		signer:     e.signer,
		digestFunc: e.serverDigests,
	}
	inj.apply(args)
	args = filterToSchema(args, schema)
	e.validateArguments(server, tool, args)

	display := sanitizeForDisplay(args, e.signer)

	editNote := ""
	if verdict := e.awaitApproval(ctx, emit, call, turn, display, skipApproval, server, tool); verdict != nil {
		if verdict.denial != "" {
			return e.errorResult(ctx, emit, turn, call, verdict.denial)
		}
		if verdict.edited != nil {
			// User-edited arguments are candidate input only: the
			// security-relevant injections are re-applied so edits can't
			// strip them.
			args = verdict.edited
			inj.apply(args)
			args = filterToSchema(args, schema)
			display = sanitizeForDisplay(args, e.signer)
			editNote = "Note: the user edited the tool arguments before execution. " +
				"Arguments actually executed: " + canonicalJSON(display) + "\n"
		}
	}

	emit(ctx, events.NewEvent(events.TypeToolStart, turn.SessionID, events.ToolStartPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  display,
	}))

	raw, err := e.backend.CallTool(ctx, server, tool, args, turn.UserEmail, e.sinks(ctx, emit, call, turn, server))
	if err != nil {
		var authErr *agent.AuthRequiredError
		if errors.As(err, &authErr) {
			emit(ctx, events.NewEvent(events.TypeAuthRequired, turn.SessionID, events.AuthRequiredPayload{
				ToolCallID:    call.ID,
				ServerName:    authErr.ServerName,
				AuthType:      authErr.AuthType,
				OAuthStartURL: authErr.OAuthStartURL,
			}))
			return agent.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Success:    false,
				Error:      "authentication required for " + authErr.ServerName,
				Content:    "authentication required for " + authErr.ServerName,
				MetaData:   authErr.ResultMetadata(),
			}
		}
		e.logger.Error("tool call failed",
			"tool", call.Name, "tool_call_id", call.ID, "error", err)
		_, msg := agent.UserMessage(err)
		return e.errorResult(ctx, emit, turn, call, msg)
	}

	norm := mcp.Normalize(raw)
	result := agent.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    editNote + norm.Content,
		Success:    !raw.IsError,
		Artifacts:  norm.Artifacts,
		Display:    norm.Display,
		MetaData:   norm.MetaData,
	}
	if raw.IsError {
		result.Error = mcp.TruncateResult(norm.Content, displayContentLimit)
		emit(ctx, events.NewEvent(events.TypeToolError, turn.SessionID, events.ToolErrorPayload{
			ToolCallID: call.ID,
			Name:       call.Name,
			Error:      result.Error,
		}))
		return result
	}

	emit(ctx, events.NewEvent(events.TypeToolComplete, turn.SessionID, events.ToolCompletePayload{
		ToolCallID:    call.ID,
		Name:          call.Name,
		Content:       mcp.TruncateResult(norm.Content, displayContentLimit),
		ArtifactCount: len(norm.Artifacts),
	}))
	return result
}

// approvalVerdict is nil when no approval round happened; denial set
// means the call must not run; edited carries user-modified arguments.
type approvalVerdict struct {
	denial string
	edited map[string]any
}

// awaitApproval applies the three-level policy: an admin global force
// (user cannot override), server-listed tools (admin-enforced), then the
// user-level default which skipApproval may bypass.
func (e *Executor) awaitApproval(ctx context.Context, emit events.EmitFunc, call agent.ToolCall, turn *agent.TurnContext, display map[string]any, skipApproval bool, server, tool string) *approvalVerdict {
	required, adminEnforced := true, false
	switch {
	case e.policy.GlobalForce:
		adminEnforced = true
	case e.serverRequiresApproval(server, tool):
		adminEnforced = true
	default:
		if v, ok := e.policy.Tools[call.Name]; ok {
			required, adminEnforced = v, v
		}
	}
	if !required || (skipApproval && !adminEnforced) {
		return nil
	}

	completion := e.broker.CreateApproval(call.ID, call.Name, display, true)
	defer e.broker.CleanupApproval(call.ID)

	emit(ctx, events.NewEvent(events.TypeToolApprovalRequest, turn.SessionID, events.ToolApprovalRequestPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  display,
		AllowEdit:  true,
	}))

	resp, err := completion.Wait(ctx, e.timeouts.Approval)
	if err != nil {
		return &approvalVerdict{denial: "tool call not approved within the time limit"}
	}
	if !resp.Approved {
		reason := resp.Reason
		if reason == "" {
			reason = "tool call rejected by user"
		}
		return &approvalVerdict{denial: reason}
	}
	if resp.Arguments != nil && canonicalJSON(resp.Arguments) != canonicalJSON(display) {
		return &approvalVerdict{edited: resp.Arguments}
	}
	return &approvalVerdict{}
}

func (e *Executor) serverRequiresApproval(server, tool string) bool {
	cfg, err := e.registry.Get(server)
	if err != nil {
		return false
	}
	return cfg.RequiresApproval(tool)
}

// sinks routes server-initiated traffic for one call into UI events and
// the elicitation broker.
func (e *Executor) sinks(ctx context.Context, emit events.EmitFunc, call agent.ToolCall, turn *agent.TurnContext, server string) *mcp.CallSinks {
	return &mcp.CallSinks{
		ToolCallID: call.ID,
		OnProgress: func(progress, total float64, message string) {
			emit(ctx, events.NewEvent(events.TypeToolProgress, turn.SessionID, events.ToolProgressPayload{
				ToolCallID: call.ID,
				Progress:   progress,
				Total:      total,
				Message:    message,
			}))
		},
		OnLog: func(level, message string) {
			emit(ctx, events.NewEvent(events.TypeToolLog, turn.SessionID, events.ToolLogPayload{
				ToolCallID: call.ID,
				Level:      level,
				Message:    message,
			}))
		},
		OnElicit: func(elicitCtx context.Context, message string, schema map[string]any) (string, map[string]any, error) {
			elicitationID := uuid.NewString()
			completion := e.broker.CreateElicitation(elicitationID)
			defer e.broker.CleanupElicitation(elicitationID)

			emit(elicitCtx, events.NewEvent(events.TypeElicitationRequest, turn.SessionID, events.ElicitationRequestPayload{
				ElicitationID: elicitationID,
				ToolCallID:    call.ID,
				ServerName:    server,
				Message:       message,
				Schema:        schema,
			}))

			resp, err := completion.Wait(elicitCtx, e.timeouts.Elicitation)
			if err != nil {
				return approval.ElicitationCancel, nil, nil
			}
			return resp.Action, resp.Data, nil
		},
	}
}

// schemaMap returns the tool's declared input schema as a loose map,
// nil when undiscovered.
func (e *Executor) schemaMap(server, tool string) map[string]any {
	t := e.backend.ToolSchema(server, tool)
	if t == nil || t.InputSchema == nil {
		return nil
	}
	b, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil
	}
	return schema
}

// serverDigests builds the _mcp_data injection payload from the current
// discovery snapshot.
func (e *Executor) serverDigests() []ServerDigest {
	byServer := e.backend.ToolsByServer()
	names := make([]string, 0, len(byServer))
	for name := range byServer {
		names = append(names, name)
	}
	sort.Strings(names)

	digests := make([]ServerDigest, 0, len(names))
	for _, name := range names {
		digest := ServerDigest{ServerName: name}
		if cfg, err := e.registry.Get(name); err == nil {
			digest.Description = cfg.Instructions
		}
		for _, t := range byServer[name] {
			var params any
			if t.InputSchema != nil {
				if b, err := json.Marshal(t.InputSchema); err == nil {
					_ = json.Unmarshal(b, &params)
				}
			}
			digest.Tools = append(digest.Tools, ToolDigest{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			})
		}
		digests = append(digests, digest)
	}
	return digests
}

// errorResult emits tool_error and packages the failure.
func (e *Executor) errorResult(ctx context.Context, emit events.EmitFunc, turn *agent.TurnContext, call agent.ToolCall, msg string) agent.ToolResult {
	emit(ctx, events.NewEvent(events.TypeToolError, turn.SessionID, events.ToolErrorPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Error:      msg,
	}))
	return agent.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    msg,
		Success:    false,
		Error:      msg,
	}
}
