package events

// AgentStartPayload is emitted once when a loop begins.
type AgentStartPayload struct {
	Strategy string `json:"strategy"`
	MaxSteps int    `json:"max_steps"`
}

// AgentTurnStartPayload is emitted at the start of every loop step.
type AgentTurnStartPayload struct {
	Step int `json:"step"` // 1-based
}

// AgentReasonPayload carries visible reasoning text from a control call.
type AgentReasonPayload struct {
	Step int    `json:"step"`
	Text string `json:"text"`
}

// AgentObservePayload carries the observe decision in the react loop.
type AgentObservePayload struct {
	Step           int    `json:"step"`
	Observation    string `json:"observation"`
	ShouldContinue bool   `json:"should_continue"`
}

// AgentToolResultsPayload is emitted after tools ran so the outer system
// can ingest artifacts. Results carry sanitized content only; artifact
// bodies are delivered out-of-band.
type AgentToolResultsPayload struct {
	Step    int                 `json:"step"`
	Results []ToolResultSummary `json:"results"`
}

// ToolResultSummary is the event-safe projection of one tool result.
type ToolResultSummary struct {
	ToolCallID    string `json:"tool_call_id"`
	Name          string `json:"name"`
	Success       bool   `json:"success"`
	Content       string `json:"content"` // truncated for display
	ArtifactCount int    `json:"artifact_count"`
}

// AgentRequestInputPayload asks the user a question mid-loop (react).
type AgentRequestInputPayload struct {
	Step     int    `json:"step"`
	Question string `json:"question"`
}

// AgentCompletionPayload is emitted once when a loop exits.
type AgentCompletionPayload struct {
	Strategy    string `json:"strategy"`
	FinalAnswer string `json:"final_answer"`
	Steps       int    `json:"steps"`
	ModelUsed   string `json:"model_used,omitempty"`
}

// ToolApprovalRequestPayload asks the user to approve a tool call.
// Arguments are the sanitized display copy, never signed URLs or secrets.
type ToolApprovalRequestPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	AllowEdit  bool           `json:"allow_edit"`
}

// AuthRequiredPayload signals a per-user server without a valid token.
type AuthRequiredPayload struct {
	ToolCallID    string `json:"tool_call_id"`
	ServerName    string `json:"server_name"`
	AuthType      string `json:"auth_type"`
	OAuthStartURL string `json:"oauth_start_url,omitempty"`
}

// ToolStartPayload is emitted just before a tool call is dispatched.
type ToolStartPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"` // sanitized display copy
}

// ToolProgressPayload routes server-originated progress notifications.
type ToolProgressPayload struct {
	ToolCallID string  `json:"tool_call_id"`
	Progress   float64 `json:"progress"`
	Total      float64 `json:"total,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// ToolCompletePayload is emitted when a tool call finishes successfully.
// Content is truncated for display; artifacts are counted, never inlined.
type ToolCompletePayload struct {
	ToolCallID    string `json:"tool_call_id"`
	Name          string `json:"name"`
	Content       string `json:"content"`
	ArtifactCount int    `json:"artifact_count"`
}

// ToolErrorPayload is emitted when a tool call fails.
type ToolErrorPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Error      string `json:"error"`
}

// ToolLogPayload routes server-originated log messages.
type ToolLogPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Level      string `json:"level"`
	Message    string `json:"message"`
}

// ElicitationRequestPayload asks the user for structured input on behalf
// of a tool server.
type ElicitationRequestPayload struct {
	ElicitationID string         `json:"elicitation_id"`
	ToolCallID    string         `json:"tool_call_id"`
	ServerName    string         `json:"server_name"`
	Message       string         `json:"message"`
	Schema        map[string]any `json:"schema,omitempty"`
}

// TokenStreamPayload carries one streamed text token.
type TokenStreamPayload struct {
	Token   string `json:"token"`
	IsFirst bool   `json:"is_first"`
	IsLast  bool   `json:"is_last"`
}

// CanvasContentPayload surfaces an artifact to the canvas panel.
type CanvasContentPayload struct {
	PrimaryFile string `json:"primary_file"`
	OpenCanvas  bool   `json:"open_canvas"`
}

// ChatResponsePayload is the final answer delivered to the client.
type ChatResponsePayload struct {
	Content   string `json:"content"`
	ModelUsed string `json:"model_used,omitempty"`
}

// ErrorPayload is the structured error event. ErrorType matches the
// user-facing error taxonomy; Message is always safe to display.
type ErrorPayload struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// --- Inbound payloads ---

// ChatPayload is the inbound chat request.
type ChatPayload struct {
	Content             string         `json:"content"`
	Model               string         `json:"model"`
	SelectedTools       []string       `json:"selected_tools,omitempty"`
	SelectedPrompts     []string       `json:"selected_prompts,omitempty"`
	SelectedDataSources []string       `json:"selected_data_sources,omitempty"`
	OnlyRAG             bool           `json:"only_rag,omitempty"`
	UserEmail           string         `json:"user_email"`
	AgentMode           bool           `json:"agent_mode,omitempty"`
	AgentMaxSteps       int            `json:"agent_max_steps,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	AgentLoopStrategy   string         `json:"agent_loop_strategy,omitempty"`
	Files               []FileRef      `json:"files,omitempty"`
	ConversationID      string         `json:"conversation_id,omitempty"`
	Incognito           bool           `json:"incognito,omitempty"`
	Extra               map[string]any `json:"-"`
}

// FileRef identifies one attached file in a chat request.
type FileRef struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ToolApprovalResponsePayload is the user's approval reply.
type ToolApprovalResponsePayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Approved   bool           `json:"approved"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// ElicitationResponsePayload is the user's elicitation reply.
type ElicitationResponsePayload struct {
	ElicitationID string         `json:"elicitation_id"`
	Action        string         `json:"action"` // accept, reject, cancel
	Data          map[string]any `json:"data,omitempty"`
}

// AgentUserInputPayload answers an agent_request_input event.
type AgentUserInputPayload struct {
	Content string `json:"content"`
}

// AgentControlPayload carries loop control actions.
type AgentControlPayload struct {
	Action string `json:"action"` // "stop"
}
