// Package api exposes the service over HTTP and WebSocket: the chat
// gateway, signed file downloads, and health reporting.
package api

import (
	"context"
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/agent/controller"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/mcp"
)

// ChatService turns one inbound chat message into a model run: either a
// direct call or a full agent loop, with the answer and all
// intermediate events delivered through emit.
type ChatService struct {
	cfg     *config.Config
	manager *mcp.Manager
	adapter *llm.Adapter
	factory *controller.Factory
	logger  *slog.Logger
}

// NewChatService wires the chat entry point.
func NewChatService(cfg *config.Config, manager *mcp.Manager, adapter *llm.Adapter, factory *controller.Factory) *ChatService {
	return &ChatService{
		cfg:     cfg,
		manager: manager,
		adapter: adapter,
		factory: factory,
		logger:  slog.Default(),
	}
}

// Handle processes one chat request to completion. Always emits either
// a chat_response or an error event.
func (s *ChatService) Handle(ctx context.Context, sessionID string, chat *events.ChatPayload, emit events.EmitFunc, mailbox *agent.InputMailbox) {
	turn := &agent.TurnContext{
		SessionID:      sessionID,
		UserEmail:      chat.UserEmail,
		ConversationID: chat.ConversationID,
		Files:          fileRefs(chat.Files),
		Emit:           emit,
	}

	messages := s.seedMessages(chat)
	temperature := 0.7
	if chat.Temperature != nil {
		temperature = *chat.Temperature
	}

	if chat.AgentMode {
		s.runAgent(ctx, chat, turn, messages, temperature, emit, mailbox)
		return
	}
	s.runDirect(ctx, chat, turn, messages, temperature, emit)
}

// runAgent drives the selected loop strategy.
func (s *ChatService) runAgent(ctx context.Context, chat *events.ChatPayload, turn *agent.TurnContext, messages []agent.Message, temperature float64, emit events.EmitFunc, mailbox *agent.InputMailbox) {
	strategy := s.factory.Get(chat.AgentLoopStrategy)
	result, err := strategy.Run(ctx, &controller.Request{
		Model:       chat.Model,
		Messages:    messages,
		Turn:        turn,
		Tools:       s.selectTools(chat.SelectedTools),
		DataSources: chat.SelectedDataSources,
		MaxSteps:    chat.AgentMaxSteps,
		Temperature: temperature,
		Streaming:   true,
		Emit:        emit,
		Mailbox:     mailbox,
	})
	if err != nil {
		s.emitError(ctx, turn.SessionID, err, emit)
		return
	}

	modelUsed := ""
	if v, ok := result.Metadata["model_used"].(string); ok {
		modelUsed = v
	}
	emit(ctx, events.NewEvent(events.TypeChatResponse, turn.SessionID, events.ChatResponsePayload{
		Content:   result.FinalAnswer,
		ModelUsed: modelUsed,
	}))
}

// runDirect performs a single streamed call without the agent loop.
func (s *ChatService) runDirect(ctx context.Context, chat *events.ChatPayload, turn *agent.TurnContext, messages []agent.Message, temperature float64, emit events.EmitFunc) {
	in := &agent.CallInput{
		Model:       chat.Model,
		Messages:    messages,
		Temperature: temperature,
		DataSources: chat.SelectedDataSources,
	}
	resp, err := s.adapter.Stream(ctx, in, turn.SessionID, emit)
	if err != nil {
		s.emitError(ctx, turn.SessionID, err, emit)
		return
	}
	emit(ctx, events.NewEvent(events.TypeChatResponse, turn.SessionID, events.ChatResponsePayload{
		Content:   resp.Content,
		ModelUsed: resp.ModelUsed,
	}))
}

// seedMessages builds the initial history: server usage instructions as
// the system message, then the user prompt.
func (s *ChatService) seedMessages(chat *events.ChatPayload) []agent.Message {
	var messages []agent.Message
	if instructions := s.manager.Instructions(); instructions != "" {
		messages = append(messages, agent.Message{Role: agent.RoleSystem, Content: instructions})
	}
	messages = append(messages, agent.Message{Role: agent.RoleUser, Content: chat.Content})
	return messages
}

// selectTools resolves the user's tool selection against discovery.
// Empty selection means every discovered tool; a trailing "server_*"
// entry selects a whole server.
func (s *ChatService) selectTools(selected []string) []agent.ToolDefinition {
	all := s.manager.ToolDefinitions()
	if len(selected) == 0 {
		return all
	}

	wanted := make(map[string]bool, len(selected))
	var prefixes []string
	for _, name := range selected {
		if strings.HasSuffix(name, "_*") {
			prefixes = append(prefixes, strings.TrimSuffix(name, "*"))
			continue
		}
		wanted[name] = true
	}

	var defs []agent.ToolDefinition
	for _, def := range all {
		if wanted[def.Name] {
			defs = append(defs, def)
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(def.Name, prefix) {
				defs = append(defs, def)
				break
			}
		}
	}
	return defs
}

func (s *ChatService) emitError(ctx context.Context, sessionID string, err error, emit events.EmitFunc) {
	kind, msg := agent.UserMessage(err)
	s.logger.Error("chat request failed", "session_id", sessionID, "error", err)
	emit(ctx, events.NewEvent(events.TypeError, sessionID, events.ErrorPayload{
		ErrorType: string(kind),
		Message:   msg,
	}))
}

func fileRefs(files []events.FileRef) []agent.FileRef {
	refs := make([]agent.FileRef, len(files))
	for i, f := range files {
		refs[i] = agent.FileRef{Name: f.Name, ID: f.ID, Mime: f.Mime, Size: f.Size}
	}
	return refs
}
