package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/approval"
	"github.com/parleyhq/parley/pkg/events"
)

// Gateway owns WebSocket sessions: it upgrades connections, fans
// outbound events to the socket, and dispatches inbound messages to the
// chat service, the approval broker, or the running loop's mailbox.
type Gateway struct {
	chat    *ChatService
	broker  *approval.Broker
	persist events.Publisher // optional cross-pod persistence
	logger  *slog.Logger
}

// NewGateway creates the WebSocket gateway. persist, when non-nil,
// receives every outbound event in addition to the connection itself.
func NewGateway(chat *ChatService, broker *approval.Broker, persist events.Publisher) *Gateway {
	return &Gateway{
		chat:    chat,
		broker:  broker,
		persist: persist,
		logger:  slog.Default(),
	}
}

// session is the per-connection state. The mailbox belongs to the
// current chat: a stop closes it permanently, so each new chat installs
// a fresh one and a stop never outlives the loop it was aimed at.
type session struct {
	id        string
	publisher *events.ChannelPublisher

	mu         sync.Mutex
	mailbox    *agent.InputMailbox
	cancelChat context.CancelFunc
}

// beginChat installs a fresh mailbox and the chat's cancel func,
// returning the mailbox for the loop to wait on.
func (s *session) beginChat(cancel context.CancelFunc) *agent.InputMailbox {
	mailbox := agent.NewInputMailbox()
	s.mu.Lock()
	s.mailbox = mailbox
	s.cancelChat = cancel
	s.mu.Unlock()
	return mailbox
}

// deliverInput routes a user reply to the current chat's mailbox.
// No-op when no chat has started.
func (s *session) deliverInput(msg agent.InputMessage) {
	s.mu.Lock()
	mailbox := s.mailbox
	s.mu.Unlock()
	if mailbox != nil {
		mailbox.Deliver(msg)
	}
}

func (s *session) stop() {
	s.mu.Lock()
	mailbox := s.mailbox
	cancel := s.cancelChat
	s.mu.Unlock()
	if mailbox != nil {
		mailbox.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Handle upgrades the request and runs the connection until the client
// goes away.
func (g *Gateway) Handle(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	sessionID := c.Param("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess := &session{
		id:        sessionID,
		publisher: events.NewChannelPublisher(256),
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Single writer goroutine per connection.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range sess.publisher.Events() {
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				g.logger.Debug("event write failed, dropping connection",
					"session_id", sessionID, "error", err)
				cancel()
				return
			}
		}
	}()

	g.readLoop(ctx, conn, sess)

	sess.stop()
	sess.publisher.Close()
	<-writerDone
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *session) {
	for {
		var msg events.InboundMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		g.dispatch(ctx, sess, &msg)
	}
}

// dispatch routes one inbound message. Unknown types are logged and
// dropped.
func (g *Gateway) dispatch(ctx context.Context, sess *session, msg *events.InboundMessage) {
	switch msg.Type {
	case events.InboundChat:
		chat := &events.ChatPayload{}
		if err := json.Unmarshal(msg.Payload, chat); err != nil {
			g.logger.Warn("malformed chat payload", "session_id", sess.id, "error", err)
			return
		}
		var sink events.Publisher = sess.publisher
		if g.persist != nil {
			sink = events.MultiPublisher{sess.publisher, g.persist}
		}
		chatCtx, cancel := context.WithCancel(ctx)
		mailbox := sess.beginChat(cancel)
		go func() {
			defer cancel()
			g.chat.Handle(chatCtx, sess.id, chat, events.Emit(sink), mailbox)
		}()

	case events.InboundToolApprovalResponse:
		var resp events.ToolApprovalResponsePayload
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			g.logger.Warn("malformed approval response", "session_id", sess.id, "error", err)
			return
		}
		g.broker.RespondApproval(resp.ToolCallID, approval.Response{
			Approved:  resp.Approved,
			Arguments: resp.Arguments,
			Reason:    resp.Reason,
		})

	case events.InboundElicitationResponse:
		var resp events.ElicitationResponsePayload
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			g.logger.Warn("malformed elicitation response", "session_id", sess.id, "error", err)
			return
		}
		g.broker.RespondElicitation(resp.ElicitationID, approval.ElicitationResponse{
			Action: resp.Action,
			Data:   resp.Data,
		})

	case events.InboundAgentUserInput:
		var input events.AgentUserInputPayload
		if err := json.Unmarshal(msg.Payload, &input); err != nil {
			return
		}
		sess.deliverInput(agent.InputMessage{Content: input.Content})

	case events.InboundAgentControl:
		var control events.AgentControlPayload
		if err := json.Unmarshal(msg.Payload, &control); err != nil {
			return
		}
		if control.Action == "stop" {
			sess.stop()
		}

	default:
		g.logger.Debug("unrecognized inbound message type",
			"session_id", sess.id, "type", msg.Type)
	}
}
