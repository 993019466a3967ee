package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ChannelPublisher delivers events into a buffered channel drained by a
// single WebSocket writer. When the buffer is full the event is dropped
// rather than blocking the agent loop; the final answer is always
// re-derivable from the chat_response event that follows.
type ChannelPublisher struct {
	ch chan Event
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelPublisher{ch: make(chan Event, buffer)}
}

// Events returns the receive side for the connection writer.
func (p *ChannelPublisher) Events() <-chan Event { return p.ch }

// Publish enqueues an event, dropping it when the buffer is full.
func (p *ChannelPublisher) Publish(ctx context.Context, ev Event) error {
	select {
	case p.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("event buffer full, dropped %s", ev.Type)
	}
}

// Close releases the channel. Publish after Close panics; callers stop
// the loop before closing.
func (p *ChannelPublisher) Close() { close(p.ch) }

// MultiPublisher fans each event out to every member. The first error
// is returned after all members were attempted.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PGPublisher persists session events and broadcasts them via PostgreSQL
// NOTIFY for cross-pod delivery. Transient high-frequency events (token
// stream, tool progress) are broadcast without persistence.
type PGPublisher struct {
	db *sql.DB
}

// NewPGPublisher creates a publisher over an open database handle.
func NewPGPublisher(db *sql.DB) *PGPublisher {
	return &PGPublisher{db: db}
}

// SessionChannel derives the NOTIFY channel name for a session.
func SessionChannel(sessionID string) string {
	return "session_" + sessionID
}

// transientTypes are broadcast via NOTIFY only: ephemeral, lost on
// disconnect, and re-derivable from the terminal events that follow.
var transientTypes = map[string]bool{
	TypeTokenStream:  true,
	TypeToolProgress: true,
	TypeToolLog:      true,
}

// Publish routes the event to persist-and-notify or notify-only based on
// its type.
func (p *PGPublisher) Publish(ctx context.Context, ev Event) error {
	payloadJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	channel := SessionChannel(ev.SessionID)
	if transientTypes[ev.Type] {
		return p.notifyOnly(ctx, channel, payloadJSON)
	}
	return p.persistAndNotify(ctx, ev.SessionID, channel, payloadJSON)
}

// persistAndNotify stores the event and fires pg_notify in one
// transaction. The NOTIFY is held until COMMIT, so listeners never see
// an event that was not persisted.
func (p *PGPublisher) persistAndNotify(ctx context.Context, sessionID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (session_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionID, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	notifyPayload, err := injectEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

func (p *PGPublisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// notifyLimit stays under PostgreSQL's 8000-byte NOTIFY payload cap with
// headroom for the channel name.
const notifyLimit = 7900

// injectEventIDAndTruncate adds db_event_id for catchup tracking and
// applies the truncation envelope when the payload exceeds the limit.
func injectEventIDAndTruncate(payloadJSON []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = eventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded replaces oversized payloads with a minimal envelope
// carrying only the routing fields clients need to fetch the full event.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyLimit {
		return payloadStr, nil
	}

	var routing struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":       routing.Type,
		"session_id": routing.SessionID,
		"truncated":  true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	out, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshal truncated payload: %w", err)
	}
	return string(out), nil
}
