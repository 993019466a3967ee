package agent

import (
	"context"
	"errors"
	"time"
)

// ErrLoopStopped is returned by InputMailbox.Wait when the client sent a
// stop control message.
var ErrLoopStopped = errors.New("loop stopped by user")

// InputMessage is one user reply delivered to a waiting loop.
type InputMessage struct {
	Content string
}

// InputMailbox is the rendezvous between a loop waiting for user input
// (react's request_input) and the transport delivering the reply. One
// mailbox per running loop; at most one waiter at a time.
type InputMailbox struct {
	inputs chan InputMessage
	stop   chan struct{}
}

// NewInputMailbox creates an empty mailbox.
func NewInputMailbox() *InputMailbox {
	return &InputMailbox{
		inputs: make(chan InputMessage, 4),
		stop:   make(chan struct{}),
	}
}

// Deliver hands a user reply to the waiting loop. Non-blocking: replies
// with no waiter are buffered up to the mailbox capacity, then dropped.
func (m *InputMailbox) Deliver(msg InputMessage) {
	select {
	case m.inputs <- msg:
	default:
	}
}

// Stop resolves any current and future waits with ErrLoopStopped.
// Idempotent.
func (m *InputMailbox) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// Wait blocks until a reply arrives, the timeout elapses, the mailbox is
// stopped, or the context is cancelled.
func (m *InputMailbox) Wait(ctx context.Context, timeout time.Duration) (InputMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-m.inputs:
		return msg, nil
	case <-m.stop:
		return InputMessage{}, ErrLoopStopped
	case <-timer.C:
		return InputMessage{}, context.DeadlineExceeded
	case <-ctx.Done():
		return InputMessage{}, ctx.Err()
	}
}
