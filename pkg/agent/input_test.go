package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxDeliverThenWait(t *testing.T) {
	m := NewInputMailbox()
	m.Deliver(InputMessage{Content: "reply"})

	msg, err := m.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "reply", msg.Content)
}

func TestMailboxWaitTimeout(t *testing.T) {
	m := NewInputMailbox()
	_, err := m.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailboxStop(t *testing.T) {
	m := NewInputMailbox()
	m.Stop()
	m.Stop() // idempotent

	_, err := m.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrLoopStopped)

	// Stop resolves future waits too.
	_, err = m.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrLoopStopped)
}

func TestMailboxOverflowDropped(t *testing.T) {
	m := NewInputMailbox()
	for i := 0; i < 10; i++ {
		m.Deliver(InputMessage{Content: "x"}) // never blocks
	}
	msg, err := m.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Content)
}

func TestLoopStateTimeoutTracking(t *testing.T) {
	s := &LoopState{}
	assert.False(t, s.ShouldAbortOnTimeouts())

	s.RecordFailure("timed out", true)
	assert.False(t, s.ShouldAbortOnTimeouts())
	s.RecordFailure("timed out", true)
	assert.True(t, s.ShouldAbortOnTimeouts())

	// A success resets the streak.
	s.RecordSuccess()
	assert.False(t, s.ShouldAbortOnTimeouts())
	assert.False(t, s.LastInteractionFailed)

	// Non-timeout failures break the streak too.
	s.RecordFailure("timed out", true)
	s.RecordFailure("rate limited", false)
	assert.False(t, s.ShouldAbortOnTimeouts())
	assert.Equal(t, "rate limited", s.LastErrorMessage)
}
