package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
)

func TestSessionStopOnlyPoisonsCurrentChat(t *testing.T) {
	sess := &session{id: "s"}

	first := sess.beginChat(func() {})
	sess.stop()
	_, err := first.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, agent.ErrLoopStopped)

	// The next chat gets a fresh mailbox; the earlier stop must not
	// resolve its input waits.
	second := sess.beginChat(func() {})
	sess.deliverInput(agent.InputMessage{Content: "carry on"})
	msg, err := second.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "carry on", msg.Content)
}

func TestSessionInputBeforeChatIsDropped(t *testing.T) {
	sess := &session{id: "s"}
	sess.deliverInput(agent.InputMessage{Content: "early"}) // no chat yet

	mailbox := sess.beginChat(func() {})
	_, err := mailbox.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded,
		"input sent before a chat starts is not replayed into it")
}

func TestSessionStopCancelsRunningChat(t *testing.T) {
	sess := &session{id: "s"}
	ctx, cancel := context.WithCancel(context.Background())
	sess.beginChat(cancel)
	sess.stop()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("stop must cancel the running chat context")
	}
}

func TestSessionStopBeforeChatIsNoOp(t *testing.T) {
	sess := &session{id: "s"}
	sess.stop()
}
