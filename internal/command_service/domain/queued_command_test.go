package domain

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPendingCommand() *QueuedCommand {
	return NewQueuedCommand(uuid.New(), uuid.New(), CommandTypeMotionControl, []byte(`{"axis":"pan"}`), SendReceipt{
		MessageID: "msg-1",
		Token:     NewContinuationToken("tok-1"),
		VisibleAt: testNow.Add(5 * time.Minute),
	}, testNow)
}

func TestCanTransition(t *testing.T) {
	states := []CommandState{StatePending, StateExecuted, StateRemoved}
	allowed := map[[2]CommandState]bool{
		{StatePending, StateExecuted}: true,
		{StatePending, StateRemoved}:  true,
	}
	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, allowed[[2]CommandState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestNewQueuedCommand(t *testing.T) {
	cmd := newPendingCommand()

	assert.Equal(t, StatePending, cmd.State())
	assert.Equal(t, "msg-1", cmd.MessageID)
	assert.Equal(t, testNow.Add(5*time.Minute), cmd.ScheduledAt)
	assert.Equal(t, testNow, cmd.CreatedAt)
	assert.False(t, cmd.ExecutedAt.Valid)
	assert.False(t, cmd.OriginalID.Valid)
	assert.NoError(t, cmd.Validate())
}

func TestQueuedCommand_MarkExecuted(t *testing.T) {
	cmd := newPendingCommand()
	executedAt := testNow.Add(6 * time.Minute)

	require.NoError(t, cmd.MarkExecuted(executedAt, testNow))
	assert.Equal(t, StateExecuted, cmd.State())
	assert.Equal(t, executedAt, cmd.ExecutedAt.Time)
	assert.True(t, cmd.Token.IsZero())

	err := cmd.MarkExecuted(executedAt.Add(time.Hour), testNow)
	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.Equal(t, executedAt, cmd.ExecutedAt.Time, "execution time is set once")

	assert.ErrorIs(t, cmd.MarkRemoved(RemovalCancelledByUser, testNow), ErrInvalidOperation)
	assert.False(t, cmd.IsRemoved)
}

func TestQueuedCommand_MarkRemoved(t *testing.T) {
	cmd := newPendingCommand()

	require.NoError(t, cmd.MarkRemoved(RemovalFailedAtDevice, testNow))
	assert.Equal(t, StateRemoved, cmd.State())
	assert.Equal(t, RemovalFailedAtDevice, cmd.RemovalReason)
	assert.ErrorIs(t, cmd.MarkExecuted(testNow, testNow), ErrInvalidOperation)
}

func TestQueuedCommand_Reschedule(t *testing.T) {
	t.Run("ReplacesToken", func(t *testing.T) {
		cmd := newPendingCommand()
		next := VisibilityReceipt{Token: NewContinuationToken("tok-2"), VisibleAt: testNow.Add(10 * time.Minute)}

		require.NoError(t, cmd.Reschedule(next, testNow))
		assert.Equal(t, "tok-2", cmd.Token.Value())
		assert.Equal(t, testNow.Add(10*time.Minute), cmd.ScheduledAt)
	})

	t.Run("EmptyReturnedToken", func(t *testing.T) {
		cmd := newPendingCommand()
		err := cmd.Reschedule(VisibilityReceipt{VisibleAt: testNow}, testNow)
		assert.ErrorIs(t, err, ErrInvalidOperation)
		assert.Equal(t, "tok-1", cmd.Token.Value())
	})

	t.Run("Executed", func(t *testing.T) {
		cmd := newPendingCommand()
		cmd.ExecutedAt = sql.NullTime{Time: testNow, Valid: true}
		err := cmd.Reschedule(VisibilityReceipt{Token: NewContinuationToken("tok-2")}, testNow)
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})
}

func TestQueuedCommand_Validate(t *testing.T) {
	cmd := newPendingCommand()
	cmd.ExecutedAt = sql.NullTime{Time: testNow, Valid: true}
	cmd.IsRemoved = true
	assert.ErrorIs(t, cmd.Validate(), ErrInvalidOperation)

	cmd = newPendingCommand()
	cmd.Type = "firmware"
	assert.ErrorIs(t, cmd.Validate(), ErrValidation)

	cmd = newPendingCommand()
	cmd.OriginalID = uuid.NullUUID{UUID: cmd.ID, Valid: true}
	assert.ErrorIs(t, cmd.Validate(), ErrValidation)
}

func TestQueuedCommand_Preview(t *testing.T) {
	cmd := newPendingCommand()
	cmd.Payload = []byte(strings.Repeat("a", 10))
	assert.Equal(t, "aaaa…", cmd.Preview(4))
	assert.Equal(t, "aaaaaaaaaa", cmd.Preview(64))

	cmd.Payload = []byte{0xff, 0xfe}
	assert.Equal(t, "<2 bytes>", cmd.Preview(64))
}

func TestContinuationToken_NeverPrinted(t *testing.T) {
	tok := NewContinuationToken("secret-receipt")

	assert.Equal(t, "<redacted>", tok.String())
	assert.NotContains(t, fmt.Sprintf("%v", tok), "secret-receipt")
	assert.Equal(t, slog.StringValue("<redacted>"), tok.LogValue())
	assert.Equal(t, "<none>", ContinuationToken{}.String())
	assert.True(t, tok.Equal(NewContinuationToken("secret-receipt")))
}

func TestEnvelope_RoundTripAndValidation(t *testing.T) {
	env := Envelope{CommandID: uuid.New(), DeviceID: uuid.New(), Type: CommandTypeEmail, Payload: []byte(`{"to":["a@b.c"]}`)}
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)

	_, err = DecodeEnvelope([]byte(`{"type":"email"}`))
	assert.Error(t, err)
}
