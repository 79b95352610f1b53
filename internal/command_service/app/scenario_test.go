package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotmon/golang_services/internal/command_service/domain"
	"github.com/iotmon/golang_services/internal/platform/clock"
)

// fakeQueue keeps single-use tokens the way the real queue does.
type fakeQueue struct {
	mu      sync.Mutex
	clock   clock.Clock
	seq     int
	msgs    map[string]*fakeQueueMessage
	deletes int
}

type fakeQueueMessage struct {
	token     string
	visibleAt time.Time
}

func newFakeQueue(clk clock.Clock) *fakeQueue {
	return &fakeQueue{clock: clk, msgs: map[string]*fakeQueueMessage{}}
}

func (q *fakeQueue) nextToken() string {
	q.seq++
	return fmt.Sprintf("tok-%d", q.seq)
}

func (q *fakeQueue) Send(_ context.Context, _ []byte, delay time.Duration) (domain.SendReceipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := fmt.Sprintf("msg-%d", q.seq)
	m := &fakeQueueMessage{token: q.nextToken(), visibleAt: q.clock.Now().Add(delay)}
	q.msgs[id] = m
	return domain.SendReceipt{MessageID: id, Token: domain.NewContinuationToken(m.token), VisibleAt: m.visibleAt}, nil
}

func (q *fakeQueue) ExtendVisibility(_ context.Context, messageID string, token domain.ContinuationToken, newDelay time.Duration) (domain.VisibilityReceipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[messageID]
	if !ok {
		return domain.VisibilityReceipt{}, domain.ErrQueueMessageNotFound
	}
	if m.token != token.Value() {
		return domain.VisibilityReceipt{}, domain.ErrQueueTokenMismatch
	}
	m.token = q.nextToken()
	m.visibleAt = q.clock.Now().Add(newDelay)
	return domain.VisibilityReceipt{Token: domain.NewContinuationToken(m.token), VisibleAt: m.visibleAt}, nil
}

func (q *fakeQueue) Delete(_ context.Context, messageID string, token domain.ContinuationToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[messageID]
	if !ok {
		return domain.ErrQueueMessageNotFound
	}
	if m.token != token.Value() {
		return domain.ErrQueueTokenMismatch
	}
	delete(q.msgs, messageID)
	q.deletes++
	return nil
}

func (q *fakeQueue) liveToken(messageID string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.msgs[messageID]; ok {
		return m.token
	}
	return ""
}

// fakeStore guards UpdatePending the way the SQL statement does. Reads return copies.
type fakeStore struct {
	mu             sync.Mutex
	rows           map[uuid.UUID]domain.QueuedCommand
	writes         int
	failNextUpdate error
	failNextUpsert error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[uuid.UUID]domain.QueuedCommand{}}
}

func (s *fakeStore) Upsert(_ context.Context, cmd *domain.QueuedCommand, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNextUpsert; err != nil {
		s.failNextUpsert = nil
		return err
	}
	for id, row := range s.rows {
		if id != cmd.ID && row.MessageID == cmd.MessageID {
			return domain.ErrDuplicateMessage
		}
	}
	s.rows[cmd.ID] = *cmd
	s.writes++
	return nil
}

func (s *fakeStore) UpdatePending(_ context.Context, cmd *domain.QueuedCommand, expected domain.ContinuationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNextUpdate; err != nil {
		s.failNextUpdate = nil
		return err
	}
	row, ok := s.rows[cmd.ID]
	if !ok || row.State() != domain.StatePending || !row.Token.Equal(expected) {
		return domain.ErrConcurrentUpdate
	}
	s.rows[cmd.ID] = *cmd
	s.writes++
	return nil
}

func (s *fakeStore) find(deviceID uuid.UUID, messageID string, state domain.CommandState) (*domain.QueuedCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.DeviceID == deviceID && row.MessageID == messageID && (state == "" || row.State() == state) {
			cp := row
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) FindByDeviceAndMessageID(_ context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	return s.find(deviceID, messageID, "")
}

func (s *fakeStore) FindPendingByDeviceAndMessageID(_ context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	return s.find(deviceID, messageID, domain.StatePending)
}

func (s *fakeStore) FindExecutedByDeviceAndMessageID(_ context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	return s.find(deviceID, messageID, domain.StateExecuted)
}

func (s *fakeStore) ListByDevice(_ context.Context, deviceID uuid.UUID, _ domain.ListFilter) ([]*domain.QueuedCommand, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.QueuedCommand
	for _, row := range s.rows {
		if row.DeviceID == deviceID {
			cp := row
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (s *fakeStore) ListDuplicates(_ context.Context, originalID uuid.UUID) ([]*domain.QueuedCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.QueuedCommand
	for _, row := range s.rows {
		if row.OriginalID.Valid && row.OriginalID.UUID == originalID {
			cp := row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) get(t *testing.T, deviceID uuid.UUID, messageID string) *domain.QueuedCommand {
	t.Helper()
	cmd, err := s.find(deviceID, messageID, "")
	require.NoError(t, err)
	return cmd
}

type staticDevices map[uuid.UUID]*domain.Device

func (d staticDevices) GetDevice(_ context.Context, id uuid.UUID) (*domain.Device, error) {
	if dev, ok := d[id]; ok {
		return dev, nil
	}
	return nil, domain.ErrNotFound
}

type scenario struct {
	coordinator *Coordinator
	store       *fakeStore
	queue       *fakeQueue
	clock       *clock.Fixed
	actor       domain.Actor
	deviceID    uuid.UUID
}

func newScenario(t *testing.T) scenario {
	t.Helper()
	clk := clock.NewFixed(testNow)
	store := newFakeStore()
	queue := newFakeQueue(clk)
	actor := domain.Actor{UserID: uuid.New()}
	device := &domain.Device{ID: uuid.New(), OwnerID: actor.UserID, Name: "camera-2"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return scenario{
		coordinator: NewCoordinator(store, queue, staticDevices{device.ID: device}, OwnerOrAdminPolicy{}, clk, logger),
		store:       store,
		queue:       queue,
		clock:       clk,
		actor:       actor,
		deviceID:    device.ID,
	}
}

func (s scenario) enqueue(t *testing.T, at *time.Time) *domain.QueuedCommand {
	t.Helper()
	cmd, err := s.coordinator.Enqueue(context.Background(), s.actor, EnqueueRequest{
		DeviceID: s.deviceID,
		Type:     domain.CommandTypeMotionControl,
		Payload:  []byte(`{"axis":"tilt","position":15,"speed_percent":40}`),
		At:       at,
	})
	require.NoError(t, err)
	return cmd
}

func TestScenario_RescheduleThenAcknowledge(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)

	c := s.enqueue(t, ptrTime(testNow.Add(5*time.Minute)))
	assert.Equal(t, domain.StatePending, c.State())
	assert.Equal(t, testNow.Add(5*time.Minute), c.ScheduledAt)
	firstToken := c.Token

	rescheduled, err := s.coordinator.Reschedule(ctx, s.actor, s.deviceID, c.MessageID, testNow.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(10*time.Minute), rescheduled.ScheduledAt)
	assert.False(t, rescheduled.Token.Equal(firstToken), "token replaced")

	stored := s.store.get(t, s.deviceID, c.MessageID)
	assert.Equal(t, s.queue.liveToken(c.MessageID), stored.Token.Value())

	executedAt := testNow.Add(11 * time.Minute)
	require.NoError(t, s.coordinator.Acknowledge(ctx, s.deviceID, c.MessageID, &executedAt))
	stored = s.store.get(t, s.deviceID, c.MessageID)
	assert.Equal(t, domain.StateExecuted, stored.State())
	assert.Equal(t, executedAt, stored.ExecutedAt.Time)

	_, err = s.coordinator.Reschedule(ctx, s.actor, s.deviceID, c.MessageID, testNow.Add(20*time.Minute))
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
	_, err = s.coordinator.Cancel(ctx, s.actor, s.deviceID, c.MessageID)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestScenario_CancelThenLateAcknowledge(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)

	d := s.enqueue(t, ptrTime(testNow.Add(time.Minute)))
	cancelled, err := s.coordinator.Cancel(ctx, s.actor, s.deviceID, d.MessageID)
	require.NoError(t, err)
	assert.True(t, cancelled.IsRemoved)
	assert.Equal(t, 1, s.queue.deletes)

	// Executions reported after a cancel are ignored; the record stays removed.
	require.NoError(t, s.coordinator.Acknowledge(ctx, s.deviceID, d.MessageID, ptrTime(testNow.Add(2*time.Minute))))
	stored := s.store.get(t, s.deviceID, d.MessageID)
	assert.Equal(t, domain.StateRemoved, stored.State())
	assert.Equal(t, domain.RemovalCancelledByUser, stored.RemovalReason)
	assert.False(t, stored.ExecutedAt.Valid)
}

func TestScenario_DuplicateExecuted(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)

	e := s.enqueue(t, nil)
	require.NoError(t, s.coordinator.Acknowledge(ctx, s.deviceID, e.MessageID, ptrTime(testNow)))

	s.clock.Advance(time.Hour)
	f, err := s.coordinator.Duplicate(ctx, s.actor, s.deviceID, e.MessageID, nil)
	require.NoError(t, err)
	assert.Equal(t, e.ID, f.OriginalID.UUID)
	assert.Equal(t, s.clock.Now(), f.ScheduledAt)
	assert.False(t, f.ExecutedAt.Valid)
	assert.NotEqual(t, e.MessageID, f.MessageID)

	lineage, err := s.coordinator.Lineage(ctx, s.actor, s.deviceID, e.MessageID)
	require.NoError(t, err)
	require.Len(t, lineage.Duplicates, 1)
	assert.Equal(t, f.ID, lineage.Duplicates[0].ID)

	// A duplicate of a still pending command is refused.
	_, err = s.coordinator.Duplicate(ctx, s.actor, s.deviceID, f.MessageID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestScenario_MessageIDsStayUnique(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)

	e := s.enqueue(t, nil)
	require.NoError(t, s.coordinator.Acknowledge(ctx, s.deviceID, e.MessageID, ptrTime(testNow)))
	for i := 0; i < 3; i++ {
		_, err := s.coordinator.Duplicate(ctx, s.actor, s.deviceID, e.MessageID, nil)
		require.NoError(t, err)
	}

	all, total, err := s.store.ListByDevice(ctx, s.deviceID, domain.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	seen := map[string]bool{}
	for _, cmd := range all {
		assert.False(t, seen[cmd.MessageID], "message id %s repeated", cmd.MessageID)
		seen[cmd.MessageID] = true
	}
}

func TestScenario_UnknownAcknowledgeWritesNothing(t *testing.T) {
	s := newScenario(t)
	require.NoError(t, s.coordinator.Acknowledge(context.Background(), s.deviceID, "msg-404", ptrTime(testNow)))
	assert.Zero(t, s.store.writes)
}

func TestScenario_StoreFailureAfterExtendLeavesStaleToken(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)
	c := s.enqueue(t, ptrTime(testNow.Add(time.Minute)))

	s.store.failNextUpdate = errors.New("db down")
	_, err := s.coordinator.Reschedule(ctx, s.actor, s.deviceID, c.MessageID, testNow.Add(time.Hour))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTransportConflict)

	// The stored token is now dead at the queue; the next call fails clearly.
	_, err = s.coordinator.Cancel(ctx, s.actor, s.deviceID, c.MessageID)
	assert.ErrorIs(t, err, domain.ErrTransportConflict)
	assert.Equal(t, domain.StatePending, s.store.get(t, s.deviceID, c.MessageID).State())
}

func TestScenario_StoreFailureAfterSendDeletesMessage(t *testing.T) {
	s := newScenario(t)
	s.store.failNextUpsert = errors.New("db down")

	_, err := s.coordinator.Enqueue(context.Background(), s.actor, EnqueueRequest{
		DeviceID: s.deviceID, Type: domain.CommandTypeMotionControl, Payload: []byte(`{}`),
	})
	require.Error(t, err)
	assert.Empty(t, s.queue.msgs)
	assert.Equal(t, 1, s.queue.deletes)
}

func TestScenario_RacingReschedules(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)
	c := s.enqueue(t, ptrTime(testNow.Add(time.Minute)))

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.coordinator.Reschedule(ctx, s.actor, s.deviceID, c.MessageID, testNow.Add(time.Duration(i+2)*time.Minute))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrTransportConflict)
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	stored := s.store.get(t, s.deviceID, c.MessageID)
	assert.Equal(t, s.queue.liveToken(c.MessageID), stored.Token.Value(), "stored token is the live one")
}

func TestScenario_AcknowledgeRacingCancel(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		s := newScenario(t)
		c := s.enqueue(t, ptrTime(testNow.Add(time.Minute)))

		var cancelErr, ackErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = s.coordinator.Cancel(ctx, s.actor, s.deviceID, c.MessageID)
		}()
		go func() {
			defer wg.Done()
			ackErr = s.coordinator.Acknowledge(ctx, s.deviceID, c.MessageID, ptrTime(testNow.Add(time.Minute)))
		}()
		wg.Wait()

		require.NoError(t, ackErr, "acknowledge never fails the caller")
		stored := s.store.get(t, s.deviceID, c.MessageID)
		require.NoError(t, stored.Validate())
		if cancelErr == nil {
			assert.Equal(t, domain.StateRemoved, stored.State())
		} else {
			assert.True(t, errors.Is(cancelErr, domain.ErrTransportConflict) || errors.Is(cancelErr, domain.ErrInvalidOperation), cancelErr)
			assert.Equal(t, domain.StateExecuted, stored.State())
		}
	}
}
