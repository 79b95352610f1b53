package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"github.com/iotmon/golang_services/internal/command_service/domain"
)

// --- Mocks ---

type MockCommandStore struct {
	mock.Mock
}

func (m *MockCommandStore) Upsert(ctx context.Context, cmd *domain.QueuedCommand, persist bool) error {
	args := m.Called(ctx, cmd, persist)
	return args.Error(0)
}

func (m *MockCommandStore) UpdatePending(ctx context.Context, cmd *domain.QueuedCommand, expected domain.ContinuationToken) error {
	args := m.Called(ctx, cmd, expected)
	return args.Error(0)
}

func (m *MockCommandStore) FindByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	args := m.Called(ctx, deviceID, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueuedCommand), args.Error(1)
}

func (m *MockCommandStore) FindPendingByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	args := m.Called(ctx, deviceID, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueuedCommand), args.Error(1)
}

func (m *MockCommandStore) FindExecutedByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	args := m.Called(ctx, deviceID, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueuedCommand), args.Error(1)
}

func (m *MockCommandStore) ListByDevice(ctx context.Context, deviceID uuid.UUID, filter domain.ListFilter) ([]*domain.QueuedCommand, int, error) {
	args := m.Called(ctx, deviceID, filter)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*domain.QueuedCommand), args.Int(1), args.Error(2)
}

func (m *MockCommandStore) ListDuplicates(ctx context.Context, originalID uuid.UUID) ([]*domain.QueuedCommand, error) {
	args := m.Called(ctx, originalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.QueuedCommand), args.Error(1)
}

type MockDelayQueue struct {
	mock.Mock
}

func (m *MockDelayQueue) Send(ctx context.Context, payload []byte, delay time.Duration) (domain.SendReceipt, error) {
	args := m.Called(ctx, payload, delay)
	return args.Get(0).(domain.SendReceipt), args.Error(1)
}

func (m *MockDelayQueue) ExtendVisibility(ctx context.Context, messageID string, token domain.ContinuationToken, newDelay time.Duration) (domain.VisibilityReceipt, error) {
	args := m.Called(ctx, messageID, token, newDelay)
	return args.Get(0).(domain.VisibilityReceipt), args.Error(1)
}

func (m *MockDelayQueue) Delete(ctx context.Context, messageID string, token domain.ContinuationToken) error {
	args := m.Called(ctx, messageID, token)
	return args.Error(0)
}

func (m *MockDelayQueue) Receive(ctx context.Context, max int, visibilityTimeout time.Duration) ([]domain.Delivery, error) {
	args := m.Called(ctx, max, visibilityTimeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Delivery), args.Error(1)
}

type MockDeviceDirectory struct {
	mock.Mock
}

func (m *MockDeviceDirectory) GetDevice(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Device), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishMsg(ctx context.Context, msg *nats.Msg) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type MockAcknowledger struct {
	mock.Mock
}

func (m *MockAcknowledger) Acknowledge(ctx context.Context, deviceID uuid.UUID, messageID string, executedAt *time.Time) error {
	args := m.Called(ctx, deviceID, messageID, executedAt)
	return args.Error(0)
}

type MockSubscriber struct {
	mock.Mock
}

func (m *MockSubscriber) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg *nats.Msg)) error {
	args := m.Called(ctx, subject, queueGroup, handler)
	return args.Error(0)
}
