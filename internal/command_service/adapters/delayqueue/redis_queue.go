package delayqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iotmon/golang_services/internal/command_service/domain"
	"github.com/iotmon/golang_services/internal/platform/clock"
)

// Script results for token-checked mutations.
const (
	resultApplied       = 1
	resultTokenMismatch = 0
	resultMissing       = -1
)

// KEYS[1] visible zset, KEYS[2] message hash.
// ARGV[1] expected token, ARGV[2] new token, ARGV[3] visible-at ms, ARGV[4] message id.
var extendScript = redis.NewScript(`
local tok = redis.call('HGET', KEYS[2], 'token')
if not tok then return -1 end
if tok ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[2], 'token', ARGV[2], 'visible_at', ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
return 1
`)

// KEYS[1] visible zset, KEYS[2] message hash. ARGV[1] expected token, ARGV[2] message id.
var deleteScript = redis.NewScript(`
local tok = redis.call('HGET', KEYS[2], 'token')
if not tok then return -1 end
if tok ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[2])
return 1
`)

// KEYS[1] visible zset. ARGV[1] now ms, ARGV[2] max, ARGV[3] invisible-until ms,
// ARGV[4] message key prefix, ARGV[5..] fresh tokens, one per claimable message.
// Returns a flat list of id, body, token, dequeue_count.
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for i, id in ipairs(ids) do
  local key = ARGV[4] .. id
  local body = redis.call('HGET', key, 'body')
  if body then
    local tok = ARGV[4 + i]
    redis.call('HSET', key, 'token', tok, 'visible_at', ARGV[3])
    local n = redis.call('HINCRBY', key, 'dequeue_count', 1)
    redis.call('ZADD', KEYS[1], ARGV[3], id)
    table.insert(out, id)
    table.insert(out, body)
    table.insert(out, tok)
    table.insert(out, n)
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

// RedisQueue is a delay queue on a Redis sorted set scored by visible-at time.
// Every mutation checks and rotates the message's token, so a token works once.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
	logger *slog.Logger
}

func NewRedisQueue(client redis.UniversalClient, prefix string, clk clock.Clock, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		prefix: prefix,
		clock:  clk,
		logger: logger.With("component", "redis_delay_queue"),
	}
}

func (q *RedisQueue) visibleKey() string { return q.prefix + ":visible" }

func (q *RedisQueue) messageKeyPrefix() string { return q.prefix + ":msg:" }

func (q *RedisQueue) messageKey(id string) string { return q.messageKeyPrefix() + id }

// Send stores payload invisible for delay and returns its id and first token.
func (q *RedisQueue) Send(ctx context.Context, payload []byte, delay time.Duration) (domain.SendReceipt, error) {
	if delay < 0 {
		return domain.SendReceipt{}, fmt.Errorf("negative delay %s", delay)
	}
	id := uuid.NewString()
	token := uuid.NewString()
	visibleAt := q.clock.Now().Add(delay).UTC()
	score := visibleAt.UnixMilli()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.messageKey(id),
			"body", payload,
			"token", token,
			"visible_at", score,
			"dequeue_count", 0,
		)
		pipe.ZAdd(ctx, q.visibleKey(), redis.Z{Score: float64(score), Member: id})
		return nil
	})
	if err != nil {
		return domain.SendReceipt{}, fmt.Errorf("redis queue send: %w", err)
	}

	q.logger.DebugContext(ctx, "Message enqueued", "message_id", id, "visible_at", visibleAt)
	return domain.SendReceipt{
		MessageID: id,
		Token:     domain.NewContinuationToken(token),
		VisibleAt: time.UnixMilli(score).UTC(),
	}, nil
}

// ExtendVisibility moves the message's visibility to now+newDelay.
func (q *RedisQueue) ExtendVisibility(ctx context.Context, messageID string, token domain.ContinuationToken, newDelay time.Duration) (domain.VisibilityReceipt, error) {
	if newDelay < 0 {
		return domain.VisibilityReceipt{}, fmt.Errorf("negative delay %s", newDelay)
	}
	next := uuid.NewString()
	score := q.clock.Now().Add(newDelay).UnixMilli()

	res, err := extendScript.Run(ctx, q.client,
		[]string{q.visibleKey(), q.messageKey(messageID)},
		token.Value(), next, score, messageID,
	).Int()
	if err != nil {
		return domain.VisibilityReceipt{}, fmt.Errorf("redis queue extend visibility: %w", err)
	}
	if err := scriptResultErr(res, messageID); err != nil {
		return domain.VisibilityReceipt{}, err
	}
	return domain.VisibilityReceipt{
		Token:     domain.NewContinuationToken(next),
		VisibleAt: time.UnixMilli(score).UTC(),
	}, nil
}

// Delete removes the message.
func (q *RedisQueue) Delete(ctx context.Context, messageID string, token domain.ContinuationToken) error {
	res, err := deleteScript.Run(ctx, q.client,
		[]string{q.visibleKey(), q.messageKey(messageID)},
		token.Value(), messageID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis queue delete: %w", err)
	}
	return scriptResultErr(res, messageID)
}

// Receive claims up to max visible messages and hides them for visibilityTimeout.
// A claimed message that is not deleted becomes visible again (at-least-once).
func (q *RedisQueue) Receive(ctx context.Context, max int, visibilityTimeout time.Duration) ([]domain.Delivery, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.clock.Now()
	args := make([]any, 0, 4+max)
	args = append(args,
		now.UnixMilli(),
		max,
		now.Add(visibilityTimeout).UnixMilli(),
		q.messageKeyPrefix(),
	)
	for i := 0; i < max; i++ {
		args = append(args, uuid.NewString())
	}

	raw, err := receiveScript.Run(ctx, q.client, []string{q.visibleKey()}, args...).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis queue receive: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("redis queue receive: malformed reply of %d elements", len(raw))
	}

	messages := make([]domain.Delivery, 0, len(raw)/4)
	for i := 0; i < len(raw); i += 4 {
		id, _ := raw[i].(string)
		body, _ := raw[i+1].(string)
		tok, _ := raw[i+2].(string)
		count, err := toInt64(raw[i+3])
		if err != nil {
			return nil, fmt.Errorf("redis queue receive: %w", err)
		}
		messages = append(messages, domain.Delivery{
			ID:           id,
			Body:         []byte(body),
			Token:        domain.NewContinuationToken(tok),
			DequeueCount: count,
		})
	}
	return messages, nil
}

// Len reports how many messages the queue holds, visible or not.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.visibleKey()).Result()
}

func scriptResultErr(res int, messageID string) error {
	switch res {
	case resultApplied:
		return nil
	case resultTokenMismatch:
		return fmt.Errorf("message %s: %w", messageID, domain.ErrQueueTokenMismatch)
	case resultMissing:
		return fmt.Errorf("message %s: %w", messageID, domain.ErrQueueMessageNotFound)
	default:
		return fmt.Errorf("message %s: unexpected script result %d", messageID, res)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected dequeue count type %T", v)
	}
}
