package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamClient is the slice of *redis.Client the stream transport uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// RedisStream carries events over a Redis stream with a consumer group,
// giving at-least-once, possibly-duplicate delivery.
type RedisStream struct {
	client   streamClient
	stream   string
	group    string
	consumer string
	log      *zap.Logger

	// How often the consumer re-reads its pending entries. Messages left
	// unacked by a failed handler or a crash live in the pending entries
	// list; without the re-read they would never be delivered again.
	pendingInterval time.Duration
	nextPending     time.Time
}

func NewRedisStream(client *redis.Client, stream, group, consumer string, log *zap.Logger) *RedisStream {
	return &RedisStream{
		client:          client,
		stream:          stream,
		group:           group,
		consumer:        consumer,
		log:             log,
		pendingInterval: 30 * time.Second,
	}
}

func (s *RedisStream) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"event": raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (s *RedisStream) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Consume delivers events to handler until ctx is cancelled. Handler errors
// leave the message in the consumer's pending list; it is retried on the next
// pending sweep. The first sweep runs immediately so a restarted consumer
// picks up what it left unacked before new traffic.
func (s *RedisStream) Consume(ctx context.Context, handler Handler) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !time.Now().Before(s.nextPending) {
			s.sweepPending(ctx, handler)
			s.nextPending = time.Now().Add(s.pendingInterval)
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    16,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("event stream read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		s.deliver(ctx, streams, handler)
	}
}

// sweepPending re-reads this consumer's pending entries list from the start
// and runs them through the handler again.
func (s *RedisStream) sweepPending(ctx context.Context, handler Handler) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, "0"},
		Count:    16,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			s.log.Error("pending sweep failed", zap.Error(err))
		}
		return
	}
	s.deliver(ctx, streams, handler)
}

func (s *RedisStream) deliver(ctx context.Context, streams []redis.XStream, handler Handler) {
	for _, str := range streams {
		for _, msg := range str.Messages {
			ev, ok := decodeMessage(msg)
			if !ok {
				// Poison entry; ack so it does not wedge the group.
				s.log.Warn("dropping undecodable event", zap.String("msg_id", msg.ID))
				_ = s.client.XAck(ctx, s.stream, s.group, msg.ID).Err()
				continue
			}
			if err := handler(ctx, ev); err != nil {
				// Leave unacked; the pending sweep retries it.
				s.log.Warn("event handler failed, leaving for redelivery",
					zap.String("event_id", ev.ID),
					zap.String("type", string(ev.Type)),
					zap.Error(err))
				continue
			}
			if err := s.client.XAck(ctx, s.stream, s.group, msg.ID).Err(); err != nil {
				s.log.Error("event ack failed", zap.String("msg_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func decodeMessage(msg redis.XMessage) (Event, bool) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}
