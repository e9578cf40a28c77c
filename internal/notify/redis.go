package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channel carries generation updates from the worker process to the API
// process, which owns the websocket connections.
const Channel = "scenefit:generation_updates"

// RedisPublisher publishes events onto the cross-process channel.
type RedisPublisher struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(client *redis.Client, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger.With().Str("component", "notify_publisher").Logger()}
}

// Publish is best-effort: a publish failure is logged, never fatal to the job.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, Channel, payload).Err(); err != nil {
		p.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("publish failed")
		return err
	}
	return nil
}

var _ Publisher = (*RedisPublisher)(nil)

// Subscriber consumes the cross-process channel and forwards events into the
// local hub.
type Subscriber struct {
	client *redis.Client
	sink   Publisher
	logger zerolog.Logger
}

// NewSubscriber bridges Redis pub/sub into the given sink (normally a Hub).
func NewSubscriber(client *redis.Client, sink Publisher, logger zerolog.Logger) *Subscriber {
	return &Subscriber{client: client, sink: sink, logger: logger.With().Str("component", "notify_subscriber").Logger()}
}

// Run blocks consuming the channel until the context is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, Channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn().Err(err).Msg("malformed event payload")
				continue
			}
			if err := s.sink.Publish(ctx, event); err != nil {
				s.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("local delivery failed")
			}
		}
	}
}
