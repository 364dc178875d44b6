// Package adapter connects the fleet's attempt pipeline to its observers:
// process-wide counters, Prometheus metrics, and the optional Redis outcome
// stream. Instances stay unaware of any of them.
package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	publishRetries   = 3
	publishBaseDelay = 500 * time.Millisecond
	publishTimeout   = 5 * time.Second
)

// OutcomeEvent is the wire form of one finished attempt on the event stream.
type OutcomeEvent struct {
	InstanceID  int       `json:"instance_id"`
	Outcome     string    `json:"outcome"`
	FailureType string    `json:"failure_type,omitempty"`
	VoteCount   int       `json:"vote_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher emits outcome events. Implementations must never block the
// caller's attempt loop.
type Publisher interface {
	Publish(event OutcomeEvent)
	Close() error
}

// NopPublisher drops every event. Used when no Redis URL is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(OutcomeEvent) {}
func (NopPublisher) Close() error         { return nil }

// RedisPublisher publishes outcome events to a Redis channel. Publishing is
// fire-and-forget with bounded retries; a dead Redis only costs log noise.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to Redis at rawURL and targets channel.
func NewRedisPublisher(rawURL, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Redis may come up later; publishing retries per event.
		log.Warn().Err(err).Msg("Redis not reachable yet, events will retry")
	}

	return &RedisPublisher{client: client, channel: channel}, nil
}

// Publish sends the event in the background and returns immediately.
func (p *RedisPublisher) Publish(event OutcomeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Outcome event marshal failed")
		return
	}

	go func() {
		for i := 0; i < publishRetries; i++ {
			if i > 0 {
				time.Sleep(publishBaseDelay << uint(i-1))
			}
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			err := p.client.Publish(ctx, p.channel, payload).Err()
			cancel()
			if err == nil {
				return
			}
			log.Debug().Err(err).Int("try", i+1).Msg("Outcome event publish failed")
		}
		log.Warn().
			Int("instance_id", event.InstanceID).
			Str("outcome", event.Outcome).
			Msg("Outcome event dropped after retries")
	}()
}

// Close shuts down the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
