// Package notify forwards engine events to other processes over Redis
// pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tradedesk/internal/events"
	"tradedesk/internal/util"
)

// Publisher is the subset of redis.UniversalClient used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

var _ Publisher = (redis.UniversalClient)(nil)

// Options configures a RedisSink.
type Options struct {
	// Channel is the pub/sub channel events are published on.
	Channel string
	// IncludeQuotes also forwards quote events. Off by default; quote
	// traffic is high volume.
	IncludeQuotes bool
	// Timeout bounds each PUBLISH call.
	Timeout time.Duration
}

// RedisSink publishes bus events as JSON to a Redis channel.
type RedisSink struct {
	client Publisher
	opts   Options
	logger *slog.Logger

	published int64
	failed    int64
}

// NewClient builds a go-redis client from address, password and db.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisSink creates a sink publishing through client.
func NewRedisSink(client Publisher, opts Options, logger *slog.Logger) *RedisSink {
	if opts.Channel == "" {
		opts.Channel = "tradedesk:events"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &RedisSink{
		client: client,
		opts:   opts,
		logger: util.ComponentLogger(logger, "redis"),
	}
}

// Run consumes sub until ctx is cancelled or the subscription is closed.
func (s *RedisSink) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	s.logger.Info("redis sink started", "event", "sink_start", "channel", s.opts.Channel)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("redis sink stopped", "event", "sink_stop",
				"published", s.published, "failed", s.failed)
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if e.Kind == events.KindQuote && !s.opts.IncludeQuotes {
				continue
			}
			if err := s.Forward(ctx, e); err != nil {
				s.failed++
				s.logger.Warn("publish failed", "event", "sink_publish_failed",
					"kind", e.Kind, "profile", e.Profile, "error", err)
				continue
			}
			s.published++
		}
	}
}

// Forward publishes a single event.
func (s *RedisSink) Forward(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Kind, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	return s.client.Publish(ctx, s.opts.Channel, payload).Err()
}
