package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/solar-panel-scraper/internal/events"
)

const (
	DefaultGroup    = "panel-review-group"
	DefaultConsumer = "review-consumer-1"
)

type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
}

// Consumer reads review events from the stream the outbox relay writes to
// and turns override mismatches into review flags.
type Consumer struct {
	redis   StreamClient
	flagger *Flagger
	config  ConsumerConfig
	logger  *slog.Logger
}

func NewConsumer(client StreamClient, flagger *Flagger, config ConsumerConfig, logger *slog.Logger) *Consumer {
	if config.Group == "" {
		config.Group = DefaultGroup
	}
	if config.Consumer == "" {
		config.Consumer = DefaultConsumer
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.Count == 0 {
		config.Count = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		redis:   client,
		flagger: flagger,
		config:  config,
		logger:  logger.With("component", "review_consumer"),
	}
}

// Run consumes until ctx is cancelled. Messages that fail are left
// unacknowledged in the pending entries list.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.config.Stream, c.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "stream", c.config.Stream, "group", c.config.Group)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.config.Group,
			Consumer: c.config.Consumer,
			Streams:  []string{c.config.Stream, ">"},
			Count:    c.config.Count,
			Block:    c.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				c.handle(ctx, message)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, message redis.XMessage) {
	if err := c.HandleMessage(ctx, message); err != nil {
		c.logger.Error("failed to process message", "id", message.ID, "error", err)
		return
	}
	if err := c.redis.XAck(ctx, c.config.Stream, c.config.Group, message.ID).Err(); err != nil {
		c.logger.Error("failed to acknowledge message", "id", message.ID, "error", err)
	}
}

// envelope is the stream entry written by the outbox relay.
type envelope struct {
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

// HandleMessage processes one stream entry. Event types other than
// OVERRIDE_MISMATCH are accepted and ignored.
func (c *Consumer) HandleMessage(ctx context.Context, message redis.XMessage) error {
	eventType, _ := message.Values["type"].(string)
	if eventType != string(events.EventTypeOverrideMismatch) {
		c.logger.Debug("skipping event", "id", message.ID, "type", eventType)
		return nil
	}

	data, ok := message.Values["data"].(string)
	if !ok {
		return fmt.Errorf("message %s has no data", message.ID)
	}

	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("failed to parse envelope: %w", err)
	}

	var payload events.OverrideMismatchPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload.PanelID == "" {
		payload.PanelID = env.AggregateID
	}
	if payload.PanelID == "" {
		return fmt.Errorf("message %s has no panel id", message.ID)
	}

	_, err := c.flagger.RaiseOverrideMismatch(ctx, payload.PanelID, payload.ASIN, payload.Mismatches)
	return err
}
