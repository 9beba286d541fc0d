// Package events publishes review events through the transactional outbox.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/solar-panel-scraper/internal/database"
	"github.com/maltedev/solar-panel-scraper/internal/reparse"
)

type EventType string

const (
	// EventTypePanelReparsed is published after reparse writes new values.
	EventTypePanelReparsed EventType = "PANEL_REPARSED"
	// EventTypeOverrideMismatch is published when fresh evidence disagrees
	// with a protected field.
	EventTypeOverrideMismatch EventType = "OVERRIDE_MISMATCH"

	aggregateType = "panel"
	eventSource   = "reparse"
)

// PanelReparsedPayload is the body of a PANEL_REPARSED event.
type PanelReparsedPayload struct {
	EventID       string                `json:"event_id"`
	EventType     string                `json:"event_type"`
	Timestamp     time.Time             `json:"timestamp"`
	PanelID       string                `json:"panel_id"`
	ASIN          string                `json:"asin"`
	Updates       []reparse.FieldUpdate `json:"updates"`
	MissingFields []string              `json:"missing_fields,omitempty"`
	Source        string                `json:"source"`
}

// OverrideMismatchPayload is the body of an OVERRIDE_MISMATCH event.
type OverrideMismatchPayload struct {
	EventID    string             `json:"event_id"`
	EventType  string             `json:"event_type"`
	Timestamp  time.Time          `json:"timestamp"`
	PanelID    string             `json:"panel_id"`
	ASIN       string             `json:"asin"`
	Mismatches []reparse.Mismatch `json:"mismatches"`
	Source     string             `json:"source"`
}

// OutboxWriter stores events in the outbox.
type OutboxWriter interface {
	Insert(ctx context.Context, events ...*database.OutboxEvent) error
}

// Publisher writes review events to the outbox; the relay forwards them to
// the review stream.
type Publisher struct {
	outbox OutboxWriter
	stream string
	logger *slog.Logger
	now    func() time.Time
}

var _ reparse.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher. An empty stream uses the outbox default.
func NewPublisher(outbox OutboxWriter, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = database.DefaultTargetStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		outbox: outbox,
		stream: stream,
		logger: logger.With("component", "event_publisher"),
		now:    time.Now,
	}
}

// PublishPanelReparsed records the updates written for a panel.
func (p *Publisher) PublishPanelReparsed(ctx context.Context, plan *reparse.Plan) error {
	if plan == nil || !plan.HasChanges() {
		return nil
	}

	payload := &PanelReparsedPayload{
		EventID:   uuid.NewString(),
		EventType: string(EventTypePanelReparsed),
		Timestamp: p.now().UTC(),
		PanelID:   plan.PanelID,
		ASIN:      plan.ASIN,
		Updates:   plan.Updates,
		Source:    eventSource,
	}
	if plan.MissingChanged {
		payload.MissingFields = plan.MissingFields
	}

	return p.publish(ctx, EventTypePanelReparsed, plan.PanelID, payload.EventID, plan.ASIN, payload)
}

// PublishOverrideMismatch records protected fields the new evidence
// disagrees with. Plans without mismatches are ignored.
func (p *Publisher) PublishOverrideMismatch(ctx context.Context, plan *reparse.Plan) error {
	if plan == nil || len(plan.Mismatches) == 0 {
		return nil
	}

	payload := &OverrideMismatchPayload{
		EventID:    uuid.NewString(),
		EventType:  string(EventTypeOverrideMismatch),
		Timestamp:  p.now().UTC(),
		PanelID:    plan.PanelID,
		ASIN:       plan.ASIN,
		Mismatches: plan.Mismatches,
		Source:     eventSource,
	}

	return p.publish(ctx, EventTypeOverrideMismatch, plan.PanelID, payload.EventID, plan.ASIN, payload)
}

func (p *Publisher) publish(ctx context.Context, eventType EventType, panelID, eventID, asin string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   panelID,
		EventType:     string(eventType),
		Payload:       data,
		TargetStream:  p.stream,
	}

	if err := p.outbox.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", eventType,
		"event_id", eventID,
		"panel_id", panelID,
		"asin", asin,
		"outbox_id", event.ID,
	)

	return nil
}
