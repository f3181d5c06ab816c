package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// OutboxEvent is a domain event recorded alongside a business write and
// dispatched asynchronously by the outbox processor.
type OutboxEvent struct {
	ID                 string          `json:"id"`
	AggregateID        string          `json:"aggregate_id"`
	AggregateType      string          `json:"aggregate_type"`
	EventType          EventType       `json:"event_type"`
	EventVersion       int             `json:"event_version"`
	Payload            json.RawMessage `json:"payload"`
	Processed          bool            `json:"processed"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	ProcessingAttempts int             `json:"processing_attempts"`
	LastAttemptAt      *time.Time      `json:"last_attempt_at,omitempty"`
	LastError          *string         `json:"last_error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CreatedBy          *string         `json:"created_by,omitempty"`
	IdempotencyKey     *string         `json:"idempotency_key,omitempty"`
}

// AppendRequest is the producer-facing input for recording a new event.
type AppendRequest struct {
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      EventType       `json:"event_type"`
	EventVersion   int             `json:"event_version,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"-"`
	CreatedBy      string          `json:"created_by,omitempty"`
}

func (r *AppendRequest) Validate() error {
	if strings.TrimSpace(r.AggregateID) == "" || strings.TrimSpace(r.AggregateType) == "" {
		return ErrInvalidAggregate
	}
	return ValidateEventPayload(r.EventType, r.Payload)
}

// OutboxStats summarises the event table for dashboards and health checks.
type OutboxStats struct {
	Pending      int64   `json:"pending"`
	Retrying     int64   `json:"retrying"`
	Processed    int64   `json:"processed"`
	Failed       int64   `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}
