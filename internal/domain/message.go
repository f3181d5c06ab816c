package domain

import (
	"encoding/json"
	"strings"
)

// QueueMessage is the unit of work stored in the job queue.
// Timestamps are unix milliseconds so the wire form stays compact.
type QueueMessage struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
	Attempts    int             `json:"attempts"`
	LastAttempt *int64          `json:"lastAttempt,omitempty"`
	MaxRetries  int             `json:"maxRetries"`
	LastError   string          `json:"lastError,omitempty"`
}

// QueueStats reports the size of each per-queue collection.
type QueueStats struct {
	Ready     int64 `json:"ready"`
	Scheduled int64 `json:"scheduled"`
	Dead      int64 `json:"dead"`
}

// ValidateQueueName rejects names that would break the key layout.
func ValidateQueueName(name string) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, ":") {
		return ErrInvalidQueue
	}
	return nil
}

// EnqueueRequest is the operator-facing input for submitting a job.
type EnqueueRequest struct {
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	DelayMs     int64           `json:"delay_ms,omitempty"`
	MaxRetries  int             `json:"max_retries,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
}

func (r *EnqueueRequest) Validate() error {
	if r.DelayMs < 0 || r.MaxRetries < 0 {
		return ErrInvalidJobOptions
	}
	return ValidateJobPayload(r.Type, r.Payload)
}
