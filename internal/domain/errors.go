package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict: idempotency key already exists")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrUnknownJobType      = errors.New("unknown job type")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrInvalidAggregate    = errors.New("aggregate id and aggregate type must not be empty")
	ErrInvalidQueue        = errors.New("queue name must not be empty or contain ':'")
	ErrUnknownQueue        = errors.New("unknown queue")
	ErrInvalidJobOptions   = errors.New("delay_ms and max_retries must not be negative")
	ErrInvalidCount        = errors.New("count must be between 1 and 1000")
	ErrInvalidChannel      = errors.New("invalid channel: must be sms, email, or push")
	ErrInvalidRecipient    = errors.New("recipient must not be empty")
	ErrInvalidContent      = errors.New("body must be between 1 and 4096 characters")
	ErrHandlerRegistered   = errors.New("handler already registered for event type")
	ErrProcessorRunning    = errors.New("processor is already running")
	ErrProcessorNotRunning = errors.New("processor is not running")
	ErrClaimLost           = errors.New("event already processed or reclaimed by another instance")
)
