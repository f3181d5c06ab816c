package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/notifyhub/relay/internal/domain"
)

// DeliveryRequest is the JSON body posted to the external sink.
type DeliveryRequest struct {
	ID      string          `json:"id"`
	Type    domain.JobType  `json:"type"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// DeliveryResponse maps the sink's optional JSON acknowledgement.
type DeliveryResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Provider abstracts delivery of a job to an external service.
// Mocking this interface in tests gives full control over provider behaviour
// without making real HTTP calls.
type Provider interface {
	Deliver(ctx context.Context, msg *domain.QueueMessage) (*DeliveryResponse, error)
}

// StatusError is returned when the sink answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected provider status: %d", e.Code)
}

// Permanent reports whether repeating the request cannot succeed.
// 408 and 429 are client-class codes that do clear up on their own.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// Classify turns a delivery error into a handler outcome.
func Classify(err error) domain.Result {
	if err == nil {
		return domain.Success()
	}
	var se *StatusError
	if errors.As(err, &se) && se.Permanent() {
		return domain.Fail(err)
	}
	return domain.Retry(err)
}

// JobHandler adapts p to the worker's handler signature.
func JobHandler(p Provider) func(context.Context, *domain.QueueMessage) domain.Result {
	return func(ctx context.Context, msg *domain.QueueMessage) domain.Result {
		_, err := p.Deliver(ctx, msg)
		return Classify(err)
	}
}
