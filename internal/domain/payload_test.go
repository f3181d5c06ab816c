package domain_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/notifyhub/relay/internal/domain"
)

func TestValidateEventPayload(t *testing.T) {
	tests := []struct {
		name    string
		typ     domain.EventType
		payload string
		wantErr error
	}{
		{"workspace created", domain.EventWorkspaceCreated, `{"workspaceId":"ws-1","orderId":"o-1"}`, nil},
		{"workspace missing id", domain.EventWorkspaceCreated, `{"orderId":"o-1"}`, domain.ErrInvalidPayload},
		{"qr requested", domain.EventQRGenerationRequested, `{"orderId":"123"}`, nil},
		{"qr unknown field", domain.EventQRGenerationRequested, `{"orderId":"123","colour":"red"}`, domain.ErrInvalidPayload},
		{"notification", domain.EventNotificationRequested, `{"channel":"sms","recipient":"+1555","body":"hi"}`, nil},
		{"notification bad channel", domain.EventNotificationRequested, `{"channel":"fax","recipient":"+1555","body":"hi"}`, domain.ErrInvalidChannel},
		{"not json", domain.EventWorkspaceCreated, `{"workspaceId":`, domain.ErrInvalidPayload},
		{"empty payload", domain.EventWorkspaceCreated, ``, domain.ErrInvalidPayload},
		{"trailing garbage", domain.EventQRGenerationRequested, `{"orderId":"x"}garbage`, domain.ErrInvalidPayload},
		{"second value", domain.EventQRGenerationRequested, `{"orderId":"x"} {"orderId":"y"}`, domain.ErrInvalidPayload},
		{"trailing whitespace", domain.EventQRGenerationRequested, "{\"orderId\":\"x\"}\n ", nil},
		{"unknown type", domain.EventType("order.exploded"), `{}`, domain.ErrUnknownEventType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := domain.ValidateEventPayload(tc.typ, json.RawMessage(tc.payload))
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateJobPayload(t *testing.T) {
	t.Run("qr generation", func(t *testing.T) {
		if err := domain.ValidateJobPayload(domain.JobQRGeneration, json.RawMessage(`{"orderId":"123"}`)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	t.Run("notification body too long", func(t *testing.T) {
		body, _ := json.Marshal(domain.Notification{
			Channel:   domain.ChannelEmail,
			Recipient: "ops@example.com",
			Body:      strings.Repeat("x", 4097),
		})
		if err := domain.ValidateJobPayload(domain.JobNotificationDelivery, body); !errors.Is(err, domain.ErrInvalidContent) {
			t.Fatalf("expected ErrInvalidContent, got %v", err)
		}
	})

	t.Run("unknown job type", func(t *testing.T) {
		if err := domain.ValidateJobPayload("resize_image", json.RawMessage(`{}`)); !errors.Is(err, domain.ErrUnknownJobType) {
			t.Fatalf("expected ErrUnknownJobType, got %v", err)
		}
	})
}

func TestAppendRequest_Validate(t *testing.T) {
	valid := domain.AppendRequest{
		AggregateID:   "order-1",
		AggregateType: "order",
		EventType:     domain.EventQRGenerationRequested,
		Payload:       json.RawMessage(`{"orderId":"order-1"}`),
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	r := valid
	r.AggregateType = " "
	if err := r.Validate(); err != domain.ErrInvalidAggregate {
		t.Fatalf("expected ErrInvalidAggregate, got %v", err)
	}
}

func TestValidateQueueName(t *testing.T) {
	for _, name := range []string{"", "  ", "a:b"} {
		if err := domain.ValidateQueueName(name); err != domain.ErrInvalidQueue {
			t.Fatalf("name %q: expected ErrInvalidQueue, got %v", name, err)
		}
	}
	if err := domain.ValidateQueueName("jobs"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestEnqueueRequest_Validate(t *testing.T) {
	valid := domain.EnqueueRequest{
		Type:    domain.JobQRGeneration,
		Payload: json.RawMessage(`{"orderId":"order-1"}`),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	r := valid
	r.DelayMs = -1
	if err := r.Validate(); err != domain.ErrInvalidJobOptions {
		t.Fatalf("expected ErrInvalidJobOptions, got %v", err)
	}

	r = valid
	r.Payload = json.RawMessage(`{}`)
	if err := r.Validate(); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
