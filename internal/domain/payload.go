package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventType names an outbox event.
type EventType string

const (
	EventWorkspaceCreated      EventType = "workspace.created"
	EventQRGenerationRequested EventType = "qr.generation.requested"
	EventNotificationRequested EventType = "notification.requested"
)

// JobType names a job on the queue.
type JobType string

const (
	JobQRGeneration         JobType = "qr_generation"
	JobNotificationDelivery JobType = "notification_delivery"
	JobOutboxDeadletter     JobType = "outbox.deadletter"
)

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// Payload is implemented by every registered event and job body.
type Payload interface {
	Validate() error
}

type WorkspaceCreated struct {
	WorkspaceID string `json:"workspaceId"`
	OrderID     string `json:"orderId,omitempty"`
	OrderNumber string `json:"orderNumber,omitempty"`
}

func (p *WorkspaceCreated) Validate() error {
	if strings.TrimSpace(p.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspaceId is required", ErrInvalidPayload)
	}
	return nil
}

type QRGenerationRequested struct {
	OrderID     string `json:"orderId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

func (p *QRGenerationRequested) Validate() error {
	if strings.TrimSpace(p.OrderID) == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidPayload)
	}
	return nil
}

// Notification is shared by notification.requested events and
// notification_delivery jobs.
type Notification struct {
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
	Subject   string  `json:"subject,omitempty"`
	Body      string  `json:"body"`
}

func (p *Notification) Validate() error {
	if !p.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if strings.TrimSpace(p.Recipient) == "" {
		return ErrInvalidRecipient
	}
	if p.Body == "" || len(p.Body) > 4096 {
		return ErrInvalidContent
	}
	return nil
}

type QRGeneration struct {
	OrderID     string `json:"orderId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

func (p *QRGeneration) Validate() error {
	if strings.TrimSpace(p.OrderID) == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidPayload)
	}
	return nil
}

// OutboxDeadletter carries an exhausted event to the triage queue.
type OutboxDeadletter struct {
	EventID       string          `json:"eventId"`
	EventType     EventType       `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (p *OutboxDeadletter) Validate() error {
	if p.EventID == "" || p.EventType == "" {
		return fmt.Errorf("%w: eventId and eventType are required", ErrInvalidPayload)
	}
	return nil
}

var eventPayloads = map[EventType]func() Payload{
	EventWorkspaceCreated:      func() Payload { return &WorkspaceCreated{} },
	EventQRGenerationRequested: func() Payload { return &QRGenerationRequested{} },
	EventNotificationRequested: func() Payload { return &Notification{} },
}

var jobPayloads = map[JobType]func() Payload{
	JobQRGeneration:         func() Payload { return &QRGeneration{} },
	JobNotificationDelivery: func() Payload { return &Notification{} },
	JobOutboxDeadletter:     func() Payload { return &OutboxDeadletter{} },
}

func (t EventType) IsValid() bool {
	_, ok := eventPayloads[t]
	return ok
}

func (t JobType) IsValid() bool {
	_, ok := jobPayloads[t]
	return ok
}

// DecodeEventPayload parses raw into the payload registered for t.
// Unknown fields are rejected so malformed producers fail at append time.
func DecodeEventPayload(t EventType, raw json.RawMessage) (Payload, error) {
	newPayload, ok := eventPayloads[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	return decodeStrict(newPayload(), raw)
}

// DecodeJobPayload parses raw into the payload registered for t.
func DecodeJobPayload(t JobType, raw json.RawMessage) (Payload, error) {
	newPayload, ok := jobPayloads[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	return decodeStrict(newPayload(), raw)
}

func ValidateEventPayload(t EventType, raw json.RawMessage) error {
	_, err := DecodeEventPayload(t, raw)
	return err
}

func ValidateJobPayload(t JobType, raw json.RawMessage) error {
	_, err := DecodeJobPayload(t, raw)
	return err
}

func decodeStrict(p Payload, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
