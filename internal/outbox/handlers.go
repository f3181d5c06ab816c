package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/queue"
)

// Default handlers forward events onto the job queue. A payload that no
// longer decodes is a permanent failure; a queue error is retried.

func (p *Processor) handleQRGenerationRequested(ctx context.Context, e *domain.OutboxEvent) domain.Result {
	decoded, err := domain.DecodeEventPayload(e.EventType, e.Payload)
	if err != nil {
		return domain.Fail(err)
	}
	req := decoded.(*domain.QRGenerationRequested)

	opts := queue.EnqueueOptions{Fingerprint: qrFingerprint(req.OrderID)}
	if req.Force {
		opts.Fingerprint = ""
	}
	return p.enqueue(ctx, p.cfg.JobsQueue, domain.JobQRGeneration,
		domain.QRGeneration{OrderID: req.OrderID, WorkspaceID: req.WorkspaceID}, opts)
}

func (p *Processor) handleWorkspaceCreated(ctx context.Context, e *domain.OutboxEvent) domain.Result {
	decoded, err := domain.DecodeEventPayload(e.EventType, e.Payload)
	if err != nil {
		return domain.Fail(err)
	}
	ws := decoded.(*domain.WorkspaceCreated)
	if ws.OrderID == "" {
		return domain.Success()
	}

	return p.enqueue(ctx, p.cfg.JobsQueue, domain.JobQRGeneration,
		domain.QRGeneration{OrderID: ws.OrderID, WorkspaceID: ws.WorkspaceID},
		queue.EnqueueOptions{Fingerprint: qrFingerprint(ws.OrderID)})
}

func (p *Processor) handleNotificationRequested(ctx context.Context, e *domain.OutboxEvent) domain.Result {
	decoded, err := domain.DecodeEventPayload(e.EventType, e.Payload)
	if err != nil {
		return domain.Fail(err)
	}
	n := decoded.(*domain.Notification)

	return p.enqueue(ctx, p.cfg.NotificationsQueue, domain.JobNotificationDelivery, *n,
		queue.EnqueueOptions{Fingerprint: "notify_" + e.ID})
}

func (p *Processor) enqueue(ctx context.Context, q string, t domain.JobType, payload any, opts queue.EnqueueOptions) domain.Result {
	if _, _, err := p.jobs.Enqueue(ctx, q, t, payload, opts); err != nil {
		err = fmt.Errorf("enqueue %s: %w", t, err)
		if isPermanent(err) {
			return domain.Fail(err)
		}
		return domain.Retry(err)
	}
	return domain.Success()
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidPayload) ||
		errors.Is(err, domain.ErrInvalidQueue) ||
		errors.Is(err, domain.ErrUnknownJobType) ||
		errors.Is(err, domain.ErrInvalidChannel) ||
		errors.Is(err, domain.ErrInvalidRecipient) ||
		errors.Is(err, domain.ErrInvalidContent)
}

func qrFingerprint(orderID string) string {
	return "qr_gen_" + orderID
}
