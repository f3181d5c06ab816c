package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
)

// BreakerSettings tunes the circuit breaker in front of the sink.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:         1,
	Interval:            time.Minute,
	Timeout:             30 * time.Second,
	ConsecutiveFailures: 5,
}

// WebhookProvider delivers jobs by POSTing to {baseURL}/{job type}.
// The base URL is injected from config so tests can point to a local mock.
type WebhookProvider struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewWebhookProvider(baseURL string, timeout time.Duration, bs BreakerSettings, logger *zap.Logger) *WebhookProvider {
	log := logger.With(zap.String("component", "webhook"))
	return &WebhookProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook",
			MaxRequests: bs.MaxRequests,
			Interval:    bs.Interval,
			Timeout:     bs.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
			},
			// A rejected request says nothing about the sink's health.
			IsSuccessful: func(err error) bool {
				var se *StatusError
				return err == nil || (errors.As(err, &se) && se.Permanent())
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// Deliver posts msg to the sink and expects any 2xx status. The response
// body is optional; when it is JSON its messageId is returned.
func (p *WebhookProvider) Deliver(ctx context.Context, msg *domain.QueueMessage) (*DeliveryResponse, error) {
	body, err := json.Marshal(DeliveryRequest{
		ID:      msg.ID,
		Type:    msg.Type,
		Attempt: msg.Attempts + 1,
		Payload: msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.post(ctx, p.baseURL+"/"+string(msg.Type), body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider unavailable: %w", err)
		}
		return nil, err
	}
	return out.(*DeliveryResponse), nil
}

func (p *WebhookProvider) post(ctx context.Context, url string, body []byte) (*DeliveryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var out DeliveryResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return &out, nil
}

// State reports the breaker state for health output.
func (p *WebhookProvider) State() string {
	return p.breaker.State().String()
}

// compile-time check that WebhookProvider implements Provider
var _ Provider = (*WebhookProvider)(nil)
