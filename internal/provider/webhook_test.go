package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/provider"
)

func testMessage() *domain.QueueMessage {
	return &domain.QueueMessage{
		ID:      "job-1",
		Type:    domain.JobQRGeneration,
		Payload: json.RawMessage(`{"orderId":"123"}`),
	}
}

func TestDeliver_PostsToTypedPath(t *testing.T) {
	var got provider.DeliveryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hooks/qr_generation", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"messageId":"m-1","status":"accepted"}`))
	}))
	defer srv.Close()

	p := provider.NewWebhookProvider(srv.URL+"/hooks", time.Second, provider.DefaultBreakerSettings, zap.NewNop())
	resp, err := p.Deliver(context.Background(), testMessage())

	require.NoError(t, err)
	assert.Equal(t, "m-1", resp.MessageID)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, 1, got.Attempt)
	assert.JSONEq(t, `{"orderId":"123"}`, string(got.Payload))
}

func TestDeliver_EmptyBodyIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := provider.NewWebhookProvider(srv.URL, time.Second, provider.DefaultBreakerSettings, zap.NewNop())
	resp, err := p.Deliver(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Empty(t, resp.MessageID)
}

func TestJobHandler_ClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   domain.Outcome
	}{
		{http.StatusOK, domain.OutcomeSuccess},
		{http.StatusAccepted, domain.OutcomeSuccess},
		{http.StatusBadRequest, domain.OutcomeFail},
		{http.StatusNotFound, domain.OutcomeFail},
		{http.StatusRequestTimeout, domain.OutcomeRetry},
		{http.StatusTooManyRequests, domain.OutcomeRetry},
		{http.StatusInternalServerError, domain.OutcomeRetry},
		{http.StatusServiceUnavailable, domain.OutcomeRetry},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p := provider.NewWebhookProvider(srv.URL, time.Second, provider.DefaultBreakerSettings, zap.NewNop())
			res := provider.JobHandler(p)(context.Background(), testMessage())
			assert.Equal(t, tc.want, res.Outcome)
		})
	}
}

func TestClassify_NetworkErrorIsRetry(t *testing.T) {
	res := provider.Classify(errors.New("dial tcp: connection refused"))
	assert.Equal(t, domain.OutcomeRetry, res.Outcome)
}

func TestDeliver_BreakerOpensOnConsecutiveFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	bs := provider.BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2}
	p := provider.NewWebhookProvider(srv.URL, time.Second, bs, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Deliver(ctx, testMessage())
		require.Error(t, err)
	}
	assert.Equal(t, "open", p.State())

	_, err := p.Deliver(ctx, testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unavailable")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker must not reach the sink")
	assert.Equal(t, domain.OutcomeRetry, provider.Classify(err).Outcome)
}

func TestDeliver_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	bs := provider.BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2}
	p := provider.NewWebhookProvider(srv.URL, time.Second, bs, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := p.Deliver(context.Background(), testMessage())
		require.Error(t, err)
	}
	assert.Equal(t, "closed", p.State())
}
