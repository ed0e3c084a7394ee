package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewHTTPClient(server.URL, "test-key", 2*time.Second, logger.NewNoOpLogger())
	return client, server
}

func TestCaptureSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/intents", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req CaptureRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(50000), req.AmountCents)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Intent{
			ID: "intent-1", Status: IntentStatusCaptured, AmountCents: req.AmountCents,
		})
	})

	intent, err := client.Capture(context.Background(), CaptureRequest{
		AmountCents: 50000, PayerRef: "owner-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "intent-1", intent.ID)
	assert.Equal(t, IntentStatusCaptured, intent.Status)
}

func TestTransferTargetsIntentPath(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/intents/intent-1/transfer", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Intent{ID: "intent-1", Status: IntentStatusTransferred})
	})

	intent, err := client.Transfer(context.Background(), TransferRequest{
		IntentID: "intent-1", PayoutAccountRef: "pro-1", AmountCents: 45000,
	})
	require.NoError(t, err)
	assert.Equal(t, IntentStatusTransferred, intent.Status)
}

func TestErrorBodyCodeMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		wantCode  apperrors.ErrorCode
		retryable bool
	}{
		{"declined", http.StatusPaymentRequired, "card_declined", apperrors.ErrCodeGatewayDeclined, false},
		{"insufficient funds", http.StatusPaymentRequired, "insufficient_funds", apperrors.ErrCodeGatewayInsufficientFunds, false},
		{"account not ready", http.StatusConflict, "account_not_ready", apperrors.ErrCodeGatewayAccountNotReady, false},
		{"rate limited body code", http.StatusTooManyRequests, "rate_limited", apperrors.ErrCodeGatewayRateLimited, true},
		{"server error", http.StatusInternalServerError, "", apperrors.ErrCodeGatewayNetwork, true},
		{"unrecognized", http.StatusBadRequest, "weird_code", apperrors.ErrCodeGatewayUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{"code": tt.code, "message": "nope"},
				})
			})

			_, err := client.Refund(context.Background(), "intent-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
		})
	}
}

func TestUnreachableGatewayIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // refuse all connections
	client := NewHTTPClient(server.URL, "test-key", time.Second, logger.NewNoOpLogger())

	_, err := client.GetIntent(context.Background(), "intent-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeGatewayNetwork, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestGetIntent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/intents/intent-9", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Intent{
			ID: "intent-9", Status: IntentStatusRefunded, RefundID: "re-1",
		})
	})

	intent, err := client.GetIntent(context.Background(), "intent-9")
	require.NoError(t, err)
	assert.Equal(t, IntentStatusRefunded, intent.Status)
	assert.Equal(t, "re-1", intent.RefundID)
}
