// Package gateway implements the payment gateway client. The gateway owns the
// PCI boundary; this client only moves opaque intent references around.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"
	commonhttp "marketplace-escrow/internal/common/http"
	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/common/metrics"
)

// Intent statuses as reported by the gateway.
const (
	IntentStatusCaptured    = "captured"
	IntentStatusTransferred = "transferred"
	IntentStatusRefunded    = "refunded"
)

// Intent is the gateway's record of a captured payment.
type Intent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	TransferID  string `json:"transfer_id,omitempty"`
	RefundID    string `json:"refund_id,omitempty"`
}

// CaptureRequest asks the gateway to capture funds from the payer.
type CaptureRequest struct {
	AmountCents int64  `json:"amount_cents"`
	PayerRef    string `json:"payer_ref"`
	Description string `json:"description,omitempty"`
}

// TransferRequest asks the gateway to pay out against a captured intent.
type TransferRequest struct {
	IntentID         string `json:"intent_id"`
	PayoutAccountRef string `json:"payout_account_ref"`
	AmountCents      int64  `json:"amount_cents"`
}

// Client is the surface the escrow components depend on. The HTTP
// implementation below talks to the real gateway; tests substitute fakes.
type Client interface {
	Capture(ctx context.Context, req CaptureRequest) (*Intent, error)
	Transfer(ctx context.Context, req TransferRequest) (*Intent, error)
	Refund(ctx context.Context, intentID string) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
}

// HTTPClient is the production Client over the gateway's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *commonhttp.Client
	logger  logger.Logger
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, log logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    commonhttp.NewClient(timeout),
		logger:  log.WithFields(map[string]interface{}{"component": "gateway"}),
	}
}

func (c *HTTPClient) Capture(ctx context.Context, req CaptureRequest) (*Intent, error) {
	return c.post(ctx, "capture", "/v1/intents", req)
}

func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (*Intent, error) {
	return c.post(ctx, "transfer", fmt.Sprintf("/v1/intents/%s/transfer", req.IntentID), req)
}

func (c *HTTPClient) Refund(ctx context.Context, intentID string) (*Intent, error) {
	return c.post(ctx, "refund", fmt.Sprintf("/v1/intents/%s/refund", intentID), struct{}{})
}

func (c *HTTPClient) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	return c.call(ctx, "get_intent", http.MethodGet, fmt.Sprintf("/v1/intents/%s", intentID), nil)
}

func (c *HTTPClient) post(ctx context.Context, endpoint, path string, payload interface{}) (*Intent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("marshal %s request: %w", endpoint, err))
	}
	return c.call(ctx, endpoint, http.MethodPost, path, body)
}

func (c *HTTPClient) call(ctx context.Context, endpoint, method, path string, body []byte) (*Intent, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("build %s request: %w", endpoint, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.DoWithContext(ctx, req)
	metrics.GatewayRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn("gateway call failed", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		return nil, apperrors.NewGatewayError(apperrors.ErrCodeGatewayNetwork, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var intent Intent
		if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
			metrics.GatewayRequests.WithLabelValues(endpoint, "decode_error").Inc()
			return nil, apperrors.NewGatewayError(apperrors.ErrCodeGatewayUnknown,
				fmt.Sprintf("decode %s response: %v", endpoint, err))
		}
		metrics.GatewayRequests.WithLabelValues(endpoint, "ok").Inc()
		return &intent, nil
	}

	gwErr := decodeError(resp)
	metrics.GatewayRequests.WithLabelValues(endpoint, string(apperrors.CodeOf(gwErr))).Inc()
	c.logger.Warn("gateway rejected call", map[string]interface{}{
		"endpoint": endpoint,
		"status":   resp.StatusCode,
		"code":     string(apperrors.CodeOf(gwErr)),
	})
	return nil, gwErr
}

// errorBody is the gateway's error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeError maps a non-2xx gateway response onto the error taxonomy.
func decodeError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)

	details := body.Error.Message
	if details == "" {
		details = fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode)
	}

	switch body.Error.Code {
	case "card_declined":
		return apperrors.NewGatewayError(apperrors.ErrCodeGatewayDeclined, details)
	case "insufficient_funds":
		return apperrors.NewGatewayError(apperrors.ErrCodeGatewayInsufficientFunds, details)
	case "account_not_ready":
		return apperrors.NewGatewayError(apperrors.ErrCodeGatewayAccountNotReady, details)
	case "rate_limited":
		return apperrors.NewGatewayError(apperrors.ErrCodeGatewayRateLimited, details)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewGatewayError(apperrors.ErrCodeGatewayRateLimited, details)
	case resp.StatusCode >= 500:
		return apperrors.NewGatewayError(apperrors.ErrCodeGatewayNetwork, details)
	default:
		return apperrors.NewGatewayError(apperrors.ErrCodeGatewayUnknown, details)
	}
}
