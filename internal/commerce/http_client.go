// Package commerce provides the HTTP implementation of the retail backend client.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

// DefaultRequestTimeout bounds each backend call.
const DefaultRequestTimeout = 10 * time.Second

// HTTPClient talks to the retail backend over its JSON API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a backend client for the given base URL. The API key
// is sent as a bearer token when non-empty.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// CheckAvailability verifies a proposed order or change against live state.
func (c *HTTPClient) CheckAvailability(ctx context.Context, req AvailabilityRequest) (AvailabilityResult, error) {
	slog.Debug("HTTPClient.CheckAvailability: checking availability", "flowKind", req.FlowKind, "branchID", req.BranchID, "date", req.DeliveryDate)

	var result AvailabilityResult
	status, body, err := c.postJSON(ctx, "/availability/check", "", req)
	if err != nil {
		return result, models.NewFlowError(models.ErrorClassTransport, "availability check failed", err)
	}
	if status != http.StatusOK {
		return result, classifyStatus(status, body, "availability check")
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return result, models.NewFlowError(models.ErrorClassTransport, "availability response malformed", err)
	}
	slog.Debug("HTTPClient.CheckAvailability: result", "available", result.Available, "reason", result.Reason, "alternatives", len(result.Alternatives))
	return result, nil
}

// CommitChange finalizes a confirmed order or change. The idempotency key
// rides both in the body and the Idempotency-Key header.
func (c *HTTPClient) CommitChange(ctx context.Context, req CommitRequest) (CommitResult, error) {
	slog.Debug("HTTPClient.CommitChange: committing", "flowKind", req.FlowKind, "idempotencyKey", req.IdempotencyKey, "orderRef", req.OrderRef)

	var result CommitResult
	if req.IdempotencyKey == "" {
		return result, models.NewFlowError(models.ErrorClassInvariant, "commit without idempotency key", models.ErrMissingIdempotencyKey)
	}

	status, body, err := c.postJSON(ctx, "/orders/commit", req.IdempotencyKey, req)
	if err != nil {
		// The request may have reached the backend; the caller must treat
		// this as an uncertain outcome and retry with the same key.
		return result, models.NewFlowError(models.ErrorClassTransport, "commit outcome uncertain", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return result, classifyStatus(status, body, "commit")
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return result, models.NewFlowError(models.ErrorClassTransport, "commit response malformed", err)
	}
	slog.Info("HTTPClient.CommitChange: committed", "orderRef", result.OrderRef, "status", result.Status, "replayed", result.Replayed)
	return result, nil
}

// FindOrder looks up an order by reference, verifying contact ownership.
func (c *HTTPClient) FindOrder(ctx context.Context, orderRef, contactValue string) (*models.Order, error) {
	slog.Debug("HTTPClient.FindOrder: looking up order", "orderRef", orderRef)

	endpoint := fmt.Sprintf("%s/orders/%s?contact=%s", c.baseURL, url.PathEscape(orderRef), url.QueryEscape(contactValue))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, models.NewFlowError(models.ErrorClassTransport, "order lookup request failed", err)
	}
	c.setHeaders(httpReq, "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, models.NewFlowError(models.ErrorClassTransport, "order lookup failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewFlowError(models.ErrorClassTransport, "order lookup read failed", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var order models.Order
		if err := json.Unmarshal(body, &order); err != nil {
			return nil, models.NewFlowError(models.ErrorClassTransport, "order lookup response malformed", err)
		}
		return &order, nil
	case http.StatusNotFound:
		slog.Debug("HTTPClient.FindOrder: order not found", "orderRef", orderRef)
		return nil, nil
	default:
		return nil, classifyStatus(resp.StatusCode, body, "order lookup")
	}
}

func (c *HTTPClient) postJSON(ctx context.Context, path, idempotencyKey string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq, idempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *HTTPClient) setHeaders(req *http.Request, idempotencyKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Error        string   `json:"error"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// classifyStatus maps backend HTTP statuses onto the flow error taxonomy.
func classifyStatus(status int, body []byte, op string) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	reason := eb.Error
	if reason == "" {
		reason = fmt.Sprintf("%s returned HTTP %d", op, status)
	}

	cause := fmt.Errorf("%s: HTTP %d", op, status)
	switch status {
	case http.StatusConflict:
		return models.NewFlowError(models.ErrorClassRaceLost, reason, cause)
	case http.StatusForbidden, http.StatusUnauthorized:
		return models.NewFlowError(models.ErrorClassAuthorization, reason, cause)
	case http.StatusUnprocessableEntity:
		return models.NewFlowError(models.ErrorClassPolicyDenied, reason, cause)
	default:
		return models.NewFlowError(models.ErrorClassTransport, reason, cause)
	}
}
