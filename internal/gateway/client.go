package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payment statuses reported by the gateway
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
)

type Amount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

type PaymentMethod struct {
	ID    string `json:"id"`
	Type  string `json:"type,omitempty"`
	Saved bool   `json:"saved"`
}

type Confirmation struct {
	Type            string `json:"type"`
	Token           string `json:"confirmation_token,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
	ReturnURL       string `json:"return_url,omitempty"`
}

type CancellationDetails struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

// Payment is the gateway's payment object, shared by API responses and webhooks.
type Payment struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	Amount              Amount               `json:"amount"`
	PaymentMethod       *PaymentMethod       `json:"payment_method,omitempty"`
	Confirmation        *Confirmation        `json:"confirmation,omitempty"`
	CancellationDetails *CancellationDetails `json:"cancellation_details,omitempty"`
	Metadata            map[string]string    `json:"metadata,omitempty"`
}

type CreatePaymentRequest struct {
	Amount            Amount            `json:"amount"`
	Description       string            `json:"description"`
	SavePaymentMethod bool              `json:"save_payment_method"`
	Confirmation      *Confirmation     `json:"confirmation,omitempty"`
	Capture           bool              `json:"capture"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	IdempotenceKey    string            `json:"-"`
}

type ChargeRequest struct {
	Amount          Amount            `json:"amount"`
	Description     string            `json:"description"`
	PaymentMethodID string            `json:"payment_method_id"`
	Capture         bool              `json:"capture"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IdempotenceKey  string            `json:"-"`
}

// HTTPClient talks to the payment gateway's REST API.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	returnURL string
}

func NewHTTPClient(client *http.Client, baseURL, apiKey, returnURL string) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{client: client, baseURL: baseURL, apiKey: apiKey, returnURL: returnURL}
}

// CreatePayment registers a payment the user confirms on the gateway side.
func (c *HTTPClient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	req.Capture = true
	if req.Confirmation == nil {
		req.Confirmation = &Confirmation{Type: "redirect", ReturnURL: c.returnURL}
	}
	return c.post(ctx, "/payments", req.IdempotenceKey, req)
}

// ChargeSaved charges a previously saved payment method without user interaction.
func (c *HTTPClient) ChargeSaved(ctx context.Context, req ChargeRequest) (*Payment, error) {
	req.Capture = true
	return c.post(ctx, "/payments", req.IdempotenceKey, req)
}

func (c *HTTPClient) post(ctx context.Context, path, idempotenceKey string, payload any) (*Payment, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var payment Payment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &payment, nil
}
