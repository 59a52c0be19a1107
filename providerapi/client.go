// Package providerapi talks to the payment provider's REST API and verifies
// its webhook signatures.
package providerapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client is a minimal JSON client for the provider API.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New returns a client with a 15s default timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// APIError is a non-2xx provider response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api status %d: %s", e.Status, e.Body)
}

func (c *Client) post(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &APIError{Status: httpResp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	if resp != nil {
		if err := json.Unmarshal(raw, resp); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// EnsureCustomer returns the provider customer ref for the user, creating it
// remotely and caching it in payment_provider_customers on first use.
func (c *Client) EnsureCustomer(ctx context.Context, db *sql.DB, userID, provider string) (string, error) {
	var ref string
	err := db.QueryRowContext(ctx,
		`SELECT customer_ref FROM payment_provider_customers WHERE user_id=$1 AND provider=$2`,
		userID, provider).Scan(&ref)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup provider customer: %w", err)
	}

	var resp struct {
		CustomerRef string `json:"customer_ref"`
	}
	if err := c.post(ctx, "/v1/customers", map[string]string{"external_id": userID}, &resp); err != nil {
		return "", err
	}
	if resp.CustomerRef == "" {
		return "", fmt.Errorf("provider returned empty customer ref for user %s", userID)
	}

	// A concurrent caller may have cached first; their ref wins.
	err = db.QueryRowContext(ctx, `
		INSERT INTO payment_provider_customers (id, user_id, provider, customer_ref)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, provider) DO UPDATE SET customer_ref = payment_provider_customers.customer_ref
		RETURNING customer_ref`,
		uuid.New().String(), userID, provider, resp.CustomerRef).Scan(&ref)
	if err != nil {
		return "", fmt.Errorf("cache provider customer: %w", err)
	}
	return ref, nil
}

// ChargeRequest asks the provider to charge a stored payment method for an
// invoice. InvoiceID doubles as the provider-side idempotency key so a
// retried charge never bills twice.
type ChargeRequest struct {
	CustomerRef    string `json:"customer_ref"`
	PaymentMethod  string `json:"payment_method_ref"`
	AmountMinor    int    `json:"amount_minor"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ChargeResult is the provider's synchronous answer; the authoritative
// outcome still arrives over the webhook.
type ChargeResult struct {
	ProviderPaymentID string `json:"provider_payment_id"`
	Status            string `json:"status"`
}

// CreateCharge submits a charge.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var res ChargeResult
	if err := c.post(ctx, "/v1/charges", req, &res); err != nil {
		return nil, err
	}
	if res.ProviderPaymentID == "" {
		return nil, fmt.Errorf("provider returned charge without payment id")
	}
	return &res, nil
}

// VerifySignature checks the webhook HMAC. The provider signs the raw body
// with SHA-256 over the shared secret and sends the hex digest in the
// signature header.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
