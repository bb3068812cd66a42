/**
 * @description
 * This package provides a client for the payment ledger's submission API. It
 * encapsulates the logic for making authenticated HTTP requests, handling
 * request body construction, and parsing responses.
 *
 * The crucial behavior lives in error classification: a parsed ledger error
 * for a rejected submission is a definitive failure (no value moved), while
 * transport failures, timeouts, and unparsable or 5xx responses are
 * indeterminate (the payment may have executed upstream), so callers must
 * never retry those blindly.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrIndeterminate marks ledger calls whose outcome is unknown: the request
// may or may not have been applied upstream.
var ErrIndeterminate = errors.New("ledger outcome indeterminate")

// ErrPaymentNotFound is returned by lookups when the ledger definitively
// reports no payment for the given reference.
var ErrPaymentNotFound = errors.New("payment not found on ledger")

// Client is a client for the ledger submission API.
type Client struct {
	BaseURL       string
	APIKey        string
	SourceAccount string
	HTTPClient    *http.Client
}

// NewClient creates a new ledger API client. sourceAccount is the funding
// account all disbursements are paid from.
func NewClient(baseURL, apiKey, sourceAccount string) *Client {
	return &Client{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		SourceAccount: sourceAccount,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PaymentRequest is the payload for one value transfer. Amount is in stroops
// (the ledger's native integer unit, 10^-7 of a whole unit). Reference is the
// caller's deterministic idempotency token; the ledger stores it with the
// payment and allows lookups by it.
type PaymentRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Destination string `json:"destination"`
			Amount      int64  `json:"amount"`
			Asset       string `json:"asset"`
			Reference   string `json:"reference"`
		} `json:"attributes"`
	} `json:"data"`
}

// Payment is the ledger's representation of an executed transfer.
type Payment struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference"`
	CreatedAt   time.Time `json:"created_at"`
}

// PaymentResponse is the expected response from the payment submission endpoint.
type PaymentResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
			Ledger int64  `json:"ledger"`
		} `json:"attributes"`
	} `json:"data"`
}

// ErrorResponse represents a parsed error from the ledger API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown ledger api error"
}

// Reason returns a short human-readable rejection reason.
func (e *ErrorResponse) Reason() string {
	if len(e.Errors) == 0 {
		return "unknown"
	}
	if e.Errors[0].Detail != "" {
		return e.Errors[0].Detail
	}
	return e.Errors[0].Title
}

// IsDefinitiveRejection reports whether the ledger definitively refused the
// submission without moving value. Only parsed 4xx responses qualify;
// anything else must be treated as indeterminate.
func (e *ErrorResponse) IsDefinitiveRejection() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return true
	}
	for _, le := range e.Errors {
		if code, err := strconv.Atoi(le.Status); err == nil && code >= 400 && code < 500 {
			return true
		}
	}
	return false
}

// SubmitPayment submits a single irreversible transfer to the destination
// account. The reference doubles as the idempotency key: it is sent in the
// Idempotency-Key header so the ledger can deduplicate resubmissions.
func (c *Client) SubmitPayment(ctx context.Context, destination string, amount int64, reference string) (*PaymentResponse, error) {
	reqPayload := PaymentRequest{}
	reqPayload.Data.Type = "Payment"
	reqPayload.Data.Attributes.Destination = destination
	reqPayload.Data.Attributes.Amount = amount
	reqPayload.Data.Attributes.Asset = "native"
	reqPayload.Data.Attributes.Reference = reference

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/payments", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", reference)
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Transport failure or timeout: the submission may have reached the
		// ledger. Never classify this as a definitive failure.
		return nil, fmt.Errorf("payment submission failed in flight: %v: %w", err, ErrIndeterminate)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment response: %v: %w", err, ErrIndeterminate)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("ledger returned status %d: %w", resp.StatusCode, ErrIndeterminate)
		}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			return nil, fmt.Errorf("undecodable error response (status %d): %w", resp.StatusCode, ErrIndeterminate)
		}
		errResp.StatusCode = resp.StatusCode
		return nil, &errResp
	}

	var successResp PaymentResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode payment response: %v: %w", err, ErrIndeterminate)
	}
	if successResp.Data.ID == "" {
		return nil, fmt.Errorf("payment response missing transaction id: %w", ErrIndeterminate)
	}

	return &successResp, nil
}

// GetPaymentByReference looks up a payment by its idempotency reference. It
// returns ErrPaymentNotFound only on a definitive negative answer from the
// ledger; any transport or server problem surfaces as indeterminate.
func (c *Client) GetPaymentByReference(ctx context.Context, reference string) (*Payment, error) {
	endpoint := c.BaseURL + "/api/v1/payments?reference=" + url.QueryEscape(reference)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment lookup failed: %v: %w", err, ErrIndeterminate)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment lookup response: %v: %w", err, ErrIndeterminate)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPaymentNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment lookup returned status %d: %w", resp.StatusCode, ErrIndeterminate)
	}

	var listResp struct {
		Data []Payment `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &listResp); err != nil {
		return nil, fmt.Errorf("failed to decode payment lookup response: %w", err)
	}
	if len(listResp.Data) == 0 {
		return nil, ErrPaymentNotFound
	}
	return &listResp.Data[0], nil
}

// GetAccountReceivedTotal returns the ledger's own cumulative received amount
// for an account, in stroops.
func (c *Client) GetAccountReceivedTotal(ctx context.Context, account string) (int64, error) {
	endpoint := c.BaseURL + "/api/v1/accounts/" + url.PathEscape(account) + "/received"

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create received-total request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("received-total request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read received-total response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			return 0, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		errResp.StatusCode = resp.StatusCode
		return 0, &errResp
	}

	var totalResp struct {
		Data struct {
			Account  string `json:"account"`
			Received int64  `json:"received"`
		} `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &totalResp); err != nil {
		return 0, fmt.Errorf("failed to decode received-total response: %w", err)
	}
	return totalResp.Data.Received, nil
}

// GetAccountSentTotal returns the ledger's own cumulative sent amount for an
// account, in stroops. For the funding account this is the ledger's view of
// everything disbursed, which is what internal totals are compared against.
func (c *Client) GetAccountSentTotal(ctx context.Context, account string) (int64, error) {
	endpoint := c.BaseURL + "/api/v1/accounts/" + url.PathEscape(account) + "/sent"

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create sent-total request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sent-total request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read sent-total response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			return 0, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		errResp.StatusCode = resp.StatusCode
		return 0, &errResp
	}

	var totalResp struct {
		Data struct {
			Account string `json:"account"`
			Sent    int64  `json:"sent"`
		} `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &totalResp); err != nil {
		return 0, fmt.Errorf("failed to decode sent-total response: %w", err)
	}
	return totalResp.Data.Sent, nil
}

// ListPaymentsFromSource returns payments sent from the configured source
// account since the given time, newest first. Used by the reconciler to spot
// ledger-confirmed payments that never produced a disbursement record.
func (c *Client) ListPaymentsFromSource(ctx context.Context, since time.Time, limit int) ([]Payment, error) {
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%s/payments?since=%s&limit=%d",
		c.BaseURL, url.PathEscape(c.SourceAccount), url.QueryEscape(since.UTC().Format(time.RFC3339)), limit)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment list request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment list response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		errResp.StatusCode = resp.StatusCode
		return nil, &errResp
	}

	var listResp struct {
		Data []Payment `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &listResp); err != nil {
		return nil, fmt.Errorf("failed to decode payment list response: %w", err)
	}
	return listResp.Data, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("x-ledger-key", c.APIKey)
	}
}
