/**
 * @description
 * This package provides a client for the external bank ledger API that the
 * reconciliation poller queries for payment evidence. It encapsulates the
 * authenticated HTTP requests and response parsing; the poller maps the
 * returned records into the engine's evidence shape.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the bank ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger API client. queryTimeout bounds every
// request; the poller must never hang on a slow ledger.
func NewClient(baseURL, apiKey string, queryTimeout time.Duration) *Client {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: queryTimeout,
		},
	}
}

// PaymentRecord is one settled payment the ledger reports against a QR.
type PaymentRecord struct {
	TransactionID    string  `json:"transactionId"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	PaymentDate      string  `json:"paymentDate"`
	PaymentTime      string  `json:"paymentTime"`
	SenderBankCode   string  `json:"senderBankCode"`
	SenderName       string  `json:"senderName"`
	SenderDocumentID string  `json:"senderDocumentId"`
	SenderAccount    string  `json:"senderAccount"`
	Description      string  `json:"description"`
}

// paymentsResponse is the envelope returned by the ledger's query endpoint.
type paymentsResponse struct {
	Payments []PaymentRecord `json:"payments"`
}

// ErrorResponse represents an error from the ledger API.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("ledger api error %d: %s", e.Code, e.Message)
}

// QueryPayments fetches the settled payments the ledger has recorded for a
// QR id. An empty slice means no payment evidence yet.
func (c *Client) QueryPayments(ctx context.Context, qrID string) ([]PaymentRecord, error) {
	url := c.BaseURL + "/api/v1/qr/" + qrID + "/payments"

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger query request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute ledger query: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=query_payments qr_id=%s status=%d msg=\"non-2xx response (unparsable error body)\"", qrID, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=ledger_client op=query_payments qr_id=%s status=%d message=%q", qrID, resp.StatusCode, errResp.Message)
		return nil, &errResp
	}

	var payload paymentsResponse
	if err := json.Unmarshal(bodyBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode ledger response: %w", err)
	}

	return payload.Payments, nil
}
