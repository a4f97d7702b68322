// Package facilitator implements the facilitator-rail ledger verifier:
// cryptographic and settlement correctness is delegated to a third-party
// facilitator service, while the settlement engine stays the authority
// on order fulfillment.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	railpay "github.com/tigerhub/railpay"
)

// DefaultFacilitatorURL is the default public facilitator
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// settleRetries is the number of attempts for Settle on transient
// transport errors. Verification failures are never retried.
const settleRetries = 3

// settleRetryBaseDelay is the base delay for exponential backoff on
// settle retries.
const settleRetryBaseDelay = 500 * time.Millisecond

// Config configures the facilitator client. It is constructed once at
// startup and passed into NewClient; the client never reads process
// environment at call time.
type Config struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// WebhookSecret signs async payment notifications (optional)
	WebhookSecret string
}

// Client talks to the facilitator's verify and settle endpoints.
// It is stateless beyond the outbound HTTP client.
type Client struct {
	url           string
	httpClient    *http.Client
	webhookSecret string
}

// NewClient creates a facilitator client from an explicit config.
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &Client{
		url:           url,
		httpClient:    httpClient,
		webhookSecret: config.WebhookSecret,
	}
}

// VerifyResult is the facilitator's verdict on a payment artifact.
type VerifyResult struct {
	Valid         bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResult is the facilitator's settlement outcome. TxHash is the
// on-chain transaction of the executed transfer and becomes the charge
// key for admission.
type SettleResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

type verifyRequest struct {
	Payload     railpay.FacilitatorArtifact `json:"payload"`
	Requirement railpay.PaymentRequirements `json:"requirement"`
}

type settleRequest struct {
	Payload railpay.FacilitatorArtifact `json:"payload"`
}

// Verify checks the artifact against the invoice's requirement via the
// facilitator's verify endpoint. A facilitator error or isValid=false
// is a hard rejection and is not retried: verification failures (bad
// signature, expired authorization) are rarely transient.
func (c *Client) Verify(ctx context.Context, artifact railpay.PaymentArtifact, inv railpay.Invoice) (*VerifyResult, error) {
	if artifact.Facilitator == nil {
		return nil, railpay.NewPaymentError(railpay.ErrCodeInvalidPayment, "artifact is missing facilitator payload", nil)
	}

	pr := railpay.BuildRequirement(inv, inv.ID)
	body, err := json.Marshal(verifyRequest{
		Payload:     *artifact.Facilitator,
		Requirement: pr.Accepts[0],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var result VerifyResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		if result.InvalidReason != "" {
			return &VerifyResult{Valid: false, InvalidReason: result.InvalidReason}, nil
		}
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	return &result, nil
}

// Settle executes the actual on-chain transfer via the facilitator's
// settle endpoint. Transport errors here are transient: the call is
// retried with bounded exponential backoff before surfacing
// settlement_unavailable. Retries are idempotent from the facilitator's
// perspective because the artifact carries the same authorization
// nonce. Settle must not be called twice concurrently for the same
// artifact; the admission store guards that upstream.
func (c *Client) Settle(ctx context.Context, artifact railpay.PaymentArtifact) (*SettleResult, error) {
	if artifact.Facilitator == nil {
		return nil, railpay.NewPaymentError(railpay.ErrCodeInvalidPayment, "artifact is missing facilitator payload", nil)
	}

	body, err := json.Marshal(settleRequest{Payload: *artifact.Facilitator})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	var lastErr error
	for attempt := range settleRetries {
		req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/settle", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create settle request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < settleRetries-1 {
				delay := settleRetryBaseDelay * time.Duration(1<<uint(attempt))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			// A definitive rejection from the facilitator, not a
			// transport failure: do not retry.
			return &SettleResult{Success: false, Error: string(responseBody)}, nil
		}

		var result SettleResult
		if err := json.Unmarshal(responseBody, &result); err != nil {
			return nil, fmt.Errorf("failed to decode settle response: %v", err)
		}
		return &result, nil
	}

	return nil, railpay.NewPaymentError(railpay.ErrCodeSettlementUnavailable,
		fmt.Sprintf("settlement service unreachable after %d attempts: %v", settleRetries, lastErr), nil)
}
