package facilitator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Webhook event names sent by the facilitator after on-chain
// confirmation. Delivery is asynchronous and at-least-once, so webhook
// handling must funnel through the admission store.
const (
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
)

// WebhookPayload is the async payment notification from the
// facilitator. It may observe the same underlying transfer as a local
// poll; the shared tx hash makes the race collapse to one charge.
type WebhookPayload struct {
	Event     string `json:"event"`
	InvoiceID string `json:"invoiceId"`
	TxHash    string `json:"txHash"`
	Payer     string `json:"payer"`
	Amount    string `json:"amount"`
	Resource  string `json:"resource"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

// ComputeWebhookSignature computes the HMAC-SHA256 signature over the
// payload's identifying fields.
func ComputeWebhookSignature(p WebhookPayload, secret string) string {
	data := fmt.Sprintf("%s:%s:%s:%d", p.Event, p.InvoiceID, p.TxHash, p.Timestamp)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks the payload signature against the
// configured webhook secret. If no secret is configured, signature
// checking is disabled and the payload is accepted.
func (c *Client) VerifyWebhookSignature(p WebhookPayload) bool {
	if c.webhookSecret == "" {
		return true
	}
	expected := ComputeWebhookSignature(p, c.webhookSecret)
	return hmac.Equal([]byte(expected), []byte(p.Signature))
}
