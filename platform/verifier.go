// Package platform implements the in-app currency ledger verifier.
// The rail imposes a hard 10-second deadline on the pre-authorization
// answer and delivers the actual money-movement confirmation as an
// asynchronous, at-least-once notification.
package platform

import (
	"encoding/json"
	"fmt"
	"time"

	railpay "github.com/tigerhub/railpay"
)

// MinorUnitsPerStar converts the platform's native currency into
// settlement-asset minor units. The rate is a fixed constant
// (1000 stars = $20.00 = 20,000,000 minor units), matching the
// platform's posted pricing rather than a live market rate.
const MinorUnitsPerStar = 20_000

// InvoiceCache is the local, already-cached invoice lookup the
// pre-authorization path may consult. It must never perform I/O.
type InvoiceCache interface {
	Lookup(id string) (railpay.Invoice, bool)
}

// PreCheckoutQuery is the synchronous pre-authorization request.
// The platform auto-fails the charge if no answer arrives within its
// deadline, so the decision must come from local data only.
type PreCheckoutQuery struct {
	ID             string `json:"id"`
	FromID         int64  `json:"from_id"`
	Currency       string `json:"currency"`
	TotalAmount    int64  `json:"total_amount"`
	InvoicePayload string `json:"invoice_payload"`
}

// ChargeNotification is the asynchronous charge-completed confirmation.
// The provider may redeliver it; the provider charge id is the
// deduplication key.
type ChargeNotification struct {
	FromID         int64  `json:"from_id"`
	Currency       string `json:"currency"`
	TotalAmount    int64  `json:"total_amount"`
	InvoicePayload string `json:"invoice_payload"`
	ChargeID       string `json:"charge_id"`
}

// InvoicePayload is the structured order reference embedded in the
// platform invoice at creation time and echoed back on both
// pre-checkout and charge-completed.
type InvoicePayload struct {
	InvoiceID string            `json:"invoiceId"`
	ProductID railpay.ProductID `json:"productId"`
	BuyerID   string            `json:"buyerId,omitempty"`
}

// Decision is the synchronous pre-authorization verdict.
type Decision struct {
	QueryID      string
	OK           bool
	ErrorMessage string
}

// Verifier decides pre-authorizations and converts charge-completed
// notifications into verified payments.
type Verifier struct {
	invoices InvoiceCache
	now      func() time.Time
}

// NewVerifier creates a platform verifier backed by a local invoice
// cache.
func NewVerifier(invoices InvoiceCache) *Verifier {
	return &Verifier{invoices: invoices, now: time.Now}
}

// OnPreCheckout validates the order synchronously using only local
// data: the payload must parse, the product must be known, and a
// referenced invoice must exist unexpired. No network I/O and no
// idempotency-store access happen on this path; both would risk the
// rail's response deadline. A rejection is terminal for the attempt.
func (v *Verifier) OnPreCheckout(q PreCheckoutQuery) Decision {
	payload, err := ParseInvoicePayload(q.InvoicePayload)
	if err != nil {
		return Decision{QueryID: q.ID, OK: false, ErrorMessage: "Invalid order payload"}
	}

	if !payload.ProductID.Valid() {
		return Decision{QueryID: q.ID, OK: false, ErrorMessage: "Invalid product"}
	}

	if payload.InvoiceID != "" {
		inv, ok := v.invoices.Lookup(payload.InvoiceID)
		if !ok {
			return Decision{QueryID: q.ID, OK: false, ErrorMessage: "Unknown invoice"}
		}
		if inv.Expired(v.now()) {
			return Decision{QueryID: q.ID, OK: false, ErrorMessage: "Invoice expired"}
		}
	}

	return Decision{QueryID: q.ID, OK: true}
}

// OnChargeCompleted turns the money-movement confirmation into a
// verified payment keyed by the provider charge id. This is the first
// point on the platform rail where a charge key exists; the caller
// hands the result to the settlement orchestrator, whose admission
// makes redelivered notifications a no-op.
func (v *Verifier) OnChargeCompleted(n ChargeNotification) (railpay.VerifiedPayment, InvoicePayload, error) {
	if n.ChargeID == "" {
		return railpay.VerifiedPayment{}, InvoicePayload{}, fmt.Errorf("charge notification is missing charge id")
	}

	payload, err := ParseInvoicePayload(n.InvoicePayload)
	if err != nil {
		return railpay.VerifiedPayment{}, InvoicePayload{}, fmt.Errorf("charge notification payload: %w", err)
	}
	if !payload.ProductID.Valid() {
		return railpay.VerifiedPayment{}, InvoicePayload{}, railpay.NewPaymentError(
			railpay.ErrCodeUnknownProduct, fmt.Sprintf("unknown product: %s", payload.ProductID), nil)
	}

	// A non-positive total would wrap to a huge uint64 on conversion
	// and defeat every under-payment check downstream.
	if n.TotalAmount <= 0 {
		return railpay.VerifiedPayment{}, InvoicePayload{}, railpay.NewPaymentError(
			railpay.ErrCodeInvalidPayment, fmt.Sprintf("invalid total amount: %d", n.TotalAmount), nil)
	}

	amount := uint64(n.TotalAmount) * MinorUnitsPerStar

	return railpay.VerifiedPayment{
		ChargeKey:        n.ChargeID,
		InvoiceID:        payload.InvoiceID,
		Payer:            fmt.Sprintf("platform:%d", n.FromID),
		AmountMinorUnits: amount,
		Rail:             railpay.RailPlatform,
	}, payload, nil
}

// ParseInvoicePayload decodes the order reference carried inside a
// platform invoice payload.
func ParseInvoicePayload(raw string) (InvoicePayload, error) {
	var p InvoicePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return InvoicePayload{}, fmt.Errorf("invalid invoice payload: %v", err)
	}
	if p.ProductID == "" {
		return InvoicePayload{}, fmt.Errorf("invoice payload is missing productId")
	}
	return p, nil
}

// BuildInvoicePayload encodes the order reference for embedding in a
// platform invoice.
func BuildInvoicePayload(p InvoicePayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invoice payload: %w", err)
	}
	return string(data), nil
}
