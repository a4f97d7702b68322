package railpay

import "fmt"

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes. The taxonomy matters for callers: invoice and
// verification errors are terminal for the artifact, while
// settlement_unavailable and chain_unavailable mean "pending, try
// again", never "failed".
const (
	ErrCodeInvalidPayment         = "invalid_payment"
	ErrCodePaymentRequired        = "payment_required"
	ErrCodeInvoiceExpired         = "invoice_expired"
	ErrCodeInvoiceUnknown         = "invoice_unknown"
	ErrCodeUnknownProduct         = "unknown_product"
	ErrCodeUnderPayment           = "under_payment"
	ErrCodeNetworkMismatch        = "network_mismatch"
	ErrCodeAssetMismatch          = "asset_mismatch"
	ErrCodeSchemeMismatch         = "scheme_mismatch"
	ErrCodeSignatureInvalid       = "signature_invalid"
	ErrCodeSettlementFailed       = "settlement_failed"
	ErrCodeSettlementUnavailable  = "settlement_unavailable"
	ErrCodeChainUnavailable       = "chain_unavailable"
	ErrCodeFulfillmentFailed      = "fulfillment_failed"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewUnderPaymentError builds the explicit under-payment rejection:
// it carries both the required and observed amounts so the caller can
// surface actionable detail instead of a generic failure.
func NewUnderPaymentError(required, got uint64) *PaymentError {
	return &PaymentError{
		Code:    ErrCodeUnderPayment,
		Message: fmt.Sprintf("insufficient payment: required %d minor units, got %d", required, got),
		Details: map[string]interface{}{
			"requiredMinorUnits": required,
			"gotMinorUnits":      got,
		},
	}
}

// IsTerminal reports whether the error is terminal for the artifact
// (the client must produce a new artifact rather than retry this one).
func (e *PaymentError) IsTerminal() bool {
	switch e.Code {
	case ErrCodeSettlementUnavailable, ErrCodeChainUnavailable:
		return false
	}
	return true
}
