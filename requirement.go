package railpay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// PaymentRequiredHeader carries the base64-encoded PaymentRequired body
// so machine clients can react without parsing the response body.
const PaymentRequiredHeader = "X-Payment-Required"

// PaymentHeader is the request header a client resubmits with the
// base64-encoded facilitator-rail artifact.
const PaymentHeader = "X-Payment"

// PaymentResponseHeader carries the base64-encoded charge record back
// to the client after a settled request.
const PaymentResponseHeader = "X-Payment-Response"

// DefaultMaxTimeoutSeconds bounds how long a client may take to produce
// and submit a payment against a requirement.
const DefaultMaxTimeoutSeconds = 60

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// BuildRequirement produces the wire-level payment requirement for an
// invoice. Pure function: no side effects beyond the returned value.
func BuildRequirement(inv Invoice, resource string) PaymentRequired {
	req := PaymentRequirements{
		Scheme:            "exact",
		Network:           inv.Network,
		MaxAmountRequired: strconv.FormatUint(inv.PriceMinorUnits, 10),
		Resource:          resource,
		Description:       inv.Description,
		MimeType:          "application/json",
		PayTo:             inv.PayTo,
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		Asset:             inv.Asset,
	}
	return PaymentRequired{
		Error:   "Payment Required",
		Invoice: inv.ID,
		Accepts: []PaymentRequirements{req},
	}
}

// EncodeRequirementHeader base64-encodes the PaymentRequired body for
// the response header.
func EncodeRequirementHeader(pr PaymentRequired) (string, error) {
	data, err := json.Marshal(pr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequirementHeader decodes the header produced by
// EncodeRequirementHeader back into a PaymentRequired body.
func DecodeRequirementHeader(header string) (*PaymentRequired, error) {
	if header == "" {
		return nil, fmt.Errorf("payment required header is empty")
	}
	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("invalid payment required header: not valid base64")
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment required header: base64 decoding failed - %v", err)
	}
	var pr PaymentRequired
	if err := json.Unmarshal(decoded, &pr); err != nil {
		return nil, fmt.Errorf("invalid payment required header: not valid JSON - %v", err)
	}
	if len(pr.Accepts) == 0 {
		return nil, fmt.Errorf("payment required header has no accepts entries")
	}
	return &pr, nil
}

// ParseArtifactHeader validates and decodes a facilitator-rail payment
// header. It performs strict validation of the base64 format, the JSON
// structure, and the required authorization fields before unmarshaling,
// so malformed input fails with a descriptive message instead of a
// half-populated struct.
func ParseArtifactHeader(paymentHeader string) (*PaymentArtifact, error) {
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}
	if !base64Regex.MatchString(paymentHeader) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	if _, exists := raw["invoiceId"]; !exists {
		return nil, fmt.Errorf("missing required field: invoiceId")
	}
	if _, ok := raw["invoiceId"].(string); !ok {
		return nil, fmt.Errorf("invalid field type: invoiceId must be a string")
	}

	fac, existsFac := raw["facilitator"].(map[string]interface{})
	if !existsFac {
		return nil, fmt.Errorf("missing required field: facilitator")
	}
	if _, ok := fac["scheme"].(string); !ok {
		return nil, fmt.Errorf("invalid field type: facilitator.scheme must be a string")
	}
	if _, ok := fac["network"].(string); !ok {
		return nil, fmt.Errorf("invalid field type: facilitator.network must be a string")
	}
	auth, ok := fac["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing required field: facilitator.authorization")
	}
	for _, field := range []string{"from", "to", "value", "validAfter", "validBefore", "nonce", "signature"} {
		if _, ok := auth[field].(string); !ok {
			return nil, fmt.Errorf("invalid field type: authorization.%s must be a string", field)
		}
	}

	var artifact PaymentArtifact
	if err := json.Unmarshal(decoded, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse payment artifact: %v", err)
	}
	artifact.Rail = RailFacilitator
	return &artifact, nil
}

// ParseArtifactBody decodes a rail-tagged payment artifact from a
// request body (platform and on-chain rails submit artifacts as JSON
// payloads rather than headers).
func ParseArtifactBody(body []byte) (*PaymentArtifact, error) {
	var artifact PaymentArtifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		return nil, fmt.Errorf("invalid payment artifact: not valid JSON - %v", err)
	}
	if artifact.InvoiceID == "" {
		return nil, fmt.Errorf("missing required field: invoiceId")
	}
	switch artifact.Rail {
	case RailFacilitator:
		if artifact.Facilitator == nil {
			return nil, fmt.Errorf("missing required field: facilitator")
		}
	case RailPlatform:
		if artifact.Platform == nil || artifact.Platform.ChargeID == "" {
			return nil, fmt.Errorf("missing required field: platform.chargeId")
		}
	case RailOnChain:
		if artifact.OnChain == nil || artifact.OnChain.TxHash == "" {
			return nil, fmt.Errorf("missing required field: onchain.txHash")
		}
	default:
		return nil, fmt.Errorf("unknown rail: %q", artifact.Rail)
	}
	return &artifact, nil
}

// CheckArtifactAgainstInvoice rejects artifacts that reference an
// asset or network outside the invoice's accepted set.
func CheckArtifactAgainstInvoice(artifact PaymentArtifact, inv Invoice) error {
	if artifact.InvoiceID != inv.ID {
		return NewPaymentError(ErrCodeInvoiceUnknown, "artifact references a different invoice", nil)
	}
	if artifact.Rail == RailFacilitator && artifact.Facilitator != nil {
		if !artifact.Facilitator.Network.Match(inv.Network) {
			return NewPaymentError(ErrCodeNetworkMismatch,
				fmt.Sprintf("artifact network %s not accepted by invoice network %s", artifact.Facilitator.Network, inv.Network), nil)
		}
	}
	return nil
}
