// Package railpay implements a multi-rail payment settlement engine:
// it turns an unauthenticated purchase intent into a durable,
// exactly-once-fulfilled digital-good order across three independent
// payment rails (facilitator-settled crypto, platform in-app currency,
// and direct on-chain transfer).
package railpay

import (
	"fmt"
	"strings"
	"time"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:8453" matches "eip155:*" and vice versa
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// Rail identifies one independent payment method/ledger.
type Rail string

const (
	// RailFacilitator is the HTTP-native micropayment rail settled by a
	// third-party facilitator service.
	RailFacilitator Rail = "facilitator"
	// RailPlatform is the mobile platform's in-app currency rail with
	// synchronous pre-authorization.
	RailPlatform Rail = "platform"
	// RailOnChain is the direct wallet-to-wallet transfer rail confirmed
	// by reading the destination ledger.
	RailOnChain Rail = "onchain"
)

// ProductID is a closed enum of sellable digital goods. Adding a product
// means extending the constants below and the exhaustive switches in
// Price and Description; unknown values fail validation everywhere.
type ProductID string

const (
	ProductMusicTrack        ProductID = "music_track"
	ProductMusicTrackPremium ProductID = "music_track_premium"
	ProductAlbumArt          ProductID = "album_art"
	ProductBrandPackage      ProductID = "brand_package"
	ProductAnthem            ProductID = "anthem"
	ProductThreadToHit       ProductID = "thread_to_hit"
)

// Price returns the price in integer minor units of the settlement
// asset (6 decimals). The second return is false for unknown products.
func (p ProductID) Price() (uint64, bool) {
	switch p {
	case ProductMusicTrack:
		return 500_000, true // $0.50
	case ProductMusicTrackPremium:
		return 2_000_000, true // $2.00
	case ProductAlbumArt:
		return 100_000, true // $0.10
	case ProductBrandPackage:
		return 250_000, true // $0.25
	case ProductAnthem:
		return 500_000, true // $0.50
	case ProductThreadToHit:
		return 1_000_000, true // $1.00
	}
	return 0, false
}

// Description returns the human-readable description for the product.
func (p ProductID) Description() string {
	switch p {
	case ProductMusicTrack:
		return "Generate AI music track"
	case ProductMusicTrackPremium:
		return "Generate premium AI music track"
	case ProductAlbumArt:
		return "Generate AI album artwork"
	case ProductBrandPackage:
		return "Generate complete brand package"
	case ProductAnthem:
		return "Generate personal anthem"
	case ProductThreadToHit:
		return "Transform thread into full song with vocals"
	}
	return ""
}

// Valid reports whether p names a known product.
func (p ProductID) Valid() bool {
	_, ok := p.Price()
	return ok
}

// Products lists all sellable products.
func Products() []ProductID {
	return []ProductID{
		ProductMusicTrack,
		ProductMusicTrackPremium,
		ProductAlbumArt,
		ProductBrandPackage,
		ProductAnthem,
		ProductThreadToHit,
	}
}

// ChargeStatus is the lifecycle state of a ChargeRecord. Transitions are
// monotonic: verified -> fulfilling -> fulfilled, with failed as the
// only branch out of fulfilling. A fulfilled record is permanent.
type ChargeStatus string

const (
	StatusVerified   ChargeStatus = "verified"
	StatusFulfilling ChargeStatus = "fulfilling"
	StatusFulfilled  ChargeStatus = "fulfilled"
	StatusFailed     ChargeStatus = "failed"
)

// CanTransitionTo enforces the monotonic status machine. A failed
// record may re-enter fulfilling, but only through an operator replay.
func (s ChargeStatus) CanTransitionTo(next ChargeStatus) bool {
	switch s {
	case StatusVerified:
		return next == StatusFulfilling
	case StatusFulfilling:
		return next == StatusFulfilled || next == StatusFailed
	case StatusFailed:
		return next == StatusFulfilling
	case StatusFulfilled:
		return false
	}
	return false
}

// ChargeRecord is the idempotency unit: exactly one record exists per
// unique charge key, created on first admission and never deleted.
// The key is rail-native (settlement tx hash, provider charge id, or
// on-chain tx hash), not the invoice id, because one invoice may
// receive multiple competing payment attempts that must collapse to a
// single record.
type ChargeRecord struct {
	ChargeKey        string       `json:"chargeKey"`
	InvoiceID        string       `json:"invoiceId"`
	Payer            string       `json:"payer,omitempty"`
	AmountMinorUnits uint64       `json:"amountMinorUnits"`
	Rail             Rail         `json:"rail"`
	Status           ChargeStatus `json:"status"`
	ResultURI        string       `json:"resultUri,omitempty"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// PaymentRequirements defines what payment is acceptable for a resource.
// It is the wire-level element of the 402 response's accepts array.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the body of the 402 response sent to clients.
type PaymentRequired struct {
	Error   string                `json:"error,omitempty"`
	Invoice string                `json:"invoice"`
	Accepts []PaymentRequirements `json:"accepts"`
}

// SignedAuthorization is the facilitator-rail payment proof: a signed
// transfer authorization the facilitator executes on-chain. Retrying
// settlement with the same nonce cannot double-spend.
type SignedAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// FacilitatorArtifact is the rail A payment artifact variant.
type FacilitatorArtifact struct {
	Scheme        string              `json:"scheme"`
	Network       Network             `json:"network"`
	Authorization SignedAuthorization `json:"authorization"`
}

// PlatformArtifact is the rail B payment artifact variant: an opaque
// provider charge id plus the invoice payload it was created against.
type PlatformArtifact struct {
	ChargeID  string    `json:"chargeId"`
	InvoiceID string    `json:"invoiceId"`
	ProductID ProductID `json:"productId"`
}

// OnChainArtifact is the rail C payment artifact variant: a submitted
// transaction reference plus the wallet that signed it.
type OnChainArtifact struct {
	TxHash string `json:"txHash"`
	Wallet string `json:"wallet,omitempty"`
}

// PaymentArtifact is the rail-tagged proof-of-payment-intent produced
// by a buyer. Exactly one variant pointer is set, matching Rail.
// An artifact is meaningless without its invoice reference; the
// orchestrator rejects artifacts whose invoice is expired or unknown.
type PaymentArtifact struct {
	Rail        Rail                 `json:"rail"`
	InvoiceID   string               `json:"invoiceId"`
	Facilitator *FacilitatorArtifact `json:"facilitator,omitempty"`
	Platform    *PlatformArtifact    `json:"platform,omitempty"`
	OnChain     *OnChainArtifact     `json:"onchain,omitempty"`
}

// ChargeKey returns the rail-native deduplication identity carried by
// the artifact itself, when it has one. Facilitator artifacts have no
// key until settlement returns a tx hash.
func (a PaymentArtifact) ChargeKey() (string, bool) {
	switch a.Rail {
	case RailPlatform:
		if a.Platform != nil && a.Platform.ChargeID != "" {
			return a.Platform.ChargeID, true
		}
	case RailOnChain:
		if a.OnChain != nil && a.OnChain.TxHash != "" {
			return a.OnChain.TxHash, true
		}
	}
	return "", false
}

// VerifiedPayment is the rail-independent event handed to the
// settlement orchestrator after a ledger verifier has accepted an
// artifact.
type VerifiedPayment struct {
	ChargeKey        string
	InvoiceID        string
	Payer            string
	AmountMinorUnits uint64
	Rail             Rail
}
