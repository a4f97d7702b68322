package railpay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// Invoice is the immutable, priced, time-bounded description of what
// must be paid before a resource is released. Once issued it is never
// mutated; its lifecycle ends when it is fulfilled, expires, or is
// explicitly voided.
type Invoice struct {
	ID               string    `json:"id"`
	ProductID        ProductID `json:"productId"`
	PayTo            string    `json:"payTo"`
	Asset            string    `json:"asset"`
	Network          Network   `json:"network"`
	PriceMinorUnits  uint64    `json:"priceMinorUnits"`
	Description      string    `json:"description"`
	IssuedAt         time.Time `json:"issuedAt"`
	Deadline         time.Time `json:"deadline"`
}

// DeriveInvoiceID derives a deterministic invoice id from the purchase
// identity. A retried create request with the same product, buyer and
// issue time reuses the same invoice instead of minting a duplicate.
func DeriveInvoiceID(productID ProductID, buyerID string, issuedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(productID))
	h.Write([]byte{0})
	h.Write([]byte(buyerID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(issuedAt.UTC().Unix(), 10)))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// NewInvoice issues an invoice for a product. If id is empty, a
// deterministic id is derived from (productID, buyerID, issuedAt).
func NewInvoice(id string, productID ProductID, buyerID, payTo, asset string, network Network, issuedAt time.Time, ttl time.Duration) (Invoice, error) {
	price, ok := productID.Price()
	if !ok {
		return Invoice{}, NewPaymentError(ErrCodeUnknownProduct, fmt.Sprintf("unknown product: %s", productID), nil)
	}
	if payTo == "" {
		return Invoice{}, fmt.Errorf("settlement destination is required")
	}
	if _, _, err := network.Parse(); err != nil {
		return Invoice{}, err
	}
	if id == "" {
		id = DeriveInvoiceID(productID, buyerID, issuedAt)
	}
	return Invoice{
		ID:              id,
		ProductID:       productID,
		PayTo:           payTo,
		Asset:           asset,
		Network:         network,
		PriceMinorUnits: price,
		Description:     productID.Description(),
		IssuedAt:        issuedAt,
		Deadline:        issuedAt.Add(ttl),
	}, nil
}

// Expired reports whether the invoice may no longer be settled.
func (i Invoice) Expired(now time.Time) bool {
	return now.After(i.Deadline)
}

// MinorUnitsFromDecimal converts a decimal, user-facing amount into
// integer minor units using the asset's decimals, truncating toward
// zero. This conversion happens exactly once, at invoice creation;
// everything downstream is integer arithmetic.
func MinorUnitsFromDecimal(amount *big.Float, decimals int) uint64 {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaleFloat := new(big.Float).SetPrec(256).SetInt(scale)
	amountFloat := new(big.Float).SetPrec(256).Set(amount)
	res, _ := new(big.Float).Mul(amountFloat, scaleFloat).Int(nil)
	if res.Sign() < 0 {
		return 0
	}
	return res.Uint64()
}
