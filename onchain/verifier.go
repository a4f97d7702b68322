// Package onchain implements the direct-transfer ledger verifier: it
// confirms a wallet-submitted ERC-20 transfer without any facilitator
// by reading the destination ledger directly. The verifier is
// read-only and side-effect-free, so the client poll loop and any
// later reconciliation job can share it safely.
package onchain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	railpay "github.com/tigerhub/railpay"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"),
// the ERC-20 Transfer event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// receiptRetries bounds retries on transient RPC failures. Exhaustion
// maps to "pending", never to a payment failure.
const receiptRetries = 3

// receiptRetryBaseDelay is the base delay for exponential backoff on
// receipt fetch retries.
const receiptRetryBaseDelay = 500 * time.Millisecond

// ChainReader is the read-only ledger interface. *ethclient.Client
// satisfies it; so does any chain-indexing provider with the same
// shape.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Status classifies a direct-transfer verification outcome.
type Status int

const (
	// StatusVerified means a qualifying transfer to the expected
	// recipient with a sufficient amount was found.
	StatusVerified Status = iota
	// StatusNotFound means the transaction is not (yet) on the ledger.
	StatusNotFound
	// StatusReverted means the transaction executed but failed.
	StatusReverted
	// StatusNoTransfer means the transaction succeeded but emitted no
	// transfer of the expected asset to the expected recipient.
	StatusNoTransfer
	// StatusUnderpaid means a matching transfer exists but its amount
	// is below the required minimum. Policy: reject, require exact
	// re-payment; the explicit status lets callers report the shortfall.
	StatusUnderpaid
)

// Result is the verification outcome for one transaction.
type Result struct {
	Status Status
	Payer  common.Address
	Amount *big.Int
}

// Verified reports whether the payment qualifies.
func (r Result) Verified() bool {
	return r.Status == StatusVerified
}

// Config configures the on-chain verifier. Constructed once at startup
// and passed into NewVerifier.
type Config struct {
	// Asset is the ERC-20 contract address of the settlement asset.
	Asset common.Address

	// Recipient is the treasury address payments must reach.
	Recipient common.Address
}

// Verifier reads the ledger to confirm direct transfers.
type Verifier struct {
	reader    ChainReader
	asset     common.Address
	recipient common.Address
}

// NewVerifier creates an on-chain verifier over the given reader.
func NewVerifier(reader ChainReader, config Config) *Verifier {
	return &Verifier{
		reader:    reader,
		asset:     config.Asset,
		recipient: config.Recipient,
	}
}

// VerifyTransfer fetches the transaction receipt, requires successful
// execution, and scans emitted transfer events for one matching
// (asset, recipient, amount >= minAmount).
//
// A transaction can emit multiple transfer events (batched calls); the
// first event satisfying (asset, recipient) decides the outcome and
// later qualifying events are ignored, so one transaction can never be
// double-counted as separate payments. The charge-key dedup on the tx
// hash closes the same hole across invoices.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash common.Hash, minAmount *big.Int) (Result, error) {
	receipt, err := v.fetchReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Result{Status: StatusNotFound}, nil
		}
		return Result{}, railpay.NewPaymentError(railpay.ErrCodeChainUnavailable,
			fmt.Sprintf("failed to fetch receipt for %s: %v", txHash, err), nil)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return Result{Status: StatusReverted}, nil
	}

	for _, log := range receipt.Logs {
		if log.Address != v.asset {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != transferTopic {
			continue
		}

		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != v.recipient {
			continue
		}

		from := common.BytesToAddress(log.Topics[1].Bytes())
		amount := new(big.Int).SetBytes(log.Data)

		if amount.Cmp(minAmount) < 0 {
			return Result{Status: StatusUnderpaid, Payer: from, Amount: amount}, nil
		}
		return Result{Status: StatusVerified, Payer: from, Amount: amount}, nil
	}

	return Result{Status: StatusNoTransfer}, nil
}

// VerifyForInvoice verifies a direct transfer against an invoice and
// converts the outcome into a verified payment keyed by the tx hash.
// Under-payment surfaces the explicit shortfall error, not a generic
// rejection.
func (v *Verifier) VerifyForInvoice(ctx context.Context, txHash common.Hash, inv railpay.Invoice) (railpay.VerifiedPayment, error) {
	minAmount := new(big.Int).SetUint64(inv.PriceMinorUnits)
	result, err := v.VerifyTransfer(ctx, txHash, minAmount)
	if err != nil {
		return railpay.VerifiedPayment{}, err
	}

	switch result.Status {
	case StatusVerified:
		return railpay.VerifiedPayment{
			ChargeKey:        txHash.Hex(),
			InvoiceID:        inv.ID,
			Payer:            result.Payer.Hex(),
			AmountMinorUnits: amountMinorUnits(result.Amount),
			Rail:             railpay.RailOnChain,
		}, nil
	case StatusUnderpaid:
		return railpay.VerifiedPayment{}, railpay.NewUnderPaymentError(inv.PriceMinorUnits, amountMinorUnits(result.Amount))
	case StatusNotFound:
		return railpay.VerifiedPayment{}, railpay.NewPaymentError(railpay.ErrCodeChainUnavailable,
			fmt.Sprintf("transaction %s not found yet", txHash), nil)
	case StatusReverted:
		return railpay.VerifiedPayment{}, railpay.NewPaymentError(railpay.ErrCodeInvalidPayment,
			fmt.Sprintf("transaction %s failed on-chain", txHash), nil)
	default:
		return railpay.VerifiedPayment{}, railpay.NewPaymentError(railpay.ErrCodeInvalidPayment,
			fmt.Sprintf("no transfer of the expected asset to the treasury found in %s", txHash), nil)
	}
}

// fetchReceipt retries transient RPC failures with bounded backoff.
// A missing receipt (ethereum.NotFound) is returned immediately: the
// transaction may simply be unmined, which is the poller's normal case.
func (v *Verifier) fetchReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var lastErr error
	for attempt := range receiptRetries {
		receipt, err := v.reader.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		lastErr = err
		if attempt < receiptRetries-1 {
			delay := receiptRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func amountMinorUnits(amount *big.Int) uint64 {
	if amount == nil {
		return 0
	}
	if !amount.IsUint64() {
		return math.MaxUint64
	}
	return amount.Uint64()
}
