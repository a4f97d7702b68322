// Package settlement contains the single chokepoint through which
// every verified payment must pass before fulfillment: the idempotency
// store, the orchestrator that consults it, and the dispatcher that
// produces the purchased artifact at most once per charge.
package settlement

import (
	"context"
	"errors"

	railpay "github.com/tigerhub/railpay"
)

// ErrNotFound is returned when a requested charge record does not exist.
var ErrNotFound = errors.New("charge record not found")

// AdmitResult is the outcome of an admission attempt.
type AdmitResult int

const (
	// AdmitWinner means this caller created the record and holds the
	// exclusive right to fulfill the charge.
	AdmitWinner AdmitResult = iota
	// AdmitAlreadyFulfilling means another caller won and fulfillment
	// is in progress (or admitted but not yet dispatched).
	AdmitAlreadyFulfilling
	// AdmitAlreadyFulfilled means the charge was already fulfilled;
	// the existing record carries the result.
	AdmitAlreadyFulfilled
	// AdmitRejected means the charge exists in a failed state; only an
	// operator-triggered replay may retry fulfillment.
	AdmitRejected
)

func (r AdmitResult) String() string {
	switch r {
	case AdmitWinner:
		return "winner"
	case AdmitAlreadyFulfilling:
		return "already_fulfilling"
	case AdmitAlreadyFulfilled:
		return "already_fulfilled"
	case AdmitRejected:
		return "rejected"
	}
	return "unknown"
}

// ChargeStore is the durable record of charge admissions, keyed by the
// rail-native charge key. Admit must be atomic: when N callers race on
// one key, exactly one receives AdmitWinner and the rest observe the
// winner's record. Implementations must be safe for concurrent use.
type ChargeStore interface {
	// Admit performs the check-and-set: if no record exists for
	// rec.ChargeKey, rec is stored (status verified) and AdmitWinner is
	// returned with the stored record. Otherwise the existing record is
	// returned with a result reflecting its status. Losing a create
	// race is not an error; the store re-reads and reports the winner.
	Admit(ctx context.Context, rec railpay.ChargeRecord) (AdmitResult, *railpay.ChargeRecord, error)

	// Get retrieves a record by charge key, or ErrNotFound.
	Get(ctx context.Context, chargeKey string) (*railpay.ChargeRecord, error)

	// MarkFulfilling transitions verified|failed -> fulfilling.
	// The failed path exists only for operator replay.
	MarkFulfilling(ctx context.Context, chargeKey string) (*railpay.ChargeRecord, error)

	// MarkFulfilled transitions fulfilling -> fulfilled and records the
	// result URI. Fulfilled is permanent.
	MarkFulfilled(ctx context.Context, chargeKey, resultURI string) (*railpay.ChargeRecord, error)

	// MarkFailed transitions fulfilling -> failed and records the
	// error. The payment fact is preserved; only fulfillment failed.
	MarkFailed(ctx context.Context, chargeKey, errMsg string) (*railpay.ChargeRecord, error)
}

// admitResultFor maps an existing record's status to the result a
// losing caller receives.
func admitResultFor(status railpay.ChargeStatus) AdmitResult {
	switch status {
	case railpay.StatusFulfilled:
		return AdmitAlreadyFulfilled
	case railpay.StatusFailed:
		return AdmitRejected
	default:
		return AdmitAlreadyFulfilling
	}
}
