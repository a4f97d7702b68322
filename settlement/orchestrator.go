package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	railpay "github.com/tigerhub/railpay"
)

// Orchestrator owns the verified-payment to fulfilled-order pipeline.
// It admits each charge key exactly once, runs the product generator
// for the winner, and records the terminal outcome.
type Orchestrator struct {
	store      ChargeStore
	invoices   *InvoiceRegistry
	dispatcher *Dispatcher
	publisher  Publisher
	logger     *slog.Logger
}

// NewOrchestrator wires the settlement pipeline. publisher may be nil,
// in which case no events are emitted.
func NewOrchestrator(store ChargeStore, invoices *InvoiceRegistry, dispatcher *Dispatcher, publisher Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		invoices:   invoices,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
	}
}

// Settle takes a rail-verified payment and drives it to a terminal
// state. Exactly one caller per charge key performs fulfillment;
// concurrent and repeat callers get the current record back with no
// side effects.
func (o *Orchestrator) Settle(ctx context.Context, payment railpay.VerifiedPayment, params map[string]interface{}) (*railpay.ChargeRecord, error) {
	// Duplicates resolve against the stored record first. The invoice
	// may be expired or pruned by the time a redelivery arrives and
	// that must not turn an already-settled charge into an error.
	if record, err := o.store.Get(ctx, payment.ChargeKey); err == nil {
		o.logger.Info("charge already admitted",
			"chargeKey", payment.ChargeKey,
			"status", string(record.Status))
		return record, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	inv, ok := o.invoices.Lookup(payment.InvoiceID)
	if !ok {
		return nil, railpay.NewPaymentError(railpay.ErrCodeInvoiceUnknown,
			fmt.Sprintf("no invoice %s", payment.InvoiceID), nil)
	}
	if inv.Expired(time.Now()) {
		return nil, railpay.NewPaymentError(railpay.ErrCodeInvoiceExpired,
			fmt.Sprintf("invoice %s expired at %s", inv.ID, inv.Deadline.Format(time.RFC3339)), nil)
	}
	if payment.AmountMinorUnits < inv.PriceMinorUnits {
		return nil, railpay.NewUnderPaymentError(inv.PriceMinorUnits, payment.AmountMinorUnits)
	}

	result, record, err := o.store.Admit(ctx, railpay.ChargeRecord{
		ChargeKey:        payment.ChargeKey,
		InvoiceID:        payment.InvoiceID,
		Payer:            payment.Payer,
		AmountMinorUnits: payment.AmountMinorUnits,
		Rail:             payment.Rail,
	})
	if err != nil {
		return nil, err
	}
	if result != AdmitWinner {
		o.logger.Info("charge already admitted",
			"chargeKey", payment.ChargeKey,
			"result", result.String(),
			"status", string(record.Status))
		return record, nil
	}

	return o.fulfill(ctx, record, inv, params)
}

// Replay re-runs fulfillment for a charge that previously failed. It
// is the operator path for stuck orders; charges in any other state
// are left alone.
func (o *Orchestrator) Replay(ctx context.Context, chargeKey string, params map[string]interface{}) (*railpay.ChargeRecord, error) {
	record, err := o.store.Get(ctx, chargeKey)
	if err != nil {
		return nil, err
	}
	if record.Status != railpay.StatusFailed {
		return record, fmt.Errorf("charge %s is %s, only failed charges can be replayed", chargeKey, record.Status)
	}
	inv, ok := o.invoices.Lookup(record.InvoiceID)
	if !ok {
		return record, railpay.NewPaymentError(railpay.ErrCodeInvoiceUnknown,
			fmt.Sprintf("no invoice %s", record.InvoiceID), nil)
	}
	return o.fulfill(ctx, record, inv, params)
}

func (o *Orchestrator) fulfill(ctx context.Context, record *railpay.ChargeRecord, inv railpay.Invoice, params map[string]interface{}) (*railpay.ChargeRecord, error) {
	record, err := o.store.MarkFulfilling(ctx, record.ChargeKey)
	if err != nil {
		return record, err
	}

	o.logger.Info("fulfilling charge",
		"chargeKey", record.ChargeKey,
		"invoiceId", record.InvoiceID,
		"productId", string(inv.ProductID),
		"rail", string(record.Rail))

	order := Order{
		ChargeKey: record.ChargeKey,
		InvoiceID: record.InvoiceID,
		ProductID: inv.ProductID,
		Payer:     record.Payer,
		Params:    params,
	}
	resultURI, dispatchErr := o.dispatcher.Dispatch(ctx, order)
	if dispatchErr != nil {
		failed, markErr := o.store.MarkFailed(ctx, record.ChargeKey, dispatchErr.Error())
		if markErr != nil {
			o.logger.Error("failed to record fulfillment failure",
				"chargeKey", record.ChargeKey, "error", markErr)
		} else {
			record = failed
		}
		o.publish(ctx, OrderEvent{
			Type:      EventOrderFailed,
			ChargeKey: record.ChargeKey,
			InvoiceID: record.InvoiceID,
			ProductID: inv.ProductID,
			Rail:      record.Rail,
			Error:     dispatchErr.Error(),
			At:        time.Now(),
		})
		return record, dispatchErr
	}

	record, err = o.store.MarkFulfilled(ctx, record.ChargeKey, resultURI)
	if err != nil {
		return record, err
	}

	o.logger.Info("charge fulfilled",
		"chargeKey", record.ChargeKey,
		"invoiceId", record.InvoiceID,
		"resultUri", resultURI)

	o.publish(ctx, OrderEvent{
		Type:      EventOrderFulfilled,
		ChargeKey: record.ChargeKey,
		InvoiceID: record.InvoiceID,
		ProductID: inv.ProductID,
		Rail:      record.Rail,
		ResultURI: resultURI,
		At:        time.Now(),
	})
	return record, nil
}

func (o *Orchestrator) publish(ctx context.Context, ev OrderEvent) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, ev.ChargeKey, ev); err != nil {
		o.logger.Error("failed to publish order event",
			"chargeKey", ev.ChargeKey, "type", ev.Type, "error", err)
	}
}
