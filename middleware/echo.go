package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	railpay "github.com/tigerhub/railpay"
	"github.com/tigerhub/railpay/facilitator"
	"github.com/tigerhub/railpay/settlement"
)

// PaymentEcho is the echo variant of the payment gate. Unlike the gin
// middleware it settles before the handler runs, so handlers that
// stream responses do not need interception.
func PaymentEcho(productID railpay.ProductID, payTo, asset string, network railpay.Network,
	invoices *settlement.InvoiceRegistry, client *facilitator.Client, settler Settler, opts ...Option) echo.MiddlewareFunc {

	options := &Options{
		ProductID:  productID,
		PayTo:      payTo,
		Asset:      asset,
		Network:    network,
		InvoiceTTL: 10 * time.Minute,
		Invoices:   invoices,
		Client:     client,
		Settler:    settler,
		Logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			resource := options.Resource
			if resource == "" {
				resource = c.Request().URL.Path
			}
			buyerID := c.Request().Header.Get("X-Buyer-Id")

			header := c.Request().Header.Get(railpay.PaymentHeader)
			if header == "" {
				return echoPaymentRequired(c, options, buyerID, resource, "payment required")
			}

			artifact, err := railpay.ParseArtifactHeader(header)
			if err != nil {
				return echoPaymentRequired(c, options, buyerID, resource, err.Error())
			}

			inv, ok := options.Invoices.Lookup(artifact.InvoiceID)
			if !ok {
				return echoPaymentRequired(c, options, buyerID, resource, "unknown invoice")
			}
			if inv.Expired(time.Now()) {
				return echoPaymentRequired(c, options, buyerID, resource, "invoice expired")
			}
			if err := railpay.CheckArtifactAgainstInvoice(*artifact, inv); err != nil {
				return echoPaymentRequired(c, options, buyerID, resource, err.Error())
			}

			ctx := c.Request().Context()
			verify, err := options.Client.Verify(ctx, *artifact, inv)
			if err != nil {
				options.Logger.Error("facilitator verify failed", "invoiceId", inv.ID, "error", err)
				return c.JSON(http.StatusBadGateway, map[string]string{"error": "verification unavailable"})
			}
			if !verify.Valid {
				return echoPaymentRequired(c, options, buyerID, resource, verify.InvalidReason)
			}

			settle, err := options.Client.Settle(ctx, *artifact)
			if err != nil || !settle.Success {
				reason := "settlement failed"
				if err != nil {
					reason = err.Error()
				} else if settle.Error != "" {
					reason = settle.Error
				}
				options.Logger.Error("settlement failed", "invoiceId", inv.ID, "reason", reason)
				return echoPaymentRequired(c, options, buyerID, resource, reason)
			}

			record, err := options.Settler.Settle(ctx, railpay.VerifiedPayment{
				ChargeKey:        settle.TxHash,
				InvoiceID:        inv.ID,
				Payer:            verify.Payer,
				AmountMinorUnits: inv.PriceMinorUnits,
				Rail:             railpay.RailFacilitator,
			}, nil)
			if err != nil {
				options.Logger.Error("charge recording failed", "invoiceId", inv.ID, "txHash", settle.TxHash, "error", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "fulfillment failed"})
			}

			receipt, err := encodeReceiptHeader(record)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			c.Response().Header().Set(railpay.PaymentResponseHeader, receipt)

			return next(c)
		}
	}
}

func echoPaymentRequired(c echo.Context, options *Options, buyerID, resource, reason string) error {
	inv, err := railpay.NewInvoice("", options.ProductID, buyerID, options.PayTo, options.Asset, options.Network, time.Now(), options.InvoiceTTL)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	inv = options.Invoices.Put(inv)

	pr := railpay.BuildRequirement(inv, resource)
	pr.Error = reason

	if header, err := railpay.EncodeRequirementHeader(pr); err == nil {
		c.Response().Header().Set(railpay.PaymentRequiredHeader, header)
	}
	return c.JSON(http.StatusPaymentRequired, pr)
}
