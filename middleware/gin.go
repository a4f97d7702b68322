// Package middleware provides HTTP payment gates for resource servers.
// A gated route answers 402 with an invoice until a valid payment
// artifact arrives, then verifies, runs the handler, settles, and
// records the charge.
package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	railpay "github.com/tigerhub/railpay"
	"github.com/tigerhub/railpay/facilitator"
	"github.com/tigerhub/railpay/settlement"
)

// Options configures a payment gate.
type Options struct {
	ProductID  railpay.ProductID
	PayTo      string
	Asset      string
	Network    railpay.Network
	InvoiceTTL time.Duration
	Resource   string
	Invoices   *settlement.InvoiceRegistry
	Client     *facilitator.Client
	Settler    Settler
	Logger     *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithInvoiceTTL sets the invoice validity window.
func WithInvoiceTTL(ttl time.Duration) Option {
	return func(o *Options) { o.InvoiceTTL = ttl }
}

// WithResource sets the resource URL advertised in requirements. When
// empty, the request path is used.
func WithResource(resource string) Option {
	return func(o *Options) { o.Resource = resource }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// Settler records a verified, settled payment. Satisfied by
// *settlement.Orchestrator.
type Settler interface {
	Settle(ctx context.Context, payment railpay.VerifiedPayment, params map[string]interface{}) (*railpay.ChargeRecord, error)
}

// Payment returns a gin middleware gating the route behind payment for
// one product. Requests without an artifact get 402 with the invoice
// and accepted requirements; requests with one are verified against
// the facilitator, the handler runs, the payment settles, and the
// charge is recorded.
func Payment(productID railpay.ProductID, payTo, asset string, network railpay.Network,
	invoices *settlement.InvoiceRegistry, client *facilitator.Client, settler Settler, opts ...Option) gin.HandlerFunc {

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

	return func(c *gin.Context) {
		resource := options.Resource
		if resource == "" {
			resource = c.Request.URL.Path
		}

		buyerID := c.GetHeader("X-Buyer-Id")
		header := c.GetHeader(railpay.PaymentHeader)
		if header == "" {
			abortPaymentRequired(c, options, buyerID, resource, "payment required")
			return
		}

		artifact, err := railpay.ParseArtifactHeader(header)
		if err != nil {
			abortPaymentRequired(c, options, buyerID, resource, err.Error())
			return
		}

		inv, ok := options.Invoices.Lookup(artifact.InvoiceID)
		if !ok {
			abortPaymentRequired(c, options, buyerID, resource, "unknown invoice")
			return
		}
		if inv.Expired(time.Now()) {
			abortPaymentRequired(c, options, buyerID, resource, "invoice expired")
			return
		}
		if err := railpay.CheckArtifactAgainstInvoice(*artifact, inv); err != nil {
			abortPaymentRequired(c, options, buyerID, resource, err.Error())
			return
		}

		verify, err := options.Client.Verify(c.Request.Context(), *artifact, inv)
		if err != nil {
			options.Logger.Error("facilitator verify failed", "invoiceId", inv.ID, "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "verification unavailable"})
			return
		}
		if !verify.Valid {
			abortPaymentRequired(c, options, buyerID, resource, verify.InvalidReason)
			return
		}

		// Capture the handler's response so nothing is flushed before
		// settlement succeeds.
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		if c.IsAborted() {
			return
		}

		settle, err := options.Client.Settle(c.Request.Context(), *artifact)
		if err != nil || !settle.Success {
			c.Writer = writer.ResponseWriter
			reason := "settlement failed"
			if err != nil {
				reason = err.Error()
			} else if settle.Error != "" {
				reason = settle.Error
			}
			options.Logger.Error("settlement failed", "invoiceId", inv.ID, "reason", reason)
			abortPaymentRequired(c, options, buyerID, resource, reason)
			return
		}

		record, err := options.Settler.Settle(c.Request.Context(), railpay.VerifiedPayment{
			ChargeKey:        settle.TxHash,
			InvoiceID:        inv.ID,
			Payer:            verify.Payer,
			AmountMinorUnits: inv.PriceMinorUnits,
			Rail:             railpay.RailFacilitator,
		}, nil)
		if err != nil {
			c.Writer = writer.ResponseWriter
			options.Logger.Error("charge recording failed", "invoiceId", inv.ID, "txHash", settle.TxHash, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "fulfillment failed"})
			return
		}

		receipt, err := encodeReceiptHeader(record)
		if err != nil {
			c.Writer = writer.ResponseWriter
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.Header(railpay.PaymentResponseHeader, receipt)
		c.Writer = writer.ResponseWriter
		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write([]byte(writer.body.String()))
	}
}

func abortPaymentRequired(c *gin.Context, options *Options, buyerID, resource, reason string) {
	inv, err := railpay.NewInvoice("", options.ProductID, buyerID, options.PayTo, options.Asset, options.Network, time.Now(), options.InvoiceTTL)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	inv = options.Invoices.Put(inv)

	pr := railpay.BuildRequirement(inv, resource)
	pr.Error = reason

	if header, err := railpay.EncodeRequirementHeader(pr); err == nil {
		c.Header(railpay.PaymentRequiredHeader, header)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, pr)
}

func encodeReceiptHeader(record *railpay.ChargeRecord) (string, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// responseWriter captures the handler's response until settlement is
// confirmed.
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}
