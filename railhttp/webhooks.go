package railhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	railpay "github.com/tigerhub/railpay"
	"github.com/tigerhub/railpay/facilitator"
	"github.com/tigerhub/railpay/platform"
)

// facilitatorWebhookSchema validates the structure of facilitator
// notifications before any field is trusted.
const facilitatorWebhookSchema = `{
	"type": "object",
	"required": ["event", "invoiceId", "txHash", "timestamp"],
	"properties": {
		"event":     {"type": "string", "enum": ["payment.confirmed", "payment.failed"]},
		"invoiceId": {"type": "string", "minLength": 1},
		"txHash":    {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
		"payer":     {"type": "string"},
		"amount":    {"type": "string", "pattern": "^[0-9]+$"},
		"resource":  {"type": "string"},
		"timestamp": {"type": "integer"},
		"signature": {"type": "string"}
	}
}`

var facilitatorSchema = gojsonschema.NewStringLoader(facilitatorWebhookSchema)

// handleFacilitatorWebhook ingests the facilitator's async payment
// notifications. Delivery is at-least-once; every accepted
// notification funnels through admission, so redelivery is a no-op.
// The response is 200 for anything authenticated and well-formed,
// even when settlement rejects the payment, so the facilitator stops
// retrying terminal outcomes.
func (s *Server) handleFacilitatorWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	result, err := gojsonschema.Validate(facilitatorSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": strings.Join(errs, "; ")})
		return
	}

	var payload facilitator.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}

	if !s.facClient.VerifyWebhookSignature(payload) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	if payload.Event == facilitator.EventPaymentFailed {
		s.logger.Info("facilitator reported payment failure",
			"invoiceId", payload.InvoiceID, "txHash", payload.TxHash)
		c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
		return
	}

	inv, ok := s.invoices.Lookup(payload.InvoiceID)
	if !ok {
		s.logger.Warn("webhook references unknown invoice", "invoiceId", payload.InvoiceID)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	payment, err := s.webhookPayment(c, payload, inv)
	if err != nil {
		s.logger.Warn("webhook payment rejected",
			"invoiceId", payload.InvoiceID, "txHash", payload.TxHash, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "error": err.Error()})
		return
	}

	record, err := s.orchestrator.Settle(c.Request.Context(), payment, nil)
	if err != nil {
		var perr *railpay.PaymentError
		if errors.As(err, &perr) && !perr.IsTerminal() {
			// Transient: non-200 makes the facilitator redeliver.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": perr.Message})
			return
		}
		s.logger.Warn("webhook settlement rejected",
			"invoiceId", payload.InvoiceID, "txHash", payload.TxHash, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(record.Status), "chargeKey": record.ChargeKey})
}

// webhookPayment turns an authenticated notification into a verified
// payment. When an on-chain verifier is configured the transfer is
// re-checked against the chain instead of trusting the payload's
// amount.
func (s *Server) webhookPayment(c *gin.Context, payload facilitator.WebhookPayload, inv railpay.Invoice) (railpay.VerifiedPayment, error) {
	if s.onchainVerifier != nil {
		txHash, err := parseTxHash(payload.TxHash)
		if err != nil {
			return railpay.VerifiedPayment{}, err
		}
		return s.onchainVerifier.VerifyForInvoice(c.Request.Context(), txHash, inv)
	}

	amount := inv.PriceMinorUnits
	if payload.Amount != "" {
		parsed, err := strconv.ParseUint(payload.Amount, 10, 64)
		if err != nil {
			return railpay.VerifiedPayment{}, fmt.Errorf("invalid amount %q", payload.Amount)
		}
		amount = parsed
	}
	return railpay.VerifiedPayment{
		ChargeKey:        payload.TxHash,
		InvoiceID:        payload.InvoiceID,
		Payer:            payload.Payer,
		AmountMinorUnits: amount,
		Rail:             railpay.RailFacilitator,
	}, nil
}

// platformUpdate is the inbound webhook envelope from the platform's
// bot API.
type platformUpdate struct {
	UpdateID         int64                     `json:"update_id"`
	PreCheckoutQuery *platformPreCheckoutQuery `json:"pre_checkout_query,omitempty"`
	Message          *platformMessage          `json:"message,omitempty"`
}

type platformUser struct {
	ID int64 `json:"id"`
}

type platformPreCheckoutQuery struct {
	ID             string       `json:"id"`
	From           platformUser `json:"from"`
	Currency       string       `json:"currency"`
	TotalAmount    int64        `json:"total_amount"`
	InvoicePayload string       `json:"invoice_payload"`
}

type platformMessage struct {
	From              platformUser               `json:"from"`
	SuccessfulPayment *platformSuccessfulPayment `json:"successful_payment,omitempty"`
}

type platformSuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id"`
	PlatformPaymentChargeID string `json:"telegram_payment_charge_id"`
}

// handlePlatformWebhook ingests platform updates. Pre-checkout answers
// must go out fast, so the decision is computed locally and only the
// answer itself touches the network. Successful payments funnel into
// the orchestrator keyed by the provider charge id, which makes
// redelivered updates no-ops.
func (s *Server) handlePlatformWebhook(c *gin.Context) {
	if s.platformSecret != "" && c.GetHeader(PlatformSecretHeader) != s.platformSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
		return
	}

	var update platformUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}

	switch {
	case update.PreCheckoutQuery != nil:
		q := update.PreCheckoutQuery
		decision := s.platformVerifier.OnPreCheckout(platform.PreCheckoutQuery{
			ID:             q.ID,
			FromID:         q.From.ID,
			Currency:       q.Currency,
			TotalAmount:    q.TotalAmount,
			InvoicePayload: q.InvoicePayload,
		})
		if err := s.answerer.AnswerPreCheckout(c.Request.Context(), decision); err != nil {
			s.logger.Error("failed to answer pre-checkout", "queryId", q.ID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to answer pre-checkout"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "answered", "ok": decision.OK})

	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		s.handlePlatformCharge(c, update.Message)

	default:
		// Updates we did not subscribe to. Acknowledge so the platform
		// does not redeliver them.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (s *Server) handlePlatformCharge(c *gin.Context, msg *platformMessage) {
	sp := msg.SuccessfulPayment
	chargeID := sp.PlatformPaymentChargeID
	if chargeID == "" {
		chargeID = sp.ProviderPaymentChargeID
	}

	payment, payload, err := s.platformVerifier.OnChargeCompleted(platform.ChargeNotification{
		FromID:         msg.From.ID,
		Currency:       sp.Currency,
		TotalAmount:    sp.TotalAmount,
		InvoicePayload: sp.InvoicePayload,
		ChargeID:       chargeID,
	})
	if err != nil {
		s.logger.Warn("platform charge rejected", "chargeId", chargeID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "error": err.Error()})
		return
	}

	record, err := s.orchestrator.Settle(c.Request.Context(), payment, map[string]interface{}{
		"buyerId": payload.BuyerID,
	})
	if err != nil {
		var perr *railpay.PaymentError
		if errors.As(err, &perr) && !perr.IsTerminal() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": perr.Message})
			return
		}
		s.logger.Warn("platform settlement rejected", "chargeId", chargeID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "error": err.Error()})
		return
	}

	if record.Status == railpay.StatusFulfilled && s.answerer != nil {
		text := fmt.Sprintf("Your order is ready: %s", record.ResultURI)
		if err := s.answerer.SendResult(c.Request.Context(), msg.From.ID, text); err != nil {
			s.logger.Error("failed to send fulfillment result", "chargeId", chargeID, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": string(record.Status), "chargeKey": record.ChargeKey})
}

func parseTxHash(raw string) (common.Hash, error) {
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", raw)
	}
	return common.HexToHash(raw), nil
}
