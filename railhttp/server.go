// Package railhttp exposes the payment engine over HTTP: invoice
// creation, on-chain payment verification, order status, and the two
// asynchronous webhook entry points.
package railhttp

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	railpay "github.com/tigerhub/railpay"
	"github.com/tigerhub/railpay/facilitator"
	"github.com/tigerhub/railpay/onchain"
	"github.com/tigerhub/railpay/platform"
	"github.com/tigerhub/railpay/settlement"
)

// PlatformSecretHeader is the header the platform echoes back with the
// secret token registered at webhook setup.
const PlatformSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// DefaultInvoiceTTL bounds how long an issued invoice stays payable.
const DefaultInvoiceTTL = 10 * time.Minute

// Server wires the rails and the settlement pipeline behind HTTP
// routes.
type Server struct {
	orchestrator *settlement.Orchestrator
	store        settlement.ChargeStore
	invoices     *settlement.InvoiceRegistry

	facClient        *facilitator.Client
	platformVerifier *platform.Verifier
	answerer         platform.Answerer
	onchainVerifier  *onchain.Verifier

	platformSecret string
	payTo          string
	asset          string
	network        railpay.Network
	invoiceTTL     time.Duration

	logger *slog.Logger
}

// ServerConfig collects the dependencies of the HTTP layer.
type ServerConfig struct {
	Orchestrator *settlement.Orchestrator
	Store        settlement.ChargeStore
	Invoices     *settlement.InvoiceRegistry

	FacilitatorClient *facilitator.Client
	PlatformVerifier  *platform.Verifier
	Answerer          platform.Answerer
	OnChainVerifier   *onchain.Verifier

	// PlatformSecret is the secret token the platform must echo on
	// webhook calls. Empty disables the check.
	PlatformSecret string

	// PayTo, Asset and Network parameterize issued invoices.
	PayTo   string
	Asset   string
	Network railpay.Network

	InvoiceTTL time.Duration
	Logger     *slog.Logger
}

// NewServer builds the HTTP layer from its dependencies.
func NewServer(config ServerConfig) *Server {
	ttl := config.InvoiceTTL
	if ttl == 0 {
		ttl = DefaultInvoiceTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orchestrator:     config.Orchestrator,
		store:            config.Store,
		invoices:         config.Invoices,
		facClient:        config.FacilitatorClient,
		platformVerifier: config.PlatformVerifier,
		answerer:         config.Answerer,
		onchainVerifier:  config.OnChainVerifier,
		platformSecret:   config.PlatformSecret,
		payTo:            config.PayTo,
		asset:            config.Asset,
		network:          config.Network,
		invoiceTTL:       ttl,
		logger:           logger,
	}
}

// Register attaches the routes to a gin engine.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)
	r.GET("/products", s.handleProducts)
	r.POST("/payments/invoice", s.handleCreateInvoice)
	r.POST("/payments/verify", s.handleVerifyOnChain)
	r.GET("/orders/:chargeKey", s.handleOrderStatus)
	r.POST("/webhooks/facilitator", s.handleFacilitatorWebhook)
	r.POST("/webhooks/platform", s.handlePlatformWebhook)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type productEntry struct {
	ID              railpay.ProductID `json:"id"`
	Description     string            `json:"description"`
	PriceMinorUnits uint64            `json:"priceMinorUnits"`
}

func (s *Server) handleProducts(c *gin.Context) {
	products := railpay.Products()
	out := make([]productEntry, 0, len(products))
	for _, p := range products {
		price, _ := p.Price()
		out = append(out, productEntry{
			ID:              p,
			Description:     p.Description(),
			PriceMinorUnits: price,
		})
	}
	c.JSON(http.StatusOK, gin.H{"products": out})
}

type createInvoiceRequest struct {
	ProductID railpay.ProductID `json:"productId" binding:"required"`
	BuyerID   string            `json:"buyerId"`
	Resource  string            `json:"resource"`
}

type createInvoiceResponse struct {
	Invoice         railpay.Invoice         `json:"invoice"`
	Requirement     railpay.PaymentRequired `json:"requirement"`
	PlatformPayload string                  `json:"platformPayload"`
}

func (s *Server) handleCreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	buyerID := req.BuyerID
	if buyerID == "" {
		// Anonymous buyers get a fresh identity so retries do not
		// collide on the derived invoice id.
		buyerID = uuid.NewString()
	}

	inv, err := railpay.NewInvoice("", req.ProductID, buyerID, s.payTo, s.asset, s.network, time.Now(), s.invoiceTTL)
	if err != nil {
		s.writeError(c, err)
		return
	}
	inv = s.invoices.Put(inv)

	resource := req.Resource
	if resource == "" {
		resource = "/products/" + string(req.ProductID)
	}

	payload, err := platform.BuildInvoicePayload(platform.InvoicePayload{
		InvoiceID: inv.ID,
		ProductID: inv.ProductID,
		BuyerID:   buyerID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, createInvoiceResponse{
		Invoice:         inv,
		Requirement:     railpay.BuildRequirement(inv, resource),
		PlatformPayload: payload,
	})
}

type verifyOnChainRequest struct {
	InvoiceID string `json:"invoiceId" binding:"required"`
	TxHash    string `json:"txHash" binding:"required"`
}

func (s *Server) handleVerifyOnChain(c *gin.Context) {
	if s.onchainVerifier == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "on-chain rail is not configured"})
		return
	}

	var req verifyOnChainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inv, ok := s.invoices.Lookup(req.InvoiceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown invoice"})
		return
	}

	txHash, err := parseTxHash(req.TxHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payment, err := s.onchainVerifier.VerifyForInvoice(c.Request.Context(), txHash, inv)
	if err != nil {
		s.writeError(c, err)
		return
	}

	record, err := s.orchestrator.Settle(c.Request.Context(), payment, nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleOrderStatus(c *gin.Context) {
	chargeKey := c.Param("chargeKey")
	record, err := s.store.Get(c.Request.Context(), chargeKey)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown charge"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

// writeError maps the error taxonomy onto HTTP statuses. Transient
// verification and settlement outages are 503 so clients retry;
// terminal payment errors are 402 with the code in the body.
func (s *Server) writeError(c *gin.Context, err error) {
	var perr *railpay.PaymentError
	if errors.As(err, &perr) {
		status := http.StatusPaymentRequired
		switch perr.Code {
		case railpay.ErrCodeInvoiceUnknown:
			status = http.StatusNotFound
		case railpay.ErrCodeUnknownProduct:
			status = http.StatusBadRequest
		case railpay.ErrCodeSettlementUnavailable, railpay.ErrCodeChainUnavailable:
			status = http.StatusServiceUnavailable
		case railpay.ErrCodeFulfillmentFailed:
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"error":   perr.Message,
			"code":    perr.Code,
			"details": perr.Details,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
