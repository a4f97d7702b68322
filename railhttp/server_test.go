package railhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	railpay "github.com/tigerhub/railpay"
	"github.com/tigerhub/railpay/facilitator"
	"github.com/tigerhub/railpay/platform"
	"github.com/tigerhub/railpay/settlement"
)

const (
	testPayTo  = "0x9f2A31A0B72C5aE17Ce8B1E4F3d9c5B2E6a8D441"
	testAsset  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testSecret = "hooksecret"
)

type fakeAnswerer struct {
	decisions []platform.Decision
	results   []string
}

func (a *fakeAnswerer) AnswerPreCheckout(ctx context.Context, d platform.Decision) error {
	a.decisions = append(a.decisions, d)
	return nil
}

func (a *fakeAnswerer) SendResult(ctx context.Context, recipientID int64, text string) error {
	a.results = append(a.results, text)
	return nil
}

type fixture struct {
	router     *gin.Engine
	invoices   *settlement.InvoiceRegistry
	store      settlement.ChargeStore
	answerer   *fakeAnswerer
	dispatches *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	invoices := settlement.NewInvoiceRegistry()
	store := settlement.NewMemoryStore()

	var dispatches atomic.Int64
	dispatcher := settlement.NewDispatcher()
	for _, p := range railpay.Products() {
		dispatcher.Register(p, settlement.GeneratorFunc(func(ctx context.Context, productID railpay.ProductID, params map[string]interface{}) (string, error) {
			dispatches.Add(1)
			return "https://assets.example/" + string(productID), nil
		}))
	}

	orchestrator := settlement.NewOrchestrator(store, invoices, dispatcher, nil, nil)
	facClient := facilitator.NewClient(&facilitator.Config{WebhookSecret: testSecret})
	answerer := &fakeAnswerer{}

	server := NewServer(ServerConfig{
		Orchestrator:      orchestrator,
		Store:             store,
		Invoices:          invoices,
		FacilitatorClient: facClient,
		PlatformVerifier:  platform.NewVerifier(invoices),
		Answerer:          answerer,
		PlatformSecret:    "platsecret",
		PayTo:             testPayTo,
		Asset:             testAsset,
		Network:           "eip155:8453",
	})

	router := gin.New()
	server.Register(router)

	return &fixture{
		router:     router,
		invoices:   invoices,
		store:      store,
		answerer:   answerer,
		dispatches: &dispatches,
	}
}

func (f *fixture) postJSON(t *testing.T, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) issueInvoice(t *testing.T, productID railpay.ProductID) railpay.Invoice {
	t.Helper()
	inv, err := railpay.NewInvoice("", productID, "buyer-1", testPayTo, testAsset, "eip155:8453", time.Now(), 10*time.Minute)
	require.NoError(t, err)
	return f.invoices.Put(inv)
}

func TestCreateInvoice(t *testing.T) {
	f := newFixture(t)

	w := f.postJSON(t, "/payments/invoice", map[string]string{
		"productId": "music_track",
		"buyerId":   "buyer-1",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp createInvoiceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(500_000), resp.Invoice.PriceMinorUnits)
	assert.NotEmpty(t, resp.Invoice.ID)
	assert.NotEmpty(t, resp.PlatformPayload)
	require.Len(t, resp.Requirement.Accepts, 1)
	assert.Equal(t, "500000", resp.Requirement.Accepts[0].MaxAmountRequired)

	// The issued invoice is immediately known to the registry
	_, ok := f.invoices.Lookup(resp.Invoice.ID)
	assert.True(t, ok)
}

func TestCreateInvoice_UnknownProduct(t *testing.T) {
	f := newFixture(t)
	w := f.postJSON(t, "/payments/invoice", map[string]string{"productId": "yacht"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func signedWebhook(inv railpay.Invoice, txHash string) facilitator.WebhookPayload {
	payload := facilitator.WebhookPayload{
		Event:     facilitator.EventPaymentConfirmed,
		InvoiceID: inv.ID,
		TxHash:    txHash,
		Payer:     "0x1111111111111111111111111111111111111111",
		Amount:    "500000",
		Timestamp: time.Now().Unix(),
	}
	payload.Signature = facilitator.ComputeWebhookSignature(payload, testSecret)
	return payload
}

const webhookTx = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestFacilitatorWebhook_ConfirmsAndFulfills(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	w := f.postJSON(t, "/webhooks/facilitator", signedWebhook(inv, webhookTx), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, err := f.store.Get(context.Background(), webhookTx)
	require.NoError(t, err)
	assert.Equal(t, railpay.StatusFulfilled, rec.Status)
	assert.Equal(t, int64(1), f.dispatches.Load())
}

func TestFacilitatorWebhook_DoubleDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)
	payload := signedWebhook(inv, webhookTx)

	first := f.postJSON(t, "/webhooks/facilitator", payload, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.postJSON(t, "/webhooks/facilitator", payload, nil)
	require.Equal(t, http.StatusOK, second.Code, "redelivery must be acknowledged, not errored")

	assert.Equal(t, int64(1), f.dispatches.Load(), "redelivery must not refulfill")
}

func TestFacilitatorWebhook_BadSignature(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	payload := signedWebhook(inv, webhookTx)
	payload.Signature = "deadbeef"
	w := f.postJSON(t, "/webhooks/facilitator", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int64(0), f.dispatches.Load())
}

func TestFacilitatorWebhook_SchemaViolations(t *testing.T) {
	f := newFixture(t)

	tests := []map[string]interface{}{
		{"event": "payment.confirmed"},
		{"event": "payment.weird", "invoiceId": "0x1", "txHash": webhookTx, "timestamp": 1},
		{"event": "payment.confirmed", "invoiceId": "0x1", "txHash": "nothex", "timestamp": 1},
		{"event": "payment.confirmed", "invoiceId": "0x1", "txHash": webhookTx, "timestamp": "soon"},
	}
	for _, body := range tests {
		w := f.postJSON(t, "/webhooks/facilitator", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "payload %v", body)
	}
}

// A client whose poll loop timed out still gets its order: the
// facilitator's async webhook lands later and fulfillment proceeds
// server-side, visible on the order status endpoint.
func TestFacilitatorWebhook_AsyncConfirmAfterClientTimeout(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	// Before the webhook arrives the charge is unknown, which is what
	// the client's poller sees until it gives up.
	req := httptest.NewRequest(http.MethodGet, "/orders/"+webhookTx, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)

	w2 := f.postJSON(t, "/webhooks/facilitator", signedWebhook(inv, webhookTx), nil)
	require.Equal(t, http.StatusOK, w2.Code)

	req = httptest.NewRequest(http.MethodGet, "/orders/"+webhookTx, nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var rec railpay.ChargeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, railpay.StatusFulfilled, rec.Status)
	assert.NotEmpty(t, rec.ResultURI)
}

func platformPreCheckout(t *testing.T, inv railpay.Invoice) map[string]interface{} {
	t.Helper()
	payload, err := platform.BuildInvoicePayload(platform.InvoicePayload{
		InvoiceID: inv.ID,
		ProductID: inv.ProductID,
		BuyerID:   "buyer-1",
	})
	require.NoError(t, err)
	return map[string]interface{}{
		"update_id": 100,
		"pre_checkout_query": map[string]interface{}{
			"id":              "q1",
			"from":            map[string]interface{}{"id": 42},
			"currency":        "XTR",
			"total_amount":    25,
			"invoice_payload": payload,
		},
	}
}

func platformSuccess(t *testing.T, inv railpay.Invoice, chargeID string) map[string]interface{} {
	t.Helper()
	payload, err := platform.BuildInvoicePayload(platform.InvoicePayload{
		InvoiceID: inv.ID,
		ProductID: inv.ProductID,
		BuyerID:   "buyer-1",
	})
	require.NoError(t, err)
	return map[string]interface{}{
		"update_id": 101,
		"message": map[string]interface{}{
			"from": map[string]interface{}{"id": 42},
			"successful_payment": map[string]interface{}{
				"currency":                   "XTR",
				"total_amount":               25,
				"invoice_payload":            payload,
				"telegram_payment_charge_id": chargeID,
			},
		},
	}
}

func TestPlatformWebhook_RequiresSecret(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	w := f.postJSON(t, "/webhooks/platform", platformPreCheckout(t, inv), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.postJSON(t, "/webhooks/platform", platformPreCheckout(t, inv),
		map[string]string{PlatformSecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPlatformWebhook_PreCheckoutAnswered(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	w := f.postJSON(t, "/webhooks/platform", platformPreCheckout(t, inv),
		map[string]string{PlatformSecretHeader: "platsecret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, f.answerer.decisions, 1)
	assert.True(t, f.answerer.decisions[0].OK)
	assert.Equal(t, "q1", f.answerer.decisions[0].QueryID)
	assert.Equal(t, int64(0), f.dispatches.Load(), "pre-checkout must not fulfill anything")
}

func TestPlatformWebhook_SuccessfulPaymentFulfills(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	w := f.postJSON(t, "/webhooks/platform", platformSuccess(t, inv, "stgqp_1"),
		map[string]string{PlatformSecretHeader: "platsecret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, err := f.store.Get(context.Background(), "stgqp_1")
	require.NoError(t, err)
	assert.Equal(t, railpay.StatusFulfilled, rec.Status)
	assert.Equal(t, railpay.RailPlatform, rec.Rail)
	// 25 stars at the fixed conversion covers the 500,000 price
	assert.Equal(t, uint64(25*platform.MinorUnitsPerStar), rec.AmountMinorUnits)

	require.Len(t, f.answerer.results, 1, "buyer gets the fulfillment result")
}

func TestPlatformWebhook_DuplicateChargeIsNoop(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)
	headers := map[string]string{PlatformSecretHeader: "platsecret"}

	first := f.postJSON(t, "/webhooks/platform", platformSuccess(t, inv, "stgqp_1"), headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := f.postJSON(t, "/webhooks/platform", platformSuccess(t, inv, "stgqp_1"), headers)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, int64(1), f.dispatches.Load(), "redelivered charge must not refulfill")
}

func TestPlatformWebhook_IgnoresUnrelatedUpdates(t *testing.T) {
	f := newFixture(t)
	w := f.postJSON(t, "/webhooks/platform", map[string]interface{}{"update_id": 1},
		map[string]string{PlatformSecretHeader: "platsecret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOrderStatus(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	f.postJSON(t, "/webhooks/facilitator", signedWebhook(inv, webhookTx), nil)

	req := httptest.NewRequest(http.MethodGet, "/orders/"+webhookTx, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var rec railpay.ChargeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, webhookTx, rec.ChargeKey)
	assert.Equal(t, inv.ID, rec.InvoiceID)
}

func TestProducts(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Products []productEntry `json:"products"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Products, len(railpay.Products()))
	for _, p := range resp.Products {
		assert.NotZero(t, p.PriceMinorUnits, "product %s", p.ID)
	}
}

func TestVerifyOnChain_NotConfigured(t *testing.T) {
	f := newFixture(t)
	w := f.postJSON(t, "/payments/verify", verifyOnChainRequest{InvoiceID: "0x1", TxHash: webhookTx}, nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestParseTxHash(t *testing.T) {
	if _, err := parseTxHash(webhookTx); err != nil {
		t.Errorf("Expected valid hash to parse: %v", err)
	}
	for _, bad := range []string{"", "0x123", "aaaa", fmt.Sprintf("0y%062d", 0)} {
		if _, err := parseTxHash(bad); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}
