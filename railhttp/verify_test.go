package railhttp

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	railpay "github.com/tigerhub/railpay"
	"github.com/tigerhub/railpay/facilitator"
	"github.com/tigerhub/railpay/onchain"
	"github.com/tigerhub/railpay/platform"
	"github.com/tigerhub/railpay/settlement"
)

type fakeChain struct {
	receipts map[common.Hash]*types.Receipt
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func transferReceipt(amount int64) *types.Receipt {
	asset := common.HexToAddress(testAsset)
	treasury := common.HexToAddress(testPayTo)
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	topic := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: asset,
			Topics: []common.Hash{
				topic,
				common.BytesToHash(common.LeftPadBytes(payer.Bytes(), 32)),
				common.BytesToHash(common.LeftPadBytes(treasury.Bytes(), 32)),
			},
			Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		}},
	}
}

func newChainFixture(t *testing.T, amount int64) *fixture {
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

	chain := &fakeChain{receipts: map[common.Hash]*types.Receipt{
		common.HexToHash(webhookTx): transferReceipt(amount),
	}}
	verifier := onchain.NewVerifier(chain, onchain.Config{
		Asset:     common.HexToAddress(testAsset),
		Recipient: common.HexToAddress(testPayTo),
	})

	server := NewServer(ServerConfig{
		Orchestrator:      settlement.NewOrchestrator(store, invoices, dispatcher, nil, nil),
		Store:             store,
		Invoices:          invoices,
		FacilitatorClient: facilitator.NewClient(&facilitator.Config{WebhookSecret: testSecret}),
		PlatformVerifier:  platform.NewVerifier(invoices),
		Answerer:          &fakeAnswerer{},
		OnChainVerifier:   verifier,
		PayTo:             testPayTo,
		Asset:             testAsset,
		Network:           "eip155:8453",
	})

	router := gin.New()
	server.Register(router)
	return &fixture{router: router, invoices: invoices, store: store, dispatches: &dispatches}
}

func TestVerifyOnChain_Fulfills(t *testing.T) {
	f := newChainFixture(t, 500_000)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	w := f.postJSON(t, "/payments/verify", verifyOnChainRequest{InvoiceID: inv.ID, TxHash: webhookTx}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rec railpay.ChargeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, railpay.StatusFulfilled, rec.Status)
	assert.Equal(t, railpay.RailOnChain, rec.Rail)
	assert.Equal(t, common.HexToHash(webhookTx).Hex(), rec.ChargeKey)
	assert.Equal(t, int64(1), f.dispatches.Load())
}

func TestVerifyOnChain_UnderPayment(t *testing.T) {
	// One unit short of the 500,000 price
	f := newChainFixture(t, 499_999)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	w := f.postJSON(t, "/payments/verify", verifyOnChainRequest{InvoiceID: inv.ID, TxHash: webhookTx}, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())

	var resp struct {
		Code    string                 `json:"code"`
		Details map[string]interface{} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, railpay.ErrCodeUnderPayment, resp.Code)
	assert.Equal(t, float64(500_000), resp.Details["requiredMinorUnits"])
	assert.Equal(t, float64(499_999), resp.Details["gotMinorUnits"])
	assert.Equal(t, int64(0), f.dispatches.Load(), "an under-payment must not fulfill")
}

func TestVerifyOnChain_PendingTransaction(t *testing.T) {
	f := newChainFixture(t, 500_000)
	inv := f.issueInvoice(t, railpay.ProductMusicTrack)

	// A hash the chain has never seen: still pending from the engine's
	// point of view, so the client should retry rather than give up.
	pending := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	w := f.postJSON(t, "/payments/verify", verifyOnChainRequest{InvoiceID: inv.ID, TxHash: pending}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
}

func TestVerifyOnChain_UnknownInvoice(t *testing.T) {
	f := newChainFixture(t, 500_000)
	w := f.postJSON(t, "/payments/verify", verifyOnChainRequest{InvoiceID: "0xmissing", TxHash: webhookTx}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerifyOnChain_ExpiredInvoice(t *testing.T) {
	f := newChainFixture(t, 500_000)
	inv, err := railpay.NewInvoice("", railpay.ProductMusicTrack, "buyer-1", testPayTo, testAsset,
		"eip155:8453", time.Now().Add(-time.Hour), 10*time.Minute)
	require.NoError(t, err)
	inv = f.invoices.Put(inv)

	w := f.postJSON(t, "/payments/verify", verifyOnChainRequest{InvoiceID: inv.ID, TxHash: webhookTx}, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, railpay.ErrCodeInvoiceExpired, resp.Code)
}
