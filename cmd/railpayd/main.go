package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	railpay "github.com/tigerhub/railpay"
	"github.com/tigerhub/railpay/config"
	"github.com/tigerhub/railpay/facilitator"
	"github.com/tigerhub/railpay/middleware"
	"github.com/tigerhub/railpay/onchain"
	"github.com/tigerhub/railpay/platform"
	"github.com/tigerhub/railpay/railhttp"
	"github.com/tigerhub/railpay/settlement"
)

func main() {
	if err := run(); err != nil {
		slog.Error("railpayd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	store, closeStore, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	invoices := settlement.NewInvoiceRegistry()

	dispatcher := settlement.NewDispatcher()
	for _, product := range railpay.Products() {
		dispatcher.Register(product, assetGenerator())
	}

	var publisher settlement.Publisher
	if cfg.KafkaBroker != "" {
		kp := settlement.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	orchestrator := settlement.NewOrchestrator(store, invoices, dispatcher, publisher, logger)

	facClient := facilitator.NewClient(&facilitator.Config{
		URL:           cfg.FacilitatorURL,
		WebhookSecret: cfg.FacilitatorWebhookSecret,
	})

	platformVerifier := platform.NewVerifier(invoices)
	answerer := platform.NewBotAnswerer(&platform.BotConfig{
		Token:   cfg.BotToken,
		BaseURL: cfg.BotBaseURL,
	})

	var chainVerifier *onchain.Verifier
	if cfg.ChainRPCURL != "" {
		eth, err := ethclient.Dial(cfg.ChainRPCURL)
		if err != nil {
			return fmt.Errorf("failed to connect to chain rpc: %w", err)
		}
		defer eth.Close()
		chainVerifier = onchain.NewVerifier(eth, onchain.Config{
			Asset:     common.HexToAddress(cfg.AssetAddress),
			Recipient: common.HexToAddress(cfg.RecipientAddress),
		})
	}

	server := railhttp.NewServer(railhttp.ServerConfig{
		Orchestrator:      orchestrator,
		Store:             store,
		Invoices:          invoices,
		FacilitatorClient: facClient,
		PlatformVerifier:  platformVerifier,
		Answerer:          answerer,
		OnChainVerifier:   chainVerifier,
		PlatformSecret:    cfg.PlatformWebhookSecret,
		PayTo:             cfg.PayTo,
		Asset:             cfg.AssetAddress,
		Network:           railpay.Network(cfg.Network),
		InvoiceTTL:        cfg.InvoiceTTL,
		Logger:            logger,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	server.Register(router)

	// One facilitator-gated resource: the anthem download answers 402
	// until a valid payment header settles.
	router.GET("/resource/anthem",
		middleware.Payment(railpay.ProductAnthem, cfg.PayTo, cfg.AssetAddress, railpay.Network(cfg.Network),
			invoices, facClient, orchestrator,
			middleware.WithInvoiceTTL(cfg.InvoiceTTL),
			middleware.WithLogger(logger)),
		func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"resource": "anthem", "status": "unlocked"})
		})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("railpayd listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newStore(cfg *config.Config) (settlement.ChargeStore, func(), error) {
	if cfg.BoltPath == "" {
		return settlement.NewMemoryStore(), func() {}, nil
	}
	bs, err := settlement.NewBoltStore(cfg.BoltPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open charge store: %w", err)
	}
	return bs, func() { bs.Close() }, nil
}

// assetGenerator mints a deliverable URI for a fulfilled order. Real
// deployments swap in generators that render the actual product.
func assetGenerator() settlement.Generator {
	return settlement.GeneratorFunc(func(ctx context.Context, productID railpay.ProductID, params map[string]interface{}) (string, error) {
		return fmt.Sprintf("https://assets.railpay.dev/%s/%s", productID, uuid.NewString()), nil
	})
}
