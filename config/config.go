// Package config loads the process configuration from the environment
// exactly once at startup. Nothing else in the tree reads environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// FacilitatorURL is the base URL of the settlement facilitator.
	FacilitatorURL string
	// FacilitatorWebhookSecret signs facilitator webhook payloads.
	FacilitatorWebhookSecret string

	// BotToken authenticates against the platform bot API.
	BotToken string
	// BotBaseURL overrides the platform bot API endpoint.
	BotBaseURL string
	// PlatformWebhookSecret is echoed by the platform on webhook calls.
	PlatformWebhookSecret string

	// ChainRPCURL is the JSON-RPC endpoint for on-chain verification.
	// Empty disables the on-chain rail.
	ChainRPCURL string
	// AssetAddress is the ERC-20 contract of the settlement asset.
	AssetAddress string
	// RecipientAddress receives direct on-chain payments.
	RecipientAddress string

	// Network is the CAIP-2 style network identifier for invoices.
	Network string
	// PayTo is the settlement destination advertised on invoices.
	PayTo string

	// InvoiceTTL bounds invoice validity.
	InvoiceTTL time.Duration

	// BoltPath is the charge store file. Empty selects the in-memory
	// store.
	BoltPath string

	// KafkaBroker and KafkaTopic configure order event publishing.
	// Empty broker disables publishing.
	KafkaBroker string
	KafkaTopic  string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Load reads the configuration from the environment. A .env file in
// the working directory is merged in when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:               getEnv("LISTEN_ADDR", ":8080"),
		FacilitatorURL:           getEnv("FACILITATOR_URL", "https://x402.org/facilitator"),
		FacilitatorWebhookSecret: os.Getenv("FACILITATOR_WEBHOOK_SECRET"),
		BotToken:                 os.Getenv("BOT_TOKEN"),
		BotBaseURL:               os.Getenv("BOT_BASE_URL"),
		PlatformWebhookSecret:    os.Getenv("PLATFORM_WEBHOOK_SECRET"),
		ChainRPCURL:              os.Getenv("CHAIN_RPC_URL"),
		AssetAddress:             getEnv("ASSET_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		RecipientAddress:         os.Getenv("RECIPIENT_ADDRESS"),
		Network:                  getEnv("NETWORK", "eip155:8453"),
		PayTo:                    os.Getenv("PAY_TO"),
		BoltPath:                 os.Getenv("BOLT_PATH"),
		KafkaBroker:              os.Getenv("KAFKA_BROKER"),
		KafkaTopic:               getEnv("KAFKA_TOPIC", "railpay.orders"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}

	ttlSeconds, err := getEnvInt("INVOICE_TTL_SECONDS", 600)
	if err != nil {
		return nil, err
	}
	cfg.InvoiceTTL = time.Duration(ttlSeconds) * time.Second

	if cfg.PayTo == "" {
		return nil, fmt.Errorf("PAY_TO is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %v", key, err)
	}
	return n, nil
}
