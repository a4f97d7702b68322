package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Answerer pushes pre-authorization verdicts and fulfillment results
// back to the platform. The webhook handler calls it after
// OnPreCheckout has decided, keeping the decision itself free of I/O.
type Answerer interface {
	AnswerPreCheckout(ctx context.Context, d Decision) error
	SendResult(ctx context.Context, recipientID int64, text string) error
}

// BotConfig configures the bot-API answerer. Built once at startup;
// no environment reads at call time.
type BotConfig struct {
	// Token authenticates against the bot API.
	Token string

	// BaseURL overrides the bot API endpoint (tests point it at a
	// local server).
	BaseURL string

	// WebhookSecret is compared against the provider's secret token
	// header on inbound updates.
	WebhookSecret string

	HTTPClient *http.Client
}

// BotAnswerer answers over the platform's HTTP bot API.
type BotAnswerer struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// DefaultBotBaseURL is the production bot API endpoint.
const DefaultBotBaseURL = "https://api.telegram.org"

// NewBotAnswerer creates an answerer from an explicit config.
func NewBotAnswerer(config *BotConfig) *BotAnswerer {
	if config == nil {
		config = &BotConfig{}
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBotBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	return &BotAnswerer{
		token:      config.Token,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// AnswerPreCheckout transmits the approve/reject verdict. The rail
// treats a missing or late answer as an automatic failure; there is no
// recovery path for that case.
func (a *BotAnswerer) AnswerPreCheckout(ctx context.Context, d Decision) error {
	body := map[string]interface{}{
		"pre_checkout_query_id": d.QueryID,
		"ok":                    d.OK,
	}
	if !d.OK && d.ErrorMessage != "" {
		body["error_message"] = d.ErrorMessage
	}
	return a.post(ctx, "answerPreCheckoutQuery", body)
}

// SendResult pushes a fulfillment result message to the buyer.
func (a *BotAnswerer) SendResult(ctx context.Context, recipientID int64, text string) error {
	return a.post(ctx, "sendMessage", map[string]interface{}{
		"chat_id": recipientID,
		"text":    text,
	})
}

func (a *BotAnswerer) post(ctx context.Context, method string, body map[string]interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.token, method)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed (%d): %s", method, resp.StatusCode, string(responseBody))
	}
	return nil
}
