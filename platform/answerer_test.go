package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type botCall struct {
	path string
	body map[string]interface{}
}

func newBotServer(t *testing.T, status int) (*httptest.Server, *[]botCall) {
	t.Helper()
	calls := &[]botCall{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode bot API body: %v", err)
		}
		*calls = append(*calls, botCall{path: r.URL.Path, body: body})
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func TestBotAnswerer_AnswerPreCheckout_Approval(t *testing.T) {
	server, calls := newBotServer(t, http.StatusOK)
	a := NewBotAnswerer(&BotConfig{Token: "abc:123", BaseURL: server.URL})

	err := a.AnswerPreCheckout(context.Background(), Decision{QueryID: "q1", OK: true})
	if err != nil {
		t.Fatalf("AnswerPreCheckout failed: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("Expected 1 bot API call, got %d", len(*calls))
	}
	call := (*calls)[0]
	if call.path != "/botabc:123/answerPreCheckoutQuery" {
		t.Errorf("Unexpected path %q", call.path)
	}
	if call.body["pre_checkout_query_id"] != "q1" {
		t.Errorf("Expected query id q1, got %v", call.body["pre_checkout_query_id"])
	}
	if call.body["ok"] != true {
		t.Errorf("Expected ok=true, got %v", call.body["ok"])
	}
	if _, present := call.body["error_message"]; present {
		t.Error("Approval must not carry an error message")
	}
}

func TestBotAnswerer_AnswerPreCheckout_Rejection(t *testing.T) {
	server, calls := newBotServer(t, http.StatusOK)
	a := NewBotAnswerer(&BotConfig{Token: "abc:123", BaseURL: server.URL})

	err := a.AnswerPreCheckout(context.Background(), Decision{
		QueryID:      "q2",
		OK:           false,
		ErrorMessage: "Invoice expired",
	})
	if err != nil {
		t.Fatalf("AnswerPreCheckout failed: %v", err)
	}
	call := (*calls)[0]
	if call.body["ok"] != false {
		t.Errorf("Expected ok=false, got %v", call.body["ok"])
	}
	if call.body["error_message"] != "Invoice expired" {
		t.Errorf("Expected the rejection reason, got %v", call.body["error_message"])
	}
}

func TestBotAnswerer_SendResult(t *testing.T) {
	server, calls := newBotServer(t, http.StatusOK)
	a := NewBotAnswerer(&BotConfig{Token: "abc:123", BaseURL: server.URL})

	if err := a.SendResult(context.Background(), 42, "your track is ready"); err != nil {
		t.Fatalf("SendResult failed: %v", err)
	}
	call := (*calls)[0]
	if call.path != "/botabc:123/sendMessage" {
		t.Errorf("Unexpected path %q", call.path)
	}
	if call.body["chat_id"] != float64(42) {
		t.Errorf("Expected chat_id 42, got %v", call.body["chat_id"])
	}
	if call.body["text"] != "your track is ready" {
		t.Errorf("Unexpected text %v", call.body["text"])
	}
}

func TestBotAnswerer_APIError(t *testing.T) {
	server, _ := newBotServer(t, http.StatusForbidden)
	a := NewBotAnswerer(&BotConfig{Token: "abc:123", BaseURL: server.URL})

	if err := a.AnswerPreCheckout(context.Background(), Decision{QueryID: "q3", OK: true}); err == nil {
		t.Error("Expected a non-200 bot API response to surface as an error")
	}
}

func TestBotAnswerer_Defaults(t *testing.T) {
	a := NewBotAnswerer(nil)
	if a.baseURL != DefaultBotBaseURL {
		t.Errorf("Expected default base URL, got %q", a.baseURL)
	}
	if a.httpClient == nil {
		t.Error("Expected a default HTTP client")
	}
}
