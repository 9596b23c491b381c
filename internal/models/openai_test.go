package models

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/clawinfra/clawguard/internal/netguard"
	"github.com/clawinfra/clawguard/internal/secrets"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// exemptGuard allows the loopback test server through an explicit exemption,
// the way a local model endpoint would be configured.
func exemptGuard(t *testing.T, serverURL string) *netguard.Guard {
	t.Helper()
	cfg := netguard.DefaultConfig()
	cfg.Exemptions = map[string]string{"test-endpoint": serverURL}
	g, err := netguard.New(cfg, netguard.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestOpenAIChatSuccess(t *testing.T) {
	key := make([]byte, secrets.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	store, err := secrets.NewWithKey(key, secrets.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	sealed, err := store.EncryptString("sk-test")
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path /v1/chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want the opened key", got)
		}
		var body openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", body.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-4",
			"choices": [{"message": {"role": "assistant", "content": "Hello!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("local", server.URL+"/v1/", sealed, store, exemptGuard(t, server.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:        "gpt-4",
		SystemPrompt: "be brief",
		Messages:     []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hello!" || resp.TokensInput != 12 || resp.TokensOutput != 3 || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
	if p.Name() != "local" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestOpenAIChatAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("local", server.URL, "", nil, exemptGuard(t, server.URL))
	_, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "slow down") {
		t.Errorf("err = %v", err)
	}
}

func TestOpenAIChatNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model": "m", "choices": []}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("local", server.URL, "", nil, exemptGuard(t, server.URL))
	if _, err := p.Chat(context.Background(), ChatRequest{Model: "m"}); !errors.Is(err, ErrNoChoices) {
		t.Errorf("err = %v, want ErrNoChoices", err)
	}
}

func TestOpenAIChatBlockedDestination(t *testing.T) {
	g, err := netguard.New(netguard.DefaultConfig(), netguard.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	tests := []string{
		"http://169.254.169.254/latest",
		"http://127.0.0.1:11434/v1",
		"http://metadata.google.internal",
		"file:///etc/passwd",
	}
	for _, base := range tests {
		p := NewOpenAIProvider("evil", base, "sk-x", nil, g)
		_, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
		if !errors.Is(err, netguard.ErrSSRFBlocked) {
			t.Errorf("%s: err = %v, want ErrSSRFBlocked", base, err)
		}
	}
}

func TestOpenAIChatSealedKeyWithoutOpener(t *testing.T) {
	p := NewOpenAIProvider("p", "https://api.example.com", secrets.PrefixCurrent+"00", nil, http.DefaultClient)
	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Error("expected error when a sealed key cannot be opened")
	}
}
