// Package models talks to upstream model providers. Every request leaves the
// process through a netguard.Guard, and API keys stay sealed until the
// moment a request is built.
package models

import (
	"context"
	"net/http"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

// ChatResponse is a provider-neutral completion result.
type ChatResponse struct {
	Content      string
	Model        string
	TokensInput  int
	TokensOutput int
	FinishReason string
}

// Provider is an upstream model API.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Doer sends HTTP requests. *netguard.Guard satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeyOpener decrypts a sealed API key. *secrets.Store satisfies it.
type KeyOpener interface {
	DecryptString(envelope string) (string, error)
}
