package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/clawinfra/clawguard/internal/secrets"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 8 << 20

var ErrNoChoices = errors.New("models: no choices in response")

// OpenAIProvider implements Provider for OpenAI-compatible APIs.
// This works with OpenAI, OpenRouter, Together, Ollama and any other
// endpoint that speaks /chat/completions.
type OpenAIProvider struct {
	name      string
	baseURL   string
	sealedKey string
	keys      KeyOpener
	http      Doer
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIProvider creates a provider. sealedKey may be empty for
// endpoints that need no key, or a plaintext key in tests.
func NewOpenAIProvider(name, baseURL, sealedKey string, keys KeyOpener, doer Doer) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:      name,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		sealedKey: sealedKey,
		keys:      keys,
		http:      doer,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) apiKey() (string, error) {
	if p.sealedKey == "" || !secrets.IsEncrypted(p.sealedKey) {
		return p.sealedKey, nil
	}
	if p.keys == nil {
		return "", fmt.Errorf("models: %s: sealed key but no key opener", p.name)
	}
	return p.keys.DecryptString(p.sealedKey)
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.Messages...)

	jsonBody, err := json.Marshal(openAIRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	key, err := p.apiKey()
	if err != nil {
		return nil, fmt.Errorf("models: %s: open api key: %w", p.name, err)
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("models: %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr openAIError
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, fmt.Errorf("models: %s: API error %d: %s (%s)",
			p.name, resp.StatusCode, apiErr.Error.Message, apiErr.Error.Type)
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := apiResp.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		Model:        apiResp.Model,
		TokensInput:  apiResp.Usage.PromptTokens,
		TokensOutput: apiResp.Usage.CompletionTokens,
		FinishReason: choice.FinishReason,
	}, nil
}
