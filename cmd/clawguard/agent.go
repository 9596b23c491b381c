package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/clawinfra/clawguard/internal/config"
	"github.com/clawinfra/clawguard/internal/gateway"
	"github.com/clawinfra/clawguard/internal/models"
	"github.com/clawinfra/clawguard/internal/tools"
)

const (
	agentQueueSize = 32
	agentTurnLimit = 2 * time.Minute
)

var errAgentBusy = errors.New("agent: queue full")

// providerSource is the slice of *config.Config the agent reads. Providers
// are looked up per message so hot-reloaded entries take effect.
type providerSource interface {
	ProviderNames() []string
	Provider(name string) (config.ProviderConfig, bool)
}

// agent runs webhook messages through the first configured provider and
// executes the tool call the model answers with, if any. Every tool call
// goes through the security policy under the sender's identity.
type agent struct {
	providers providerSource
	keys      models.KeyOpener
	doer      models.Doer
	tools     *tools.Registry
	queue     chan gateway.Message
	logger    *slog.Logger
}

func newAgent(providers providerSource, keys models.KeyOpener, doer models.Doer, reg *tools.Registry, logger *slog.Logger) *agent {
	return &agent{
		providers: providers,
		keys:      keys,
		doer:      doer,
		tools:     reg,
		queue:     make(chan gateway.Message, agentQueueSize),
		logger:    logger.With("component", "agent"),
	}
}

// HandleMessage queues msg without blocking the HTTP request.
func (a *agent) HandleMessage(_ context.Context, msg gateway.Message) error {
	select {
	case a.queue <- msg:
		return nil
	default:
		return errAgentBusy
	}
}

// Run processes queued messages until ctx is cancelled.
func (a *agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.queue:
			a.process(ctx, msg)
		}
	}
}

func (a *agent) provider() (models.Provider, string) {
	for _, name := range a.providers.ProviderNames() {
		p, ok := a.providers.Provider(name)
		if !ok {
			continue
		}
		return models.NewOpenAIProvider(name, p.BaseURL, p.APIKey, a.keys, a.doer), p.Model
	}
	return nil, ""
}

func (a *agent) process(ctx context.Context, msg gateway.Message) {
	log := a.logger.With("message_id", msg.ID)
	provider, model := a.provider()
	if provider == nil {
		log.Info("message received; no provider configured", "length", len(msg.Text))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, agentTurnLimit)
	defer cancel()

	resp, err := provider.Chat(ctx, models.ChatRequest{
		Model:        model,
		SystemPrompt: toolPrompt(a.tools.Specs()),
		Messages:     []models.Message{{Role: "user", Content: msg.Text}},
	})
	if err != nil {
		log.Error("provider call failed", "provider", provider.Name(), "error", err)
		return
	}

	call, ok := parseToolCall(resp.Content)
	if !ok {
		log.Info("reply", "provider", provider.Name(), "tokens_out", resp.TokensOutput, "length", len(resp.Content))
		return
	}

	ctx = tools.WithIdentity(ctx, senderIdentity(msg.Remote))
	res, err := a.tools.Execute(ctx, call.Tool, call.Args)
	if err != nil {
		log.Warn("tool call failed", "tool", call.Tool, "error", err)
		return
	}
	log.Info("tool call finished", "tool", call.Tool, "success", res.Success, "error", res.Error, "output_bytes", len(res.Output))
}

type toolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// parseToolCall accepts a reply that is a single JSON object naming a tool,
// optionally inside a fenced code block.
func parseToolCall(content string) (toolCall, bool) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return toolCall{}, false
	}
	var call toolCall
	if err := json.Unmarshal([]byte(s), &call); err != nil || call.Tool == "" {
		return toolCall{}, false
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return call, true
}

func toolPrompt(specs []tools.Spec) string {
	var b strings.Builder
	b.WriteString("You can call one tool by replying with only a JSON object ")
	b.WriteString(`{"tool": "<name>", "args": {...}}. Available tools:` + "\n")
	for _, s := range specs {
		params, _ := json.Marshal(s.Parameters)
		fmt.Fprintf(&b, "- %s: %s. Parameters: %s\n", s.Name, s.Description, params)
	}
	return b.String()
}

// senderIdentity charges rate limits per remote host.
func senderIdentity(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	if host == "" {
		return "webhook"
	}
	return "webhook:" + host
}
