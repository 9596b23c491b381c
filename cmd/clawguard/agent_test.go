package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/clawinfra/clawguard/internal/config"
	"github.com/clawinfra/clawguard/internal/gateway"
	"github.com/clawinfra/clawguard/internal/tools"
)

type staticProviders map[string]config.ProviderConfig

func (s staticProviders) ProviderNames() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	return names
}

func (s staticProviders) Provider(name string) (config.ProviderConfig, bool) {
	p, ok := s[name]
	return p, ok
}

type recordingTool struct {
	mu       sync.Mutex
	args     map[string]any
	identity string
}

func (r *recordingTool) Name() string           { return "echo" }
func (r *recordingTool) Description() string    { return "echo arguments" }
func (r *recordingTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (r *recordingTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.args = args
	r.identity = tools.IdentityFrom(ctx)
	return &tools.Result{Success: true, Output: "ok"}, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantOK   bool
		wantTool string
	}{
		{"plain json", `{"tool":"shell","args":{"command":"ls"}}`, true, "shell"},
		{"fenced", "```json\n{\"tool\":\"file_read\",\"args\":{\"path\":\"a\"}}\n```", true, "file_read"},
		{"no args", `{"tool":"shell"}`, true, "shell"},
		{"prose", "Sure, here is the answer.", false, ""},
		{"json without tool", `{"answer":42}`, false, ""},
		{"broken json", `{"tool":`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, ok := parseToolCall(tt.content)
			if ok != tt.wantOK || call.Tool != tt.wantTool {
				t.Fatalf("parseToolCall = %+v, %v", call, ok)
			}
			if ok && call.Args == nil {
				t.Error("args should never be nil")
			}
		})
	}
}

func TestSenderIdentity(t *testing.T) {
	tests := map[string]string{
		"10.0.0.5:51234": "webhook:10.0.0.5",
		"[::1]:8080":     "webhook:::1",
		"10.0.0.5":       "webhook:10.0.0.5",
		"":               "webhook",
	}
	for in, want := range tests {
		if got := senderIdentity(in); got != want {
			t.Errorf("senderIdentity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAgent_ExecutesToolCall(t *testing.T) {
	models := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		select {
		case models <- req.Model:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": `{"tool":"echo","args":{"x":"y"}}`},
				"finish_reason": "stop",
			}},
		})
	}))
	defer upstream.Close()

	tool := &recordingTool{}
	reg := tools.NewRegistry(quietLogger(), tool)
	a := newAgent(staticProviders{"local": {BaseURL: upstream.URL, Model: "test-model"}},
		nil, http.DefaultClient, reg, quietLogger())

	a.process(context.Background(), gateway.Message{ID: "m1", Text: "do it", Remote: "192.0.2.7:4000"})

	tool.mu.Lock()
	defer tool.mu.Unlock()
	if tool.args["x"] != "y" {
		t.Errorf("tool args = %v", tool.args)
	}
	if tool.identity != "webhook:192.0.2.7" {
		t.Errorf("identity = %q", tool.identity)
	}
	select {
	case m := <-models:
		if m != "test-model" {
			t.Errorf("model = %q", m)
		}
	default:
		t.Error("provider was not called")
	}
}

func TestAgent_QueueFull(t *testing.T) {
	a := newAgent(staticProviders{}, nil, http.DefaultClient, tools.NewRegistry(quietLogger()), quietLogger())
	for i := 0; i < agentQueueSize; i++ {
		if err := a.HandleMessage(context.Background(), gateway.Message{ID: "x"}); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}
	if err := a.HandleMessage(context.Background(), gateway.Message{ID: "overflow"}); !errors.Is(err, errAgentBusy) {
		t.Fatalf("err = %v, want errAgentBusy", err)
	}
}
