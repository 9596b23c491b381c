package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/clawguard/internal/audit"
	"github.com/clawinfra/clawguard/internal/health"
	"github.com/clawinfra/clawguard/internal/pairing"
	"github.com/clawinfra/clawguard/internal/secrets"
)

type recordingHandler struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (h *recordingHandler) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.msgs...)
}

func (f *fakeEvents) last() (audit.Kind, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotKind, f.gotLimit
}

func (f *fakeEvents) reset() {
	f.mu.Lock()
	f.gotKind, f.gotLimit = "", 0
	f.mu.Unlock()
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.msgs = append(h.msgs, msg)
	return nil
}

type fakeEvents struct {
	mu       sync.Mutex
	gotKind  audit.Kind
	gotLimit int
	events   []audit.Event
}

func (f *fakeEvents) Recent(_ context.Context, kind audit.Kind, limit int) ([]audit.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotKind, f.gotLimit = kind, limit
	return f.events, nil
}

type fixture struct {
	srv     *Server
	ts      *httptest.Server
	pairing *pairing.Service
	handler *recordingHandler
	events  *fakeEvents
	hub     *audit.Hub
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := secrets.NewWithKey(bytes.Repeat([]byte{7}, secrets.KeySize), secrets.Options{Logger: discard()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ps, err := pairing.New(pairing.Config{RequirePairing: true}, store,
		pairing.PersistFunc(func([]string) error { return nil }), nil, pairing.WithLogger(discard()))
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		pairing: ps,
		handler: &recordingHandler{},
		events:  &fakeEvents{},
		hub:     audit.NewHub(8, discard()),
	}
	f.srv, err = New(Config{Host: "127.0.0.1", TicketSecret: testSecret}, Deps{
		Pairing: ps,
		Handler: f.handler,
		Events:  f.events,
		Hub:     f.hub,
		Health:  health.NewRegistry(1, discard()),
		Logger:  discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) pair(t *testing.T) string {
	t.Helper()
	resp, out := f.do(t, http.MethodPost, "/pair", "", nil, map[string]string{"X-Pairing-Code": f.pairing.Code()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair status = %d", resp.StatusCode)
	}
	tok, _ := out["token"].(string)
	if !strings.HasPrefix(tok, pairing.TokenPrefix) {
		t.Fatalf("token %q lacks prefix", tok)
	}
	return tok
}

func TestNew_RefusesPublicBind(t *testing.T) {
	f := newFixture(t)
	deps := f.srv.deps

	if _, err := New(Config{Host: "0.0.0.0", TicketSecret: testSecret}, deps); !errors.Is(err, ErrPublicBind) {
		t.Fatalf("New(0.0.0.0) = %v, want ErrPublicBind", err)
	}
	if _, err := New(Config{Host: "0.0.0.0", AllowPublicBind: true, TicketSecret: testSecret}, deps); err != nil {
		t.Fatalf("New with override: %v", err)
	}
	if _, err := New(Config{Host: "localhost", TicketSecret: []byte("short")}, deps); err == nil {
		t.Fatal("expected error for short ticket secret")
	}
}

func TestPair(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPost, "/pair", "", nil, map[string]string{"X-Pairing-Code": "000000x"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong code status = %d", resp.StatusCode)
	}
	if out["error"] != "invalid pairing code" {
		t.Errorf("error = %v", out["error"])
	}

	tok := f.pair(t)
	if !f.pairing.Authenticate(tok) {
		t.Error("issued token does not authenticate")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestPair_LockoutReturns429(t *testing.T) {
	f := newFixture(t)
	hdr := map[string]string{"X-Pairing-Code": "bad"}
	for i := 0; i < pairing.DefaultMaxAttempts; i++ {
		resp, _ := f.do(t, http.MethodPost, "/pair", "", nil, hdr)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("attempt %d status = %d", i+1, resp.StatusCode)
		}
	}
	resp, out := f.do(t, http.MethodPost, "/pair", "", nil, map[string]string{"X-Pairing-Code": f.pairing.Code()})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("locked status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if secs, _ := out["retry_after"].(float64); secs <= 0 || secs > pairing.DefaultLockout.Seconds() {
		t.Errorf("retry_after = %v", out["retry_after"])
	}
}

func TestHealth_Public(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodGet, "/health", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["paired"] != false || out["require_pairing"] != true {
		t.Errorf("body = %v", out)
	}
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)
	body := func(s string) io.Reader { return strings.NewReader(s) }

	resp, _ := f.do(t, http.MethodPost, "/webhook", "", body(`{"message":"hi"}`), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/webhook", "cg_bogus", body(`{"message":"hi"}`), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token status = %d", resp.StatusCode)
	}

	tok := f.pair(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"accepted", `{"message":"hello agent"}`, http.StatusAccepted},
		{"empty message", `{"message":"  "}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := f.do(t, http.MethodPost, "/webhook", tok, body(tt.body), nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, out)
			}
			if tt.want == http.StatusAccepted && out["id"] == "" {
				t.Error("missing message id")
			}
		})
	}

	if msgs := f.handler.snapshot(); len(msgs) != 1 || msgs[0].Text != "hello agent" {
		t.Errorf("handler saw %+v", msgs)
	}

	f.handler.setErr(errors.New("boom"))
	resp, out := f.do(t, http.MethodPost, "/webhook", tok, body(`{"message":"x"}`), nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("handler error status = %d", resp.StatusCode)
	}
	if strings.Contains(out["error"].(string), "boom") {
		t.Error("internal error leaked to client")
	}
}

func TestAudit(t *testing.T) {
	f := newFixture(t)
	f.events.events = []audit.Event{{ID: "1", Kind: audit.KindPairingFailed, Component: "pairing"}}
	tok := f.pair(t)

	tests := []struct {
		query     string
		wantCode  int
		wantLimit int
		wantKind  audit.Kind
	}{
		{"", http.StatusOK, defaultAuditLimit, ""},
		{"?limit=10&kind=pairing_failed", http.StatusOK, 10, audit.KindPairingFailed},
		{"?limit=100000", http.StatusOK, maxAuditLimit, ""},
		{"?limit=-1", http.StatusBadRequest, 0, ""},
		{"?limit=abc", http.StatusBadRequest, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f.events.reset()
			resp, out := f.do(t, http.MethodGet, "/audit"+tt.query, tok, nil, nil)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if kind, limit := f.events.last(); limit != tt.wantLimit || kind != tt.wantKind {
				t.Errorf("query limit=%d kind=%q", limit, kind)
			}
			if evs, _ := out["events"].([]any); len(evs) != 1 {
				t.Errorf("events = %v", out["events"])
			}
		})
	}

	resp, _ := f.do(t, http.MethodGet, "/audit", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated audit status = %d", resp.StatusCode)
	}
}

func TestEvents_TicketAndStream(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t)

	resp, _ := f.do(t, http.MethodGet, "/events?ticket=nope", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad ticket status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/events/ticket", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated ticket status = %d", resp.StatusCode)
	}

	resp, out := f.do(t, http.MethodPost, "/events/ticket", tok, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ticket status = %d", resp.StatusCode)
	}
	ticket, _ := out["ticket"].(string)
	if out["expires_in"] != float64(TicketTTL.Seconds()) {
		t.Errorf("expires_in = %v", out["expires_in"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/events?ticket=" + ticket
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	for f.hub.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	want := audit.Event{ID: "ev1", Kind: audit.KindPathDenied, Component: "security", Subject: "/etc/shadow"}
	_ = f.hub.Record(ctx, want)

	var got audit.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != want.ID || got.Kind != want.Kind || got.Subject != want.Subject {
		t.Errorf("got %+v, want %+v", got, want)
	}

	// The ticket is spent.
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Error("reused ticket was accepted")
	}
}

func TestServe_Shutdown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
