// Package gateway is the HTTP front door of the daemon: pairing, the
// authenticated webhook, audit queries and a live security event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/clawguard/internal/audit"
	"github.com/clawinfra/clawguard/internal/health"
	"github.com/clawinfra/clawguard/internal/pairing"
)

// ErrPublicBind is returned when the gateway would listen beyond loopback
// without explicit permission.
var ErrPublicBind = errors.New("gateway: refusing to bind a public address")

const (
	maxWebhookBody    = 64 << 10
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Message is an inbound webhook message.
type Message struct {
	ID       string    `json:"id"`
	Text     string    `json:"message"`
	Remote   string    `json:"-"`
	Received time.Time `json:"received"`
}

// MessageHandler consumes accepted webhook messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error { return f(ctx, msg) }

// EventQuerier reads recent audit events. *audit.Store satisfies it.
type EventQuerier interface {
	Recent(ctx context.Context, kind audit.Kind, limit int) ([]audit.Event, error)
}

// Config configures the listener.
type Config struct {
	Host            string
	Port            int
	AllowPublicBind bool
	// TicketSecret signs event-stream tickets.
	TicketSecret []byte
}

// Deps are the collaborators the gateway serves.
type Deps struct {
	Pairing *pairing.Service
	Handler MessageHandler
	Events  EventQuerier // optional
	Hub     *audit.Hub   // optional
	Health  *health.Registry
	Logger  *slog.Logger
}

// Server is the gateway HTTP server
type Server struct {
	cfg        Config
	deps       Deps
	tickets    *tickets
	logger     *slog.Logger
	httpServer *http.Server
	now        func() time.Time
}

// New checks the bind address and builds the server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Pairing == nil || deps.Handler == nil || deps.Health == nil {
		return nil, errors.New("gateway: pairing, handler and health are required")
	}
	if pairing.IsPublicBind(cfg.Host) && !cfg.AllowPublicBind {
		return nil, fmt.Errorf("%w: %q (set gateway.allow_public_bind to override)", ErrPublicBind, cfg.Host)
	}
	if len(cfg.TicketSecret) < 32 {
		return nil, errors.New("gateway: ticket secret must be at least 32 bytes")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "gateway"),
		now:    time.Now,
	}
	s.tickets = newTickets(cfg.TicketSecret, func() time.Time { return s.now() })
	if pairing.IsPublicBind(cfg.Host) {
		s.logger.Warn("gateway bound to a public address", "host", cfg.Host)
	}
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := s.deps.Pairing.Middleware

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pair", s.handlePair)
	mux.Handle("POST /webhook", auth(http.HandlerFunc(s.handleWebhook)))
	mux.Handle("GET /audit", auth(http.HandlerFunc(s.handleAudit)))
	mux.Handle("POST /events/ticket", auth(http.HandlerFunc(s.handleTicket)))
	mux.HandleFunc("GET /events", s.handleEvents)

	return s.requestIDMiddleware(s.loggingMiddleware(mux))
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("gateway starting", "addr", ln.Addr().String())
	s.deps.Health.MarkOK("gateway")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.deps.Health.MarkStopped("gateway")
		return err
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		s.deps.Health.MarkError("gateway", err)
		return err
	}
}

type ctxKey struct{}

// RequestID returns the request ID assigned by the gateway.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// loggingMiddleware logs HTTP requests. Query strings are omitted since
// they may carry tickets.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Health.Snapshot()
	status := "ok"
	if !s.deps.Health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"paired":          s.deps.Pairing.IsPaired(),
		"require_pairing": s.deps.Pairing.RequirePairing(),
		"runtime":         snap,
	})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Pairing.RequirePairing() {
		writeError(w, http.StatusBadRequest, "pairing is disabled")
		return
	}
	res := s.deps.Pairing.Verify(r.Context(), r.Header.Get("X-Pairing-Code"), r.RemoteAddr)
	switch res.Outcome {
	case pairing.Accepted:
		s.logger.Info("client paired", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusOK, map[string]any{"paired": true, "token": res.Token})
	case pairing.Locked:
		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "too many failed attempts",
			"retry_after": secs,
		})
	default:
		writeError(w, http.StatusForbidden, "invalid pairing code")
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	msg := Message{
		ID:       RequestID(r.Context()),
		Text:     body.Message,
		Remote:   r.RemoteAddr,
		Received: s.now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := s.deps.Handler.HandleMessage(r.Context(), msg); err != nil {
		s.logger.Error("webhook handler failed", "id", msg.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "message could not be processed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "id": msg.ID})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}
	events, err := s.deps.Events.Recent(r.Context(), audit.Kind(r.URL.Query().Get("kind")), limit)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	ticket, exp, err := s.tickets.issue()
	if err != nil {
		s.logger.Error("ticket issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ticket unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_at": exp.UTC().Format(time.RFC3339),
		"expires_in": int(TicketTTL.Seconds()),
	})
}
