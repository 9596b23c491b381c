package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams live security events over a WebSocket. The ticket
// query parameter must carry an unused ticket from /events/ticket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	if err := s.tickets.redeem(r.URL.Query().Get("ticket")); err != nil {
		msg := "invalid ticket"
		if errors.Is(err, ErrExpiredTicket) {
			msg = "ticket expired"
		}
		writeError(w, http.StatusUnauthorized, msg)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.deps.Hub.Subscribe()
	defer unsubscribe()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("event stream connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream ended", "remote", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
