package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TicketTTL is how long an event-stream ticket stays valid.
	TicketTTL = 60 * time.Second

	ticketSubject = "events"
)

var (
	// ErrInvalidTicket is returned when a ticket is malformed, forged or
	// already used.
	ErrInvalidTicket = errors.New("gateway: invalid ticket")
	// ErrExpiredTicket is returned when a ticket has expired.
	ErrExpiredTicket = errors.New("gateway: ticket expired")
)

// tickets issues and redeems short-lived single-use JWTs for the event
// stream. Browsers cannot set an Authorization header on a WebSocket
// upgrade, so a paired client trades its bearer token for a ticket first.
type tickets struct {
	secret []byte
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry
}

func newTickets(secret []byte, now func() time.Time) *tickets {
	return &tickets{secret: secret, now: now, used: make(map[string]time.Time)}
}

func (t *tickets) issue() (string, time.Time, error) {
	now := t.now()
	exp := now.Add(TicketTTL)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   ticketSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("gateway: sign ticket: %w", err)
	}
	return signed, exp, nil
}

// redeem validates a ticket and marks it used.
func (t *tickets) redeem(raw string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithTimeFunc(t.now),
		jwt.WithSubject(ticketSubject),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredTicket
		}
		return ErrInvalidTicket
	}
	if claims.ID == "" {
		return ErrInvalidTicket
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for id, exp := range t.used {
		if now.After(exp) {
			delete(t.used, id)
		}
	}
	if _, seen := t.used[claims.ID]; seen {
		return ErrInvalidTicket
	}
	t.used[claims.ID] = claims.ExpiresAt.Time
	return nil
}
