package pairing

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/clawinfra/clawguard/internal/audit"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Middleware rejects requests that do not carry a paired bearer token.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Authenticate(BearerToken(r)) {
			s.emit(r.Context(), audit.KindAuthFailed, r.RemoteAddr, r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="clawguard"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsPublicBind reports whether binding host would expose the listener
// beyond the loopback interface. Wildcard and unparseable hosts count as
// public.
func IsPublicBind(host string) bool {
	h := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if strings.EqualFold(h, "localhost") {
		return false
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return true
	}
	return !ip.IsLoopback()
}
