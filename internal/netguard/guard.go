// Package netguard keeps provider HTTP traffic away from internal networks.
// Destinations are checked before a request is sent, again on every redirect
// hop, and once more at dial time against the address actually connected to.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/clawinfra/clawguard/internal/audit"
	"github.com/clawinfra/clawguard/internal/security"
)

var (
	// ErrSSRFBlocked is the root of every outbound denial.
	ErrSSRFBlocked = errors.New("netguard: destination blocked")
	// ErrTooManyRedirects is returned when a redirect chain exceeds the limit.
	ErrTooManyRedirects = errors.New("netguard: too many redirects")

	errResolveTimeout = errors.New("resolution timed out")
)

// BlockedError describes a blocked destination. It unwraps to ErrSSRFBlocked.
type BlockedError struct {
	Host   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("netguard: destination %s blocked: %s", e.Host, e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrSSRFBlocked }

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config is the [outbound] section of the configuration file.
type Config struct {
	ResolveTimeoutSeconds int               `toml:"resolve_timeout_seconds" yaml:"resolve_timeout_seconds"`
	ConnectTimeoutSeconds int               `toml:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	RequestTimeoutSeconds int               `toml:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	MaxRedirects          int               `toml:"max_redirects" yaml:"max_redirects"`
	BlockedHosts          []string          `toml:"blocked_hosts" yaml:"blocked_hosts"`
	Exemptions            map[string]string `toml:"exemptions" yaml:"exemptions"`
	// Proxy is an optional egress proxy URL (socks5://host:port).
	Proxy string `toml:"proxy" yaml:"proxy"`
}

// DefaultConfig returns the defaults used for provider clients.
func DefaultConfig() Config {
	return Config{
		ResolveTimeoutSeconds: 5,
		ConnectTimeoutSeconds: 10,
		RequestTimeoutSeconds: 120,
		MaxRedirects:          10,
	}
}

// DialFunc connects to an address.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Guard validates outbound destinations.
type Guard struct {
	resolver       Resolver
	resolveTimeout time.Duration
	connectTimeout time.Duration
	requestTimeout time.Duration
	maxRedirects   int
	blockedHosts   []string
	exempt         map[string]string // "scheme://host:port" -> exemption name
	exemptHostPort map[string]bool
	dial           DialFunc
	proxyURL       *url.URL
	lookups        singleflight.Group
	client         *http.Client
	events         audit.Emitter
	logger         *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithDialer replaces the function used to open connections to already
// validated addresses.
func WithDialer(d DialFunc) Option {
	return func(g *Guard) { g.dial = d }
}

// WithEmitter sends blocks to e.
func WithEmitter(e audit.Emitter) Option {
	return func(g *Guard) { g.events = audit.OrNop(e) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard. Exemptions that are not valid http(s) origins are
// rejected.
func New(cfg Config, opts ...Option) (*Guard, error) {
	def := DefaultConfig()
	seconds := func(v, fallback int) time.Duration {
		if v <= 0 {
			v = fallback
		}
		return time.Duration(v) * time.Second
	}

	g := &Guard{
		resolver:       net.DefaultResolver,
		resolveTimeout: seconds(cfg.ResolveTimeoutSeconds, def.ResolveTimeoutSeconds),
		connectTimeout: seconds(cfg.ConnectTimeoutSeconds, def.ConnectTimeoutSeconds),
		requestTimeout: seconds(cfg.RequestTimeoutSeconds, def.RequestTimeoutSeconds),
		maxRedirects:   cfg.MaxRedirects,
		exempt:         make(map[string]string),
		exemptHostPort: make(map[string]bool),
		events:         audit.Nop{},
		logger:         slog.Default(),
	}
	if g.maxRedirects <= 0 {
		g.maxRedirects = def.MaxRedirects
	}
	for _, h := range cfg.BlockedHosts {
		g.blockedHosts = append(g.blockedHosts, strings.ToLower(strings.TrimSuffix(h, ".")))
	}
	for name, raw := range cfg.Exemptions {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			return nil, fmt.Errorf("netguard: invalid exemption %s=%q", name, raw)
		}
		o := origin(u)
		g.exempt[o] = name
		g.exemptHostPort[hostPort(u)] = true
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("netguard: invalid proxy %q", cfg.Proxy)
		}
		g.proxyURL = u
	}

	d := &net.Dialer{Timeout: g.connectTimeout, KeepAlive: 30 * time.Second}
	g.dial = d.DialContext
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.With("component", "netguard")
	g.client = g.newClient()
	return g, nil
}

// ValidateDestination decides whether rawURL may be requested.
func (g *Guard) ValidateDestination(ctx context.Context, rawURL string) security.Decision {
	u, err := url.Parse(rawURL)
	if err != nil {
		return g.block(ctx, "", "malformed URL")
	}
	return g.validateURL(ctx, u, true)
}

// validateURL checks u. Exemptions apply only when allowExempt is set.
func (g *Guard) validateURL(ctx context.Context, u *url.URL, allowExempt bool) security.Decision {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return g.block(ctx, u.Hostname(), fmt.Sprintf("scheme %q not permitted", u.Scheme))
	}
	if u.Hostname() == "" {
		return g.block(ctx, "", "missing host")
	}
	if name, ok := g.exempt[origin(u)]; ok && allowExempt {
		g.logger.Debug("exempt destination", "exemption", name, "host", u.Host)
		return security.Allow(security.CategoryNetwork)
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return g.block(ctx, u.Hostname(), "invalid hostname")
	}
	if isBlockedHostname(host, g.blockedHosts) {
		return g.block(ctx, host, "internal hostname")
	}
	if _, err := netip.ParseAddr(host); err != nil && looksNumeric(host) {
		return g.block(ctx, host, "ambiguous numeric host")
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return g.block(ctx, host, fmt.Sprintf("resolution failed: %v", err))
	}
	for _, a := range addrs {
		if IsPrivate(a) {
			return g.block(ctx, host, "resolves to private address "+a.String())
		}
	}
	return security.Allow(security.CategoryNetwork)
}

func (g *Guard) block(ctx context.Context, host, reason string) security.Decision {
	g.logger.Warn("outbound request blocked", "host", host, "reason", reason)
	g.events.Emit(ctx, audit.Event{
		Kind:      audit.KindSSRFBlocked,
		Component: "netguard",
		Subject:   host,
		Reason:    reason,
	})
	return security.Deny(security.CategoryNetwork, "%s", reason)
}

// lookup resolves host with a hard timeout. Concurrent lookups of the same
// host share one query. Errors, timeouts and empty answers all fail.
func (g *Guard) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a.Unmap()}, nil
	}

	ch := g.lookups.DoChan(host, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.Background(), g.resolveTimeout)
		defer cancel()
		ips, err := g.resolver.LookupIPAddr(lctx, host)
		if err != nil {
			return nil, err
		}
		addrs := make([]netip.Addr, 0, len(ips))
		for _, ip := range ips {
			a, ok := netip.AddrFromSlice(ip.IP)
			if !ok {
				return nil, fmt.Errorf("unparseable address %v", ip.IP)
			}
			addrs = append(addrs, a.Unmap())
		}
		return addrs, nil
	})

	timer := time.NewTimer(g.resolveTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		addrs := res.Val.([]netip.Addr)
		if len(addrs) == 0 {
			return nil, errors.New("no addresses")
		}
		return addrs, nil
	case <-timer.C:
		return nil, errResolveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", errors.New("empty host")
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	return idna.Lookup.ToASCII(host)
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + hostPort(u)
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}
