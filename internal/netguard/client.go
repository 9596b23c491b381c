package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// CheckRedirect bounds the redirect chain and re-validates every hop. It is
// installed as http.Client.CheckRedirect by Client. A hop may use an
// exemption only when the chain started at that same exempt origin.
func (g *Guard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= g.maxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, len(via))
	}
	allowExempt := len(via) > 0 && origin(via[0].URL) == origin(req.URL)
	d := g.validateURL(req.Context(), req.URL, allowExempt)
	if !d.Allowed {
		return &BlockedError{Host: req.URL.Hostname(), Reason: "redirect: " + d.Reason}
	}
	return nil
}

// Client returns the guard's shared HTTP client. Every connection goes
// through the guard and environment proxy settings are ignored.
func (g *Guard) Client() *http.Client { return g.client }

func (g *Guard) newClient() *http.Client {
	return &http.Client{
		Transport:     g.newTransport(),
		CheckRedirect: g.CheckRedirect,
		Timeout:       g.requestTimeout,
	}
}

// newTransport pins each connection to an address that passed validation at
// dial time, which defeats DNS rebinding between the pre-flight check and the
// connect.
func (g *Guard) newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           g.dialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Do validates req's destination, sends it through the guarded client and
// returns the response. When any hop is blocked no response is returned.
func (g *Guard) Do(req *http.Request) (*http.Response, error) {
	d := g.validateURL(req.Context(), req.URL, true)
	if !d.Allowed {
		return nil, &BlockedError{Host: req.URL.Hostname(), Reason: d.Reason}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

func (g *Guard) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if g.exemptHostPort[net.JoinHostPort(host, port)] {
		return g.dial(ctx, network, addr)
	}

	h, err := normalizeHost(host)
	if err != nil {
		return nil, &BlockedError{Host: host, Reason: "invalid hostname"}
	}
	if isBlockedHostname(h, g.blockedHosts) {
		return nil, g.dialBlocked(ctx, h, "internal hostname")
	}
	addrs, err := g.lookup(ctx, h)
	if err != nil {
		return nil, g.dialBlocked(ctx, h, fmt.Sprintf("resolution failed: %v", err))
	}
	for _, a := range addrs {
		if IsPrivate(a) {
			return nil, g.dialBlocked(ctx, h, "resolves to private address "+a.String())
		}
	}

	dial := g.dial
	if g.proxyURL != nil {
		if dial, err = g.proxyDial(); err != nil {
			return nil, err
		}
	}

	var errs []error
	for _, a := range addrs {
		conn, err := dial(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (g *Guard) dialBlocked(ctx context.Context, host, reason string) error {
	g.block(ctx, host, "dial: "+reason)
	return &BlockedError{Host: host, Reason: reason}
}

// proxyDial routes validated connections through the configured egress
// proxy. The proxy receives an IP literal, so it performs no resolution of
// its own.
func (g *Guard) proxyDial() (DialFunc, error) {
	forward := &net.Dialer{Timeout: g.connectTimeout}
	d, err := proxy.FromURL(g.proxyURL, forward)
	if err != nil {
		return nil, fmt.Errorf("netguard: proxy: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}
