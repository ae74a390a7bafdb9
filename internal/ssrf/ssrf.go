// Package ssrf guards outbound HTTP fetches against server-side request
// forgery. It validates target URLs up front and dials through a resolver
// that re-checks every resolved address, so DNS rebinding cannot smuggle a
// request into a private network.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// DefaultBlockedRanges returns the private/reserved IP ranges blocked by default.
func DefaultBlockedRanges() []string {
	return []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
}

// BlockedError marks a request refused by policy rather than by network failure.
// Callers surface it to clients as a blocked fetch instead of a transport error.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return e.Reason }

// Blocked reports whether err (or anything it wraps) is a policy refusal.
func Blocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// SafeDialer dials outbound connections for function tools and webhooks.
// Every target IP, literal or resolved, is checked against the blocked
// ranges before any packet leaves.
type SafeDialer struct {
	inner           *net.Dialer
	blocked         []*net.IPNet
	allowed         []*net.IPNet
	blockedRequests atomic.Int64
}

// NewDialer builds a SafeDialer with the default blocked ranges. allowCIDRs
// exempts specific ranges (useful for tests against loopback fixtures).
func NewDialer(dialer *net.Dialer, allowCIDRs []string) (*SafeDialer, error) {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second}
	}
	blocked, err := parseCIDRs(DefaultBlockedRanges())
	if err != nil {
		return nil, fmt.Errorf("ssrf: parse default blocked ranges: %w", err)
	}
	var allowed []*net.IPNet
	if len(allowCIDRs) > 0 {
		allowed, err = parseCIDRs(allowCIDRs)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid allow CIDRs: %w", err)
		}
	}
	return &SafeDialer{inner: dialer, blocked: blocked, allowed: allowed}, nil
}

// DialContext vets addr before dialing. Hostnames are resolved here, every
// answer is checked, and the connection goes to the first answer directly;
// the transport never does its own lookup, which closes the rebinding window
// between check and dial.
func (sd *SafeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}

	// Literal IPs skip resolution but not the range check.
	if ip := net.ParseIP(host); ip != nil {
		if sd.isBlocked(ip) {
			return nil, sd.refuse(fmt.Sprintf("address %s is in a private or reserved range", host))
		}
		return sd.inner.DialContext(ctx, network, addr)
	}

	target, err := sd.resolveChecked(ctx, host)
	if err != nil {
		return nil, err
	}
	return sd.inner.DialContext(ctx, network, net.JoinHostPort(target.String(), port))
}

// resolveChecked resolves host and vets every answer, returning the dial
// target. A single bad record poisons the whole answer set.
func (sd *SafeDialer) resolveChecked(ctx context.Context, host string) (net.IP, error) {
	resolver := sd.inner.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("ssrf: DNS lookup failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("ssrf: no IPs found for %q", host)
	}
	for _, ipAddr := range ips {
		if sd.isBlocked(ipAddr.IP) {
			return nil, sd.refuse(fmt.Sprintf("%s resolves to %s, a private or reserved address", host, ipAddr.IP))
		}
	}
	return ips[0].IP, nil
}

// refuse counts the refusal and wraps the reason.
func (sd *SafeDialer) refuse(reason string) *BlockedError {
	sd.blockedRequests.Add(1)
	return &BlockedError{Reason: reason}
}

func (sd *SafeDialer) isBlocked(ip net.IP) bool {
	for _, n := range sd.allowed {
		if n.Contains(ip) {
			return false
		}
	}
	if ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range sd.blocked {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// BlockedRequests returns the number of refused connection attempts.
func (sd *SafeDialer) BlockedRequests() int64 {
	return sd.blockedRequests.Load()
}

// ValidateURL rejects URLs that must never be fetched on behalf of a
// function: non-http(s) schemes, embedded credentials, and literal IPs in
// blocked ranges. Hostname targets pass here and are re-checked at dial time
// once resolved.
func (sd *SafeDialer) ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &BlockedError{Reason: fmt.Sprintf("invalid URL %q", raw)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &BlockedError{Reason: fmt.Sprintf("scheme %q not allowed (only http and https)", u.Scheme)}
	}
	if u.User != nil {
		return &BlockedError{Reason: "URLs with embedded credentials are not allowed"}
	}
	host := u.Hostname()
	if host == "" {
		return &BlockedError{Reason: "URL has no host"}
	}
	if ip := net.ParseIP(host); ip != nil && sd.isBlocked(ip) {
		return sd.refuse(fmt.Sprintf("address %s is in a private or reserved range", host))
	}
	return nil
}

// Client returns an *http.Client whose transport dials through sd. Redirects
// are re-validated per hop so a public URL cannot bounce into a private one.
func (sd *SafeDialer) Client(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext:           sd.DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return &BlockedError{Reason: "too many redirects"}
			}
			return sd.ValidateURL(req.URL.String())
		},
	}
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}
