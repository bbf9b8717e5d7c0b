package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// TCPChecker passes when the release accepts a TCP connection, for
// applications without an HTTP health endpoint
type TCPChecker struct {
	address string
	dialer  net.Dialer
}

// NewTCPChecker creates a probe of a host:port address with a 5 second dial timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		address: address,
		dialer:  net.Dialer{Timeout: 5 * time.Second},
	}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	conn, err := t.dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return finish(start, false, "dial %s: %v", t.address, err)
	}
	conn.Close()
	return finish(start, true, "%s accepted connection", t.address)
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.dialer.Timeout = timeout
	return t
}

// TCPAddress derives a host:port dial address from a probe URL. Bare
// host:port values are returned unchanged; URLs without a port use the
// scheme's default.
func TCPAddress(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		if _, _, err := net.SplitHostPort(raw); err != nil {
			return "", fmt.Errorf("invalid tcp address %q: %w", raw, err)
		}
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid probe url %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("probe url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
