package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	probeUserAgent = "shepherd-probe"

	// failed probes quote at most this much of the response body
	bodyExcerpt = 256
)

// HTTPChecker probes the health endpoint of a release, for example
// http://checkout-green.shop.svc.cluster.local:8080/health. It passes on a
// status inside [statusMin, statusMax], 2xx by default.
type HTTPChecker struct {
	url       string
	method    string
	header    http.Header
	statusMin int
	statusMax int
	client    *http.Client
}

// NewHTTPChecker creates a GET probe that passes on 2xx within 5 seconds
func NewHTTPChecker(url string) *HTTPChecker {
	header := make(http.Header)
	header.Set("User-Agent", probeUserAgent)
	return &HTTPChecker{
		url:       url,
		method:    http.MethodGet,
		header:    header,
		statusMin: http.StatusOK,
		statusMax: 299,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, nil)
	if err != nil {
		return finish(start, false, "invalid probe request: %v", err)
	}
	req.Header = h.header.Clone()

	resp, err := h.client.Do(req)
	if err != nil {
		return finish(start, false, "%s %s: %v", h.method, h.url, err)
	}
	defer resp.Body.Close()

	// the rest is drained so the connection can be reused by the next retry
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerpt))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < h.statusMin || resp.StatusCode > h.statusMax {
		msg := fmt.Sprintf("HTTP %d, expected %d-%d", resp.StatusCode, h.statusMin, h.statusMax)
		if body := bytes.TrimSpace(excerpt); len(body) > 0 {
			msg += ": " + string(body)
		}
		return finish(start, false, "%s", msg)
	}
	return finish(start, true, "HTTP %d", resp.StatusCode)
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithMethod replaces GET, e.g. with HEAD for endpoints that stream a body
func (h *HTTPChecker) WithMethod(method string) *HTTPChecker {
	h.method = method
	return h
}

// WithHeader sets a request header, e.g. a Host override for ingress routing
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.header.Set(key, value)
	return h
}

// WithStatusRange accepts statuses from min to max inclusive
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.statusMin = min
	h.statusMax = max
	return h
}

func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}

// finish stamps a probe result with its start time and duration
func finish(start time.Time, healthy bool, format string, args ...interface{}) Result {
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
