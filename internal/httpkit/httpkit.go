// Package httpkit builds the HTTP client used for the chat server:
// pooled transport with dial and header timeouts, a User-Agent on
// every request, and optional retry of dial failures.
package httpkit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nugget/mxchat/internal/buildinfo"
)

// Transport defaults.
const (
	DialTimeout         = 10 * time.Second
	TLSHandshakeTimeout = 10 * time.Second

	// ResponseHeaderTimeout is generous: the chat server sends headers
	// only once the model starts generating.
	ResponseHeaderTimeout = 60 * time.Second

	IdleConnTimeout     = 90 * time.Second
	MaxIdleConns        = 10
	MaxIdleConnsPerHost = 4
)

// Option configures NewClient.
type Option func(*options)

type options struct {
	timeout    time.Duration
	userAgent  string
	insecure   bool
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout bounds each whole request. Zero disables the limit,
// which streamed replies need.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the default mxchat User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithTLSInsecureSkipVerify disables certificate checks, for
// self-signed development hosts.
func WithTLSInsecureSkipVerify() Option {
	return func(o *options) { o.insecure = true }
}

// WithRetry retries a request up to count times, delay apart, when it
// fails before reaching the server (host or network unreachable,
// connection refused). Responses, including 5xx, are never retried.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.retryCount = count
		o.retryDelay = delay
	}
}

// WithLogger receives retry diagnostics at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a pooled transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client. The default request timeout is
// 30s.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(o)
	}

	t := NewTransport()
	if o.insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}

	var rt http.RoundTripper = &userAgentTransport{base: t, ua: o.userAgent}
	if o.retryCount > 0 {
		rt = newRetryTransport(rt, o.retryCount, o.retryDelay, o.logger)
	}

	return &http.Client{
		Timeout:   o.timeout,
		Transport: rt,
	}
}

// userAgentTransport sets User-Agent on requests that lack one.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// newRetryTransport wraps base in a retryablehttp round tripper with a
// fixed delay and the dial-failure-only policy of checkRetry.
func newRetryTransport(base http.RoundTripper, count int, delay time.Duration, logger *slog.Logger) http.RoundTripper {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport: base,
		// The outer client follows redirects.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	rc.RetryMax = count
	rc.RetryWaitMin = delay
	rc.RetryWaitMax = delay
	rc.Backoff = func(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return min
	}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	// retryablehttp logs to stderr unless told otherwise.
	rc.Logger = nil
	if logger != nil {
		rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt == 0 {
				return
			}
			logger.Debug("retrying request after dial failure",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"max_retries", count,
			)
		}
	}

	return &retryablehttp.RoundTripper{Client: rc}
}

// checkRetry stops once the request context ends and otherwise
// retries only dial failures.
func checkRetry(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return isDialFailure(err), nil
}

// isDialFailure reports errors raised before the request reached the
// server. ECONNRESET is excluded: the server may already have the
// request.
func isDialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// ReadErrorBody returns up to limit bytes of an error response body
// and closes it after draining a little more so the connection can be
// reused. A nil body yields "".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
		rc.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
