package mcp

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shaharia-lab/mcpstream/observability"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 60 * time.Second
)

// HeaderSupplier returns extra headers for one outbound request. It is called
// for every request, so it may return rotating values such as refreshed tokens.
type HeaderSupplier func(ctx context.Context) http.Header

// TransportConfig holds all configuration for StreamableHTTPTransport
type TransportConfig struct {
	URL            string
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TLSConfig      *tls.Config
	Logger         observability.Logger
	LogRequests    bool
	LogResponses   bool
	Traffic        TrafficLogger
	Headers        HeaderSupplier
	Executor       Executor
	Limiter        *rate.Limiter
	MaxLineSize    int
}

// TransportOption is a function that modifies TransportConfig
type TransportOption func(*TransportConfig)

// WithHTTPClient uses client instead of building one. Timeouts and TLS
// options are then ignored.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(c *TransportConfig) {
		c.HTTPClient = client
	}
}

// WithConnectTimeout bounds dialing the server.
func WithConnectTimeout(d time.Duration) TransportOption {
	return func(c *TransportConfig) {
		c.ConnectTimeout = d
	}
}

// WithReadTimeout bounds the wait for response headers. Event streams are not
// cut off once headers have arrived.
func WithReadTimeout(d time.Duration) TransportOption {
	return func(c *TransportConfig) {
		c.ReadTimeout = d
	}
}

// WithTLSConfig sets the TLS configuration of the built HTTP client.
func WithTLSConfig(cfg *tls.Config) TransportOption {
	return func(c *TransportConfig) {
		c.TLSConfig = cfg
	}
}

// WithLogger sets a custom logger
func WithLogger(logger observability.Logger) TransportOption {
	return func(c *TransportConfig) {
		c.Logger = logger
	}
}

// WithRequestLogging toggles traffic logging of outbound requests.
func WithRequestLogging(enabled bool) TransportOption {
	return func(c *TransportConfig) {
		c.LogRequests = enabled
	}
}

// WithResponseLogging toggles traffic logging of responses and stream events.
func WithResponseLogging(enabled bool) TransportOption {
	return func(c *TransportConfig) {
		c.LogResponses = enabled
	}
}

// WithTrafficLogger replaces the logger-backed traffic observer.
func WithTrafficLogger(traffic TrafficLogger) TransportOption {
	return func(c *TransportConfig) {
		c.Traffic = traffic
	}
}

// WithHeaders adds a fixed set of headers to every request.
func WithHeaders(h http.Header) TransportOption {
	fixed := h.Clone()
	return func(c *TransportConfig) {
		c.Headers = func(context.Context) http.Header { return fixed }
	}
}

// WithHeaderSupplier evaluates fn for every request.
func WithHeaderSupplier(fn HeaderSupplier) TransportOption {
	return func(c *TransportConfig) {
		c.Headers = fn
	}
}

// WithExecutor sets the executor running send operations.
func WithExecutor(e Executor) TransportOption {
	return func(c *TransportConfig) {
		c.Executor = e
	}
}

// WithRateLimit limits outbound HTTP requests to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) TransportOption {
	return func(c *TransportConfig) {
		c.Limiter = rate.NewLimiter(r, burst)
	}
}

// WithMaxLineSize sets the longest event-stream line accepted.
func WithMaxLineSize(n int) TransportOption {
	return func(c *TransportConfig) {
		c.MaxLineSize = n
	}
}

func defaultTransportConfig(url string) *TransportConfig {
	return &TransportConfig{
		URL:            url,
		ConnectTimeout: defaultConnectTimeout,
		ReadTimeout:    defaultReadTimeout,
		Logger:         observability.NewLogrusLogger(logrus.New()),
		Executor:       goroutineExecutor{},
		MaxLineSize:    defaultMaxLineSize,
	}
}

func (c *TransportConfig) buildHTTPClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}

	dialer := &net.Dialer{
		Timeout:   c.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSClientConfig:       c.TLSConfig,
			TLSHandshakeTimeout:   c.ConnectTimeout,
			ResponseHeaderTimeout: c.ReadTimeout,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
