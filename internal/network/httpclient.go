// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Defaults for outbound tool and research traffic.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultMaxIdleConns          = 64
	DefaultMaxIdleConnsPerHost   = 8
	DefaultIdleConnTimeout       = 30 * time.Second
	DefaultMaxRedirects          = 5
)

const requiredMinTLSVersion = tls.VersionTLS12

// ClientConfig holds the knobs of the shared HTTP transport.
type ClientConfig struct {
	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// MaxRedirects caps followed redirects; zero returns the first redirect response.
	MaxRedirects int
	ForceHTTP2   bool
	ProxyURL     *url.URL

	Logger *zap.Logger
}

// NewDefaultClientConfig returns a config with every field populated.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:        DefaultRequestTimeout,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxRedirects:          DefaultMaxRedirects,
		ForceHTTP2:            true,
	}
}

// NewHTTPTransport builds a pooled transport. A nil config uses the defaults.
func NewHTTPTransport(cfg *ClientConfig) *http.Transport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   orDefault(cfg.DialTimeout, DefaultDialTimeout),
		KeepAlive: DefaultKeepAliveInterval,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: requiredMinTLSVersion, ClientSessionCache: tls.NewLRUClientSessionCache(128)},
		TLSHandshakeTimeout:   orDefault(cfg.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout),
		ResponseHeaderTimeout: orDefault(cfg.ResponseHeaderTimeout, DefaultResponseHeaderTimeout),
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       orDefault(cfg.IdleConnTimeout, DefaultIdleConnTimeout),
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	}
	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	}
	return transport
}

// ErrTooManyRedirects is returned once a request exceeds MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// NewClient returns an *http.Client over NewHTTPTransport. The client is
// safe for concurrent use and should be shared.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	maxRedirects := cfg.MaxRedirects
	return &http.Client{
		Transport: NewHTTPTransport(cfg),
		Timeout:   orDefault(cfg.RequestTimeout, DefaultRequestTimeout),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if maxRedirects == 0 {
				return http.ErrUseLastResponse
			}
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
			}
			return nil
		},
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
