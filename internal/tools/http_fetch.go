// internal/tools/http_fetch.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/network"
)

const HTTPFetchName = "http.fetch"

type httpFetchInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type httpFetchOutput struct {
	URL         string            `json:"url"`
	Status      int               `json:"status"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	Truncated   bool              `json:"truncated"`
}

// HTTPFetch retrieves a URL. 5xx and 429 responses are transient; other
// non-2xx responses are permanent failures.
type HTTPFetch struct {
	client  *http.Client
	limiter *rate.Limiter
	cfg     config.HTTPToolConfig
	logger  *zap.Logger
}

// NewHTTPFetch creates the tool. A zero rate limit disables limiting.
func NewHTTPFetch(cfg config.HTTPToolConfig, logger *zap.Logger) *HTTPFetch {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	netCfg := network.NewDefaultClientConfig()
	netCfg.RequestTimeout = timeout
	netCfg.Logger = logger
	return &HTTPFetch{
		client:  network.NewClient(netCfg),
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		logger:  logger.Named("http_fetch"),
	}
}

func (h *HTTPFetch) Descriptor() Descriptor {
	return Descriptor{
		Name:        HTTPFetchName,
		Description: "Fetches a URL over HTTP and returns status, headers and body text.",
		Mode:        ModeSync,
		Schema: Schema{
			Required: []string{"url"},
			Properties: map[string]string{
				"url":     "absolute http(s) URL",
				"method":  "HTTP method, default GET",
				"headers": "map of request headers",
				"body":    "request body",
			},
		},
	}
}

func (h *HTTPFetch) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in httpFetchInput
	if err := decodeInput(HTTPFetchName, input, &in); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return nil, Permanent(mission.Errorf(mission.CodeInvalidInput, HTTPFetchName, "url must be absolute http(s), got %q", in.URL))
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return nil, Permanent(mission.Errorf(mission.CodeInvalidInput, HTTPFetchName, "failed to build request: %v", err))
	}
	if h.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", h.cfg.UserAgent)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, mission.E(mission.CodeToolExecution, HTTPFetchName, err)
	}
	defer resp.Body.Close()

	limit := h.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, mission.E(mission.CodeToolExecution, HTTPFetchName, fmt.Errorf("failed to read body: %w", err))
	}
	truncated := int64(len(raw)) > limit
	if truncated {
		raw = raw[:limit]
	}

	h.logger.Debug("Fetched URL.", zap.String("url", in.URL), zap.Int("status", resp.StatusCode), zap.Int("bytes", len(raw)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, mission.Errorf(mission.CodeToolExecution, HTTPFetchName, "%s returned %d", in.URL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, Permanent(mission.Errorf(mission.CodeToolExecution, HTTPFetchName, "%s returned %d", in.URL, resp.StatusCode))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return encodeOutput(HTTPFetchName, httpFetchOutput{
		URL:         in.URL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     headers,
		Body:        string(raw),
		Truncated:   truncated,
	})
}
