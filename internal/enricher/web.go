// internal/enricher/web.go
package enricher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/overmind/internal/config"
)

// WebRetriever queries an HTML search endpoint and scrapes results with CSS selectors.
type WebRetriever struct {
	cfg     config.EnricherConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Retriever = (*WebRetriever)(nil)

func NewWebRetriever(cfg config.EnricherConfig, client *http.Client, logger *zap.Logger) *WebRetriever {
	if client == nil {
		client = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &WebRetriever{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("web_retriever"),
	}
}

func (w *WebRetriever) Retrieve(ctx context.Context, objective string) ([]Snippet, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	u, err := url.Parse(w.cfg.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	q := u.Query()
	q.Set("q", objective)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}

	var out []Snippet
	doc.Find(w.cfg.ResultSelector).Each(func(_ int, s *goquery.Selection) {
		sn := Snippet{
			Title: collapse(s.Find(w.cfg.TitleSelector).First().Text()),
			Text:  collapse(s.Find(w.cfg.SnippetSelector).First().Text()),
		}
		if href, ok := s.Find(w.cfg.LinkSelector).First().Attr("href"); ok {
			sn.Source = resolve(u, href)
		}
		out = append(out, sn)
	})
	w.logger.Debug("Search results parsed.", zap.Int("results", len(out)))
	return out, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
