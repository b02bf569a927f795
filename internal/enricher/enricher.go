// internal/enricher/enricher.go
package enricher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/config"
)

// Snippet is one piece of supporting research.
type Snippet struct {
	Title  string `json:"title"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// Context is the research handed to the Strategist. A degraded context is
// empty and carries the reason retrieval failed.
type Context struct {
	Snippets []Snippet `json:"snippets"`
	Degraded bool      `json:"degraded"`
	Reason   string    `json:"reason,omitempty"`
}

// Retriever fetches research snippets for an objective.
type Retriever interface {
	Retrieve(ctx context.Context, objective string) ([]Snippet, error)
}

// Enricher gathers research for a mission objective. It never fails: errors
// degrade to an empty context.
type Enricher struct {
	retriever   Retriever
	enabled     bool
	timeout     time.Duration
	maxSnippets int
	logger      *zap.Logger
}

// New creates an Enricher. With a nil retriever or enabled=false every call
// yields an empty, non-degraded context.
func New(cfg config.EnricherConfig, retriever Retriever, logger *zap.Logger) *Enricher {
	return &Enricher{
		retriever:   retriever,
		enabled:     cfg.Enabled && retriever != nil,
		timeout:     cfg.Timeout,
		maxSnippets: cfg.MaxSnippets,
		logger:      logger.Named("enricher"),
	}
}

// Enrich returns research snippets for objective.
func (e *Enricher) Enrich(ctx context.Context, objective string) Context {
	if !e.enabled {
		return Context{Snippets: []Snippet{}}
	}

	rctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	snippets, err := e.safeRetrieve(rctx, objective)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("retrieval timed out after %s", e.timeout)
		}
		e.logger.Warn("Context enrichment degraded.", zap.String("reason", reason))
		return Context{Snippets: []Snippet{}, Degraded: true, Reason: reason}
	}

	out := make([]Snippet, 0, len(snippets))
	for _, s := range snippets {
		s.Title = strings.TrimSpace(s.Title)
		s.Text = strings.TrimSpace(s.Text)
		if s.Title == "" && s.Text == "" {
			continue
		}
		out = append(out, s)
		if e.maxSnippets > 0 && len(out) == e.maxSnippets {
			break
		}
	}
	e.logger.Debug("Context enrichment complete.", zap.Int("snippets", len(out)))
	return Context{Snippets: out}
}

func (e *Enricher) safeRetrieve(ctx context.Context, objective string) (snippets []Snippet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retriever panicked: %v", r)
		}
	}()
	return e.retriever.Retrieve(ctx, objective)
}
