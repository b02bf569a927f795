// internal/llmclient/retry.go
package llmclient

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultBackoff is the retry policy every provider client shares.
func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// retryableStatus reports whether an HTTP status from a provider is worth
// another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// classify marks err permanent unless the status says otherwise.
func classify(code int, err error) error {
	if retryableStatus(code) {
		return err
	}
	return backoff.Permanent(err)
}

func retry(ctx context.Context, b backoff.BackOff, op backoff.Operation) error {
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
