// File: internal/network/httpclient_test.go
package network

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPTransport_Defaults(t *testing.T) {
	tr := NewHTTPTransport(nil)
	require.NotNil(t, tr.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.NotNil(t, tr.TLSClientConfig.ClientSessionCache)
	assert.Equal(t, DefaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, DefaultResponseHeaderTimeout, tr.ResponseHeaderTimeout)
	assert.True(t, tr.ForceAttemptHTTP2)
}

func TestNewHTTPTransport_ZeroDurationsFallBack(t *testing.T) {
	tr := NewHTTPTransport(&ClientConfig{})
	assert.Equal(t, DefaultTLSHandshakeTimeout, tr.TLSHandshakeTimeout)
	assert.Equal(t, DefaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.False(t, tr.ForceAttemptHTTP2)
}

func TestNewClient_Timeout(t *testing.T) {
	cfg := NewDefaultClientConfig()
	cfg.RequestTimeout = 3 * time.Second
	assert.Equal(t, 3*time.Second, NewClient(cfg).Timeout)
	assert.Equal(t, DefaultRequestTimeout, NewClient(nil).Timeout)
}

// redirectServer redirects /hop/n to /hop/n-1 until /hop/0 answers 200.
func redirectServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hop/{n}", func(w http.ResponseWriter, r *http.Request) {
		n := r.PathValue("n")
		if n == "0" {
			w.WriteHeader(http.StatusOK)
			return
		}
		prev := map[string]string{"1": "0", "2": "1", "3": "2"}[n]
		http.Redirect(w, r, "/hop/"+prev, http.StatusFound)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestNewClient_Redirects(t *testing.T) {
	ts := redirectServer(t)

	tests := []struct {
		name       string
		max        int
		path       string
		wantStatus int
		wantErr    bool
	}{
		{"FollowsWithinLimit", 3, "/hop/3", http.StatusOK, false},
		{"StopsPastLimit", 2, "/hop/3", 0, true},
		{"ZeroReturnsRedirect", 0, "/hop/1", http.StatusFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultClientConfig()
			cfg.MaxRedirects = tt.max
			cfg.ForceHTTP2 = false
			resp, err := NewClient(cfg).Get(ts.URL + tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrTooManyRedirects)
				return
			}
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
