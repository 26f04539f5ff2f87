package circuitbreaker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPWrapper_JSONHelpers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"symbol":"ACM"}`))
		case "/echo":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/missing":
			http.Error(w, "nope", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "test-upstream", "retrieval", ProviderDefaults, zaptest.NewLogger(t))
	ctx := context.Background()

	var out struct {
		Symbol string `json:"symbol"`
	}
	require.NoError(t, hw.GetJSON(ctx, srv.URL+"/ok", nil, &out))
	assert.Equal(t, "ACM", out.Symbol)

	var echo struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, hw.PostJSON(ctx, srv.URL+"/echo", http.Header{"Authorization": {"Bearer k"}}, map[string]string{"q": "x"}, &echo))
	assert.True(t, echo.OK)

	err := hw.GetJSON(ctx, srv.URL+"/missing", nil, &out)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, StateClosed, hw.Breaker().State())
}

func TestHTTPWrapper_ServerErrorsTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "flaky-upstream", "retrieval", ProviderDefaults, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < int(ProviderDefaults.FailureThreshold); i++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, StateOpen, hw.Breaker().State())

	var out map[string]interface{}
	assert.ErrorIs(t, hw.GetJSON(ctx, srv.URL, nil, &out), ErrCircuitBreakerOpen)
}
