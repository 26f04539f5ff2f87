package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/health"
	"github.com/Kocoro-lab/marketbrief/internal/streaming"
)

// Options wires the HTTP surface.
type Options struct {
	Sessions       SessionService
	Stream         *streaming.Manager
	Health         *health.Manager
	AllowedOrigins []string
	// MetricsEnabled exposes /metrics on the same listener.
	MetricsEnabled bool
	Logger         *zap.Logger
}

// NewRouter builds the full handler tree wrapped in CORS.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	NewSessionHandler(opts.Sessions, logger).RegisterRoutes(mux)
	if opts.Stream != nil {
		NewStreamingHandler(opts.Stream, opts.AllowedOrigins, logger).RegisterRoutes(mux)
	}
	hm := opts.Health
	if hm == nil {
		hm = health.NewManager(logger)
	}
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	if opts.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return CORS(opts.AllowedOrigins, mux)
}
