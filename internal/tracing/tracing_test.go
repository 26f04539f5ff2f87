package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func TestInitializeDisabled(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	// spans are still safe to create
	ctx, span := StartRunSpan(context.Background(), "s1", "sequential")
	defer span.End()
	assert.NotNil(t, ctx)
}

func TestInjectTraceparent(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)
	tracer = otel.Tracer("test")

	ctx, span := StartProviderSpan(context.Background(), "tavily", http.MethodPost, "https://api.tavily.com/search")
	defer span.End()

	header := http.Header{}
	InjectTraceparent(ctx, header)
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-0[01]$`, header.Get("traceparent"))

	empty := http.Header{}
	InjectTraceparent(context.Background(), empty)
	assert.Empty(t, empty.Get("traceparent"))
}
