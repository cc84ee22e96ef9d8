package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := New(Config{Version: "1.2.3"}, WithSpanProcessor(recorder))
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "theme.create")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "theme.create", ended[0].Name())
	service, ok := ended[0].Resource().Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, DefaultServiceName, service.AsString())

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{Endpoint: "  "}.Enabled())
	assert.True(t, Config{Endpoint: "localhost:4317"}.Enabled())
}
