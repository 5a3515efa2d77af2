package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestSpansNestAndRecordErrors(t *testing.T) {
	sr := recordSpans(t)

	ctx, parent := Start(context.Background(), "tracker.extraction", attribute.String("doc_id", "d1"))
	require.NotEmpty(t, TraceID(ctx))
	_, child := Start(ctx, "tracker.matching")
	End(child, errors.New("registry unavailable"))
	End(parent, nil)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "tracker.matching", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1, "the error is recorded as an event")
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("doc_id", "d1"))
}

func TestTraceIDWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}

func TestSetupDisabledAndUnknownExporter(t *testing.T) {
	shutdown, err := Setup(config.TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = Setup(config.TracingConfig{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}
