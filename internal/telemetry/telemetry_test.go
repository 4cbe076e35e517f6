package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gogpu/cmdexec/executor"
	"github.com/gogpu/cmdexec/internal/haltest"
	"github.com/gogpu/cmdexec/node"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "cmdexec-test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSubmissionSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := newProvider("cmdexec-test", sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	device, queue := haltest.NoopDevice(t)
	e, err := executor.New(device, queue, executor.Managers{})
	require.NoError(t, err)

	e.AddOutsideRenderPassCommand(func(*node.Recorder) {})
	submitted := e.Cycle()
	require.NoError(t, e.Submit())
	require.NoError(t, submitted.Wait())
	e.Close()

	// Shutdown resets the exporter, so spans are read before it.
	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.NoError(t, tp.Shutdown(context.Background()))

	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
		require.Equal(t, "cmdexec-test", serviceName(s))
	}
	require.True(t, names["executor.Submit"], "spans: %v", names)
	require.True(t, names["record.ProcessSlot"], "spans: %v", names)
}

func serviceName(s tracetest.SpanStub) string {
	for _, kv := range s.Resource.Attributes() {
		if kv.Key == "service.name" {
			return kv.Value.AsString()
		}
	}
	return ""
}
