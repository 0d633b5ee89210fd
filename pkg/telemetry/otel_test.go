package telemetry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

type mockTraceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
	metrics       *mockMetricsCollector
}

type mockMetricsCollector struct {
	collectormetrics.UnimplementedMetricsServiceServer

	mu    sync.Mutex
	names []string
}

func (m *mockMetricsCollector) Export(_ context.Context, req *collectormetrics.ExportMetricsServiceRequest) (*collectormetrics.ExportMetricsServiceResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rm := range req.ResourceMetrics {
		for _, scope := range rm.ScopeMetrics {
			for _, metric := range scope.Metrics {
				m.names = append(m.names, metric.Name)
			}
		}
	}
	return &collectormetrics.ExportMetricsServiceResponse{}, nil
}

func (m *mockMetricsCollector) metricNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}

func startMockTraceCollector(t *testing.T) (*mockTraceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	collector := &mockTraceCollector{metrics: &mockMetricsCollector{}}
	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)
	collectormetrics.RegisterMetricsServiceServer(server, collector.metrics)

	go func() {
		_ = server.Serve(lis)
	}()

	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

func (m *mockTraceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	m.mu.Lock()
	m.resourceSpans = append(m.resourceSpans, req.ResourceSpans...)
	m.mu.Unlock()
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (m *mockTraceCollector) spanNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for _, rs := range m.resourceSpans {
		for _, scope := range rs.ScopeSpans {
			for _, span := range scope.Spans {
				names = append(names, span.Name)
			}
		}
	}
	return names
}

func TestSetupProvider_NoEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "polis-anon"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupProvider_ExportsToCollector(t *testing.T) {
	collector, addr := startMockTraceCollector(t)

	prevTracer := otel.GetTracerProvider()
	prevMeter := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTracer)
		otel.SetMeterProvider(prevMeter)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()

	ctx := context.Background()
	shutdown, err := SetupProvider(ctx, Config{
		ServiceName: "polis-anon",
		Endpoint:    addr,
		Insecure:    true,
		Environment: "test",
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(ctx, "proxy.request")
	span.End()
	RecordDecision(ctx, DecisionMetrics{Action: "deny", Type: "image", Duration: time.Millisecond})

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, shutdown(shutdownCtx))

	assert.Contains(t, collector.spanNames(), "proxy.request")
	assert.Contains(t, collector.metrics.metricNames(), "anon.decisions_total")
}
