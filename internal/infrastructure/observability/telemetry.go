package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"agentmesh/internal/common"
)

// TelemetryConfig configures tracing and metrics
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	EnableTracing  bool
	EnableMetrics  bool
}

// TelemetryManager owns the OpenTelemetry providers and the orchestration
// metric instruments. Metrics are exported pull-style through the Prometheus
// registry served by Handler.
type TelemetryManager struct {
	config         TelemetryConfig
	logger         common.Logger
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	registry       *prometheus.Registry

	eventsPublished  metric.Int64Counter
	transitionsTotal metric.Int64Counter
	tasksExecuted    metric.Int64Counter
	taskDuration     metric.Float64Histogram
	nodesExecuted    metric.Int64Counter
	nodeDuration     metric.Float64Histogram
	routesTotal      metric.Int64Counter
	quotaDenials     metric.Int64Counter
}

// NewTelemetryManager initializes providers and instruments
func NewTelemetryManager(config TelemetryConfig, logger common.Logger) (*TelemetryManager, error) {
	if logger == nil {
		logger = common.NopLogger{}
	}
	if config.ServiceName == "" {
		config.ServiceName = "agentmesh"
	}

	tm := &TelemetryManager{
		config:   config,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		attribute.String("environment", config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	if config.EnableTracing {
		tm.traceProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tm.traceProvider)
	}
	tm.tracer = otel.Tracer(config.ServiceName)

	if config.EnableMetrics {
		exporter, err := otelprom.New(otelprom.WithRegisterer(tm.registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		tm.metricProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(tm.metricProvider)
	}
	tm.meter = otel.Meter(config.ServiceName)

	if err := tm.createInstruments(); err != nil {
		return nil, err
	}
	return tm, nil
}

func (tm *TelemetryManager) createInstruments() error {
	var err error
	if tm.eventsPublished, err = tm.meter.Int64Counter("agentmesh_events_published_total",
		metric.WithDescription("Events published on the bus")); err != nil {
		return err
	}
	if tm.transitionsTotal, err = tm.meter.Int64Counter("agentmesh_agent_transitions_total",
		metric.WithDescription("Committed agent state transitions")); err != nil {
		return err
	}
	if tm.tasksExecuted, err = tm.meter.Int64Counter("agentmesh_tasks_executed_total",
		metric.WithDescription("Task attempts by outcome")); err != nil {
		return err
	}
	if tm.taskDuration, err = tm.meter.Float64Histogram("agentmesh_task_duration_seconds",
		metric.WithDescription("Task execution latency")); err != nil {
		return err
	}
	if tm.nodesExecuted, err = tm.meter.Int64Counter("agentmesh_workflow_nodes_total",
		metric.WithDescription("Workflow nodes by type and outcome")); err != nil {
		return err
	}
	if tm.nodeDuration, err = tm.meter.Float64Histogram("agentmesh_workflow_node_duration_seconds",
		metric.WithDescription("Workflow node latency")); err != nil {
		return err
	}
	if tm.routesTotal, err = tm.meter.Int64Counter("agentmesh_routes_total",
		metric.WithDescription("Cluster routing decisions by strategy and outcome")); err != nil {
		return err
	}
	if tm.quotaDenials, err = tm.meter.Int64Counter("agentmesh_quota_denials_total",
		metric.WithDescription("Quota admission denials by level")); err != nil {
		return err
	}
	return nil
}

// StartSpan opens a span under the manager's tracer
func (tm *TelemetryManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordEventPublished counts one bus publication
func (tm *TelemetryManager) RecordEventPublished(ctx context.Context, eventType string) {
	tm.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordTransition counts one committed agent transition
func (tm *TelemetryManager) RecordTransition(ctx context.Context, from, to string) {
	tm.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordTask counts a task attempt and its latency
func (tm *TelemetryManager) RecordTask(ctx context.Context, outcome string, duration time.Duration) {
	tm.tasksExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	tm.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordNode counts a workflow node execution and its latency
func (tm *TelemetryManager) RecordNode(ctx context.Context, nodeType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("node_type", nodeType),
		attribute.String("outcome", outcome),
	)
	tm.nodesExecuted.Add(ctx, 1, attrs)
	tm.nodeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRoute counts a routing decision
func (tm *TelemetryManager) RecordRoute(ctx context.Context, strategy string, success bool) {
	tm.routesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Bool("success", success),
	))
}

// RecordQuotaDenial counts a quota admission denial
func (tm *TelemetryManager) RecordQuotaDenial(ctx context.Context, level string) {
	tm.quotaDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// Handler serves the Prometheus scrape endpoint
func (tm *TelemetryManager) Handler() http.Handler {
	return promhttp.HandlerFor(tm.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers
func (tm *TelemetryManager) Shutdown(ctx context.Context) error {
	var firstErr error
	if tm.traceProvider != nil {
		if err := tm.traceProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if tm.metricProvider != nil {
		if err := tm.metricProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
