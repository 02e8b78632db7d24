// Package observer provides OTEL-based observability for brain runs.
//
// It exposes a cortex.Tracer backed by OpenTelemetry and an EventAdapter
// that turns the engine's event stream into metrics and span annotations.
// Users export to any OTEL-compatible backend by setting standard OTEL env
// vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/arimelias/cortex/observer"

// Instruments holds all OTEL instruments used by the observer surfaces.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	RunsStarted   metric.Int64Counter
	RunsSettled   metric.Int64Counter
	StepsExecuted metric.Int64Counter
	AgentCalls    metric.Int64Counter
	TokenUsage    metric.Int64Counter
	EventsEmitted metric.Int64Counter
	RunErrors     metric.Int64Counter

	// Histograms
	RunDuration  metric.Float64Histogram
	StepDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "cortex"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	runsStarted, err := meter.Int64Counter("brain.runs.started",
		metric.WithDescription("Brain runs started"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsSettled, err := meter.Int64Counter("brain.runs.settled",
		metric.WithDescription("Brain runs reaching a terminal event"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	stepsExecuted, err := meter.Int64Counter("brain.steps.executed",
		metric.WithDescription("Steps completed"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	agentCalls, err := meter.Int64Counter("brain.agent.iterations",
		metric.WithDescription("Agent loop iterations"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	tokenUsage, err := meter.Int64Counter("brain.agent.tokens",
		metric.WithDescription("Total tokens consumed by agent steps"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	eventsEmitted, err := meter.Int64Counter("brain.events",
		metric.WithDescription("Engine events emitted"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	runErrors, err := meter.Int64Counter("brain.runs.errors",
		metric.WithDescription("Runs ending in ERROR"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("brain.run.duration",
		metric.WithDescription("Run wall time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("brain.step.duration",
		metric.WithDescription("Step wall time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:        tracer,
		Meter:         meter,
		Logger:        logger,
		RunsStarted:   runsStarted,
		RunsSettled:   runsSettled,
		StepsExecuted: stepsExecuted,
		AgentCalls:    agentCalls,
		TokenUsage:    tokenUsage,
		EventsEmitted: eventsEmitted,
		RunErrors:     runErrors,
		RunDuration:   runDuration,
		StepDuration:  stepDuration,
	}, nil
}
