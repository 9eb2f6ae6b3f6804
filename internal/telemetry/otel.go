package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer and Meter are package-level delegating handles: no-op until
// Init installs a real provider, so packages
// can reference them at init time without caring whether telemetry has
// been configured yet.
var (
	Tracer = otel.Tracer("github.com/localfirst/syncengine")
	mu     sync.Mutex

	retryAttempts   metric.Int64Counter
	deadLetterCount metric.Int64Counter
	queueDepth      metric.Int64UpDownCounter
	conflictCount   metric.Int64Counter
)

func init() {
	m := otel.Meter("github.com/localfirst/syncengine")
	retryAttempts, _ = m.Int64Counter("syncengine.retry.attempts")
	deadLetterCount, _ = m.Int64Counter("syncengine.retry.dead_letters")
	queueDepth, _ = m.Int64UpDownCounter("syncengine.requestqueue.depth")
	conflictCount, _ = m.Int64Counter("syncengine.idnegotiation.conflicts")
}

// Exporter selects the OTel exporter backend.
type Exporter string

const (
	ExporterNone   Exporter = "none"
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
)

// Init installs real trace/metric providers for the given exporter kind.
// No engine package calls it; safe to call multiple times in tests.
func Init(ctx context.Context, exporter Exporter, otlpEndpoint string) (shutdown func(context.Context) error, err error) {
	mu.Lock()
	defer mu.Unlock()

	switch exporter {
	case ExporterNone, "":
		return func(context.Context) error { return nil }, nil

	case ExporterStdout:
		traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		metricExp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		Tracer = otel.Tracer("github.com/localfirst/syncengine")
		return shutdownBoth(tp, mp), nil

	case ExporterOTLP:
		metricExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(otlpEndpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
		otel.SetMeterProvider(mp)
		return shutdownBoth(nil, mp), nil

	default:
		return func(context.Context) error { return nil }, nil
	}
}

func shutdownBoth(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) func(context.Context) error {
	return func(ctx context.Context) error {
		if tp != nil {
			if err := tp.Shutdown(ctx); err != nil {
				return err
			}
		}
		if mp != nil {
			return mp.Shutdown(ctx)
		}
		return nil
	}
}

// RecordRetryAttempt increments the retry-attempts counter.
func RecordRetryAttempt(ctx context.Context, modelType string) {
	if retryAttempts != nil {
		retryAttempts.Add(ctx, 1)
	}
}

// RecordDeadLetter increments the dead-letter counter.
func RecordDeadLetter(ctx context.Context, modelType string) {
	if deadLetterCount != nil {
		deadLetterCount.Add(ctx, 1)
	}
}

// RecordQueueDepthDelta adjusts the queue-depth gauge by delta (+1 on
// enqueue, -1 on completion).
func RecordQueueDepthDelta(ctx context.Context, queueName string, delta int64) {
	if queueDepth != nil {
		queueDepth.Add(ctx, delta)
	}
}

// RecordConflict increments the ID-negotiation conflict counter.
func RecordConflict(ctx context.Context, modelType string) {
	if conflictCount != nil {
		conflictCount.Add(ctx, 1)
	}
}

// StartSpan starts a span under the package tracer; callers defer span.End().
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name)
}
