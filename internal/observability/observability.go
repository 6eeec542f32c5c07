package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "podcore/jobs"

// Config controls observability initialisation.
type Config struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	OTLPHeaders  map[string]string
	OTLPInsecure bool
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	jobTracer trace.Tracer

	jobDuration          metric.Float64Histogram
	jobTotal             metric.Int64Counter
	jobsClaimed          metric.Int64Counter
	jobThresholdExceeded metric.Int64Counter
	fetchDuration        metric.Float64Histogram
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "podcore"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{endpointOption(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Tracing is optional; the service runs without it.
			log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		} else {
			spanExporter = exp
			log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		jobTracer = tracerProvider.Tracer(instrumentationName)
		if err := initInstruments(meterProvider); err != nil {
			log.Warn().Err(err).Msg("Failed to create job instruments")
		}
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func endpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	return otelhttp.NewHandler(handler, "http.server",
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	)
}

// WrapTransport instruments outbound HTTP. It uses the global providers, so
// it is a cheap passthrough when Init was never called.
func WrapTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return otelhttp.NewTransport(rt)
}

func initInstruments(meterProvider *sdkmetric.MeterProvider) error {
	meter := meterProvider.Meter(instrumentationName)

	var err error
	jobDuration, err = meter.Float64Histogram(
		"podcore.jobs.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to run a job handler"),
	)
	if err != nil {
		return err
	}

	jobTotal, err = meter.Int64Counter(
		"podcore.jobs.total",
		metric.WithDescription("Job outcomes recorded by the worker pool"),
	)
	if err != nil {
		return err
	}

	jobsClaimed, err = meter.Int64Counter(
		"podcore.jobs.claimed",
		metric.WithDescription("Jobs claimed from the queue"),
	)
	if err != nil {
		return err
	}

	jobThresholdExceeded, err = meter.Int64Counter(
		"podcore.jobs.threshold_exceeded",
		metric.WithDescription("Jobs whose error count crossed the alert threshold"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err = meter.Float64Histogram(
		"podcore.fetch.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to fetch a feed or directory page"),
	)
	return err
}

// JobSpanInfo describes the attributes used when starting a job span.
type JobSpanInfo struct {
	JobID     int64
	Name      string
	NumErrors int
}

// JobMetrics describes a finished job for metric recording.
type JobMetrics struct {
	Name     string
	Outcome  string
	Duration time.Duration
}

// StartJobSpan starts a span for one job execution.
func StartJobSpan(ctx context.Context, info JobSpanInfo) (context.Context, trace.Span) {
	t := jobTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}

	return t.Start(ctx, "jobs.run", trace.WithAttributes(
		attribute.Int64("job.id", info.JobID),
		attribute.String("job.name", info.Name),
		attribute.Int("job.num_errors", info.NumErrors),
	))
}

// RecordJob emits job metrics when instrumentation is initialised.
func RecordJob(ctx context.Context, m JobMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("job.name", m.Name),
		attribute.String("job.outcome", m.Outcome),
	)
	if jobDuration != nil {
		jobDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if jobTotal != nil {
		jobTotal.Add(ctx, 1, attrs)
	}
}

// RecordClaimed counts jobs handed to executors.
func RecordClaimed(ctx context.Context, n int) {
	if jobsClaimed != nil && n > 0 {
		jobsClaimed.Add(ctx, int64(n))
	}
}

// RecordThresholdExceeded counts a job crossing the error threshold.
func RecordThresholdExceeded(ctx context.Context, name string) {
	if jobThresholdExceeded != nil {
		jobThresholdExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("job.name", name)))
	}
}

// RecordFetch records the duration of an outbound fetch.
func RecordFetch(ctx context.Context, kind string, status int, d time.Duration) {
	if fetchDuration != nil {
		fetchDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
			attribute.String("fetch.kind", kind),
			attribute.Int("http.status_code", status),
		))
	}
}
