// Package telemetry wires OpenTelemetry tracing for govd: the global tracer
// provider, inbound HTTP instrumentation and spans around decisions.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const DefaultService = "govd"

// Settings mirrors the standard OTEL_* exporter variables.
type Settings struct {
	Service    string
	Endpoint   string
	Headers    map[string]string
	Timeout    time.Duration
	Insecure   bool
	Required   bool
	Sampler    string
	SamplerArg string
}

func SettingsFromEnv(service string) Settings {
	return Settings{
		Service:    service,
		Endpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:    parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:    time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:   os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:    os.Getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg: os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
	}
}

// Init installs the global tracer provider. Without an endpoint spans are
// sampled but never exported; an exporter failure is fatal only when
// Required is set.
func Init(ctx context.Context, s Settings) (func(context.Context) error, error) {
	service := serviceName(s.Service)
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(parseSampler(s.Sampler, s.SamplerArg)),
	}
	if s.Endpoint != "" {
		exporter, err := newExporter(ctx, s)
		switch {
		case err != nil && s.Required:
			return nil, err
		case err != nil:
			log.Printf("otel exporter disabled: %v", err)
		default:
			opts = append(opts, trace.WithBatcher(exporter))
		}
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, s Settings) (*otlptrace.Exporter, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(s.Endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if s.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(s.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(service string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceName(service))
}

// InstrumentClient wraps an HTTP client with OTel transport.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// StartDecisionSpan opens a span for a governed operation such as
// policy.evaluate or worker.verify.
func StartDecisionSpan(ctx context.Context, name, tool, action string) (context.Context, oteltrace.Span) {
	return otel.Tracer("coreos/govd").Start(ctx, name, oteltrace.WithAttributes(
		attribute.String("govd.tool", tool),
		attribute.String("govd.action", action),
	))
}

// EndDecisionSpan records the outcome and closes the span. A blocked
// outcome is not a span error.
func EndDecisionSpan(span oteltrace.Span, decision string, rules []string, err error) {
	span.SetAttributes(
		attribute.String("govd.decision", decision),
		attribute.StringSlice("govd.rules", rules),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func serviceName(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return DefaultService
	}
	return s
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
