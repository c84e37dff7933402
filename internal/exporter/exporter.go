package exporter

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kolomiets/tracing-playground/internal/config"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

type loggingExporter struct {
	exporter trace.SpanExporter
	verbose  bool
}

func (l *loggingExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	err := l.exporter.ExportSpans(ctx, spans)
	if err != nil {
		if strings.Contains(err.Error(), "connection refused") ||
			strings.Contains(err.Error(), "no such host") {
			log.Printf("Cannot reach OTLP endpoint, dropping %d spans", len(spans))
		} else {
			log.Printf("Failed to export spans: %v", err)
		}
		return err
	}

	if l.verbose {
		log.Printf("Exported %d spans", len(spans))
	}

	return nil
}

func (l *loggingExporter) Shutdown(ctx context.Context) error {
	return l.exporter.Shutdown(ctx)
}

// SetupExporter builds the tracer provider for this function and registers it
// globally. The returned cleanup flushes and shuts the provider down.
func SetupExporter(ctx context.Context, cfg config.Config) (*trace.TracerProvider, func(), error) {
	log.Printf("Configured for OTLP endpoint: %s (%s)", cfg.Exporter.Endpoint, cfg.Exporter.Protocol)

	if cfg.Exporter.Protocol == config.ProtocolHTTP {
		if err := testConnection(cfg.Exporter.Endpoint); err != nil {
			log.Printf("Cannot reach OTLP endpoint")
		} else {
			log.Printf("Connected to OTLP endpoint")
		}
	}

	client, err := newClient(cfg.Exporter)
	if err != nil {
		return nil, nil, err
	}

	baseExporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	exporter := &loggingExporter{exporter: baseExporter, verbose: cfg.Function.Verbose}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.Function.ServiceName),
			semconv.ServiceVersion(cfg.Function.Version),
			attribute.String("function.role", cfg.Function.Role),
			semconv.TelemetrySDKName("opentelemetry"),
			semconv.TelemetrySDKLanguageGo,
			semconv.TelemetrySDKVersion("otel@"+otel.Version()),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	opts := []trace.TracerProviderOption{
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	}
	if cfg.Exporter.IDGenerator == config.IDGeneratorXRay {
		opts = append(opts, trace.WithIDGenerator(xray.NewIDGenerator()))
	}

	tp := trace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)

	return tp, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("Tracer provider shutdown error: %v", err)
		}
	}, nil
}

func newClient(cfg config.ExporterConfig) (otlptrace.Client, error) {
	switch cfg.Protocol {
	case config.ProtocolHTTP:
		return otlptracehttp.NewClient(otlptracehttp.WithEndpointURL(cfg.Endpoint)), nil
	case config.ProtocolGRPC:
		return otlptracegrpc.NewClient(otlptracegrpc.WithEndpointURL(cfg.Endpoint)), nil
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", cfg.Protocol)
	}
}

func testConnection(endpoint string) error {
	client := &http.Client{Timeout: 3 * time.Second}

	// Most OTLP endpoints will respond with 405 Method Not Allowed for GET,
	// but that confirms the endpoint is reachable
	resp, err := client.Get(endpoint + "/v1/traces")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}
