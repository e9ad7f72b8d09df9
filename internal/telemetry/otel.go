// Package telemetry exports request traces via OpenTelemetry.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"promptfw/internal/firewall"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled  bool
	Exporter string // "otlp" or "stdout"
	Endpoint string // OTLP endpoint, e.g. "localhost:4317"
	Insecure bool
}

// Provider manages the tracer and its exporter.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a provider. With Enabled false the returned
// provider produces no-op spans.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("promptfw")}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP trace exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("promptfw")}, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer("promptfw"), provider: tp}, nil
}

// NoopProvider returns a provider that records nothing.
func NoopProvider() *Provider {
	return &Provider{tracer: otel.Tracer("promptfw-noop")}
}

// Enabled reports whether spans are being exported.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Request span attributes.
const (
	AttrEntryID       = "pfw.entry.id"
	AttrProvider      = "pfw.provider"
	AttrModel         = "pfw.model"
	AttrEndpoint      = "pfw.endpoint"
	AttrThreatLevel   = "pfw.threat_level"
	AttrBlocked       = "pfw.blocked"
	AttrBlockReason   = "pfw.block_reason"
	AttrTokens        = "pfw.tokens"
	AttrCost          = "pfw.cost"
	AttrPIICount      = "pfw.pii.count"
	AttrInjCount      = "pfw.injection.count"
	AttrLatencyMs     = "pfw.latency.ms"
	AttrRequestMethod = "http.request.method"
	AttrResponseCode  = "http.response.status_code"
)

// StartRequestSpan opens a span for one proxied request.
func (p *Provider) StartRequestSpan(ctx context.Context, method, endpoint string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "firewall.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrEndpoint, endpoint),
		),
	)
}

// EndRequestSpan closes the span with the outcome recorded on the
// traffic entry.
func (p *Provider) EndRequestSpan(span trace.Span, entry firewall.TrafficEntry, providerName string, err error) {
	span.SetAttributes(
		attribute.String(AttrEntryID, entry.ID),
		attribute.String(AttrProvider, providerName),
		attribute.String(AttrModel, entry.Model),
		attribute.String(AttrThreatLevel, string(entry.ThreatLevel)),
		attribute.Bool(AttrBlocked, entry.Blocked),
		attribute.Int(AttrResponseCode, entry.Status),
		attribute.Int(AttrTokens, entry.TokensUsed),
		attribute.Float64(AttrCost, entry.Cost),
		attribute.Int(AttrPIICount, len(entry.PIIDetected)),
		attribute.Int(AttrInjCount, len(entry.InjectionDetected)),
		attribute.Float64(AttrLatencyMs, entry.LatencyMS),
	)
	if entry.BlockReason != "" {
		span.SetAttributes(attribute.String(AttrBlockReason, entry.BlockReason))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// ContextWithTimeout is a shutdown helper.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
