// Package telemetry performs the one-shot process-wide logging and
// tracing setup. It is installed once before the first client is
// constructed; nothing in the core packages mutates global state
// directly, they accept a *slog.Logger through the client context
// instead.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the logging and tracing behavior for a process.
type Config struct {
	// ServiceName identifies this installation in emitted spans.
	ServiceName string
	// Level is the minimum slog level to emit.
	Level slog.Level
	// TraceWriter receives span output; nil discards it, which is what
	// the CLI gets since it leaves this unset.
	TraceWriter io.Writer
	// JSON selects slog.JSONHandler over slog.TextHandler.
	JSON bool
}

// Handles bundles the installed logger and tracer so callers have a
// single value to thread through the client context.
type Handles struct {
	Logger         *slog.Logger
	Tracer         trace.Tracer
	shutdownTracer func(context.Context) error
}

// Shutdown flushes any buffered spans. Safe to call on a zero Handles.
func (h Handles) Shutdown(ctx context.Context) error {
	if h.shutdownTracer == nil {
		return nil
	}
	return h.shutdownTracer(ctx)
}

// Init installs the logging and tracing backends for this process and
// returns the handles to pass into client construction. Calling it
// more than once per process is the caller's mistake, not guarded
// against here.
func Init(cfg Config) (Handles, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mlscore-client"
	}
	out := cfg.TraceWriter
	if out == nil {
		out = io.Discard
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	if err != nil {
		return Handles{}, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return Handles{}, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return Handles{
		Logger:         logger,
		Tracer:         tp.Tracer(cfg.ServiceName),
		shutdownTracer: tp.Shutdown,
	}, nil
}

// Noop returns handles suitable for tests: a discard logger and a
// no-op tracer, with nothing to flush.
func Noop() Handles {
	return Handles{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tracer: otel.Tracer("noop"),
	}
}
