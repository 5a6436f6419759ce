package tracing

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	initOnce sync.Once
	initErr  error

	mu sync.RWMutex
	tp *sdktrace.TracerProvider
)

// Options configures the process-wide tracer provider.
type Options struct {
	ServiceName string
	// SampleRatio of root spans kept; <= 0 keeps all.
	SampleRatio float64
	// Export writes finished spans as JSON to this writer when set.
	Export io.Writer
}

// InitOpenTelemetry installs the process-wide tracer provider. Only the first
// call has an effect.
func InitOpenTelemetry(opts Options) error {
	initOnce.Do(func() {
		initErr = install(opts)
	})
	return initErr
}

func install(opts Options) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)))
	if err != nil {
		return err
	}

	ratio := opts.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}
	if opts.Export != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(opts.Export))
		if err != nil {
			return err
		}
		// Synchronous export keeps span order for readers of the stream.
		tpOpts = append(tpOpts, sdktrace.WithSyncer(exp))
	}

	provider := sdktrace.NewTracerProvider(tpOpts...)
	mu.Lock()
	tp = provider
	mu.Unlock()
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes and shuts down the tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	mu.RLock()
	provider := tp
	mu.RUnlock()
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// StartSpan starts a span tagged with the conversation, epoch, workflow and
// activity ids carried by ctx, and records the span's trace id in ctx when
// none is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, f := range FromContext(ctx).fields() {
		if f.span != "" {
			attrs = append(attrs, attribute.String(f.span, f.value))
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
