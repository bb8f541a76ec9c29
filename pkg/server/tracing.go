package server

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/aeolun/wirechat/pkg/protocol"
)

// TracerName identifies spans created by the request router
const TracerName = "github.com/aeolun/wirechat/pkg/server"

// InstallTracing registers a global tracer provider that writes finished
// spans as JSON lines to w. The returned function flushes pending spans and
// shuts the provider down.
func InstallTracing(w io.Writer, sampleRatio float64) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if sampleRatio > 0 && sampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(sampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func startRequestSpan(ctx context.Context, tracer trace.Tracer, req *protocol.Request, rt route) (context.Context, trace.Span) {
	return tracer.Start(ctx,
		fmt.Sprintf("wirechat %s %s", req.Method, rt),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("wirechat.method", req.Method),
			attribute.String("wirechat.target", req.Target),
			attribute.String("wirechat.route", rt.String()),
		),
	)
}

func endRequestSpan(span trace.Span, resp *protocol.Response, err error) {
	span.SetAttributes(attribute.Int("wirechat.status", resp.Status()))
	if err != nil {
		span.RecordError(err)
	}
	if resp.Status() >= protocol.StatusInternalServerError {
		span.SetStatus(codes.Error, resp.Phrase())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
