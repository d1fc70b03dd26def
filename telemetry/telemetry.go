// Package telemetry carries the tracing and logging glue for the pipeline.
// It uses the global OTEL tracer provider; hosts configure exporters via
// clue.ConfigureOpenTelemetry or the OTEL environment variables.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const tracerName = "goa.design/agentbridge"

// StartRun opens the span covering one run and stamps the run identity onto
// both the span and the request log context.
func StartRun(ctx context.Context, protocol, threadID, runID string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agentbridge.run",
		trace.WithAttributes(
			attribute.String("agentbridge.protocol", protocol),
			attribute.String("agentbridge.thread_id", threadID),
			attribute.String("agentbridge.run_id", runID),
		))
	ctx = log.With(ctx,
		log.KV{K: "protocol", V: protocol},
		log.KV{K: "run_id", V: runID},
	)
	log.Debug(ctx, log.KV{K: "msg", V: "run started"})
	return ctx, span
}

// EndRun closes the run span. A non-empty message records the run's terminal
// error on the span and the log.
func EndRun(ctx context.Context, span trace.Span, message, code string) {
	if message != "" {
		span.SetStatus(codes.Error, message)
		span.SetAttributes(attribute.String("agentbridge.error_code", code))
		log.Error(ctx, errors.New(message), log.KV{K: "code", V: code})
	} else {
		span.SetStatus(codes.Ok, "")
		log.Debug(ctx, log.KV{K: "msg", V: "run finished"})
	}
	span.End()
}
