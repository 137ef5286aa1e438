// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides small helpers that tie structured logging to
// OpenTelemetry trace context so log lines and spans can be correlated.
package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a logger enriched with the trace_id and span_id
// of the span carried by ctx.
//
// Description:
//
//	If ctx carries a valid span context, the returned logger has trace_id
//	and span_id attributes attached so log aggregators can join log lines
//	with distributed traces. If there is no active span, the logger is
//	returned unchanged.
//
// Inputs:
//   - ctx: Context that may carry an OTel span.
//   - logger: Base logger. If nil, slog.Default() is used.
//
// Outputs:
//   - *slog.Logger: The enriched (or original) logger. Never nil.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// NewLogger builds the process-wide slog handler.
//
// Text output is used for interactive terminals, JSON otherwise, so local
// runs stay readable while deployed logs stay machine-parseable.
func NewLogger(w io.Writer, debug bool, tty bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if tty {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
