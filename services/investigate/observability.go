// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package investigate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Label cardinality note: tool names come from the fixed catalog and
// statuses from the closed OutcomeStatus set, so every vector below stays
// small and bounded.
var (
	modelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Subsystem: "investigate",
		Name:      "model_calls_total",
		Help:      "Model chat calls made by the investigation loop, by status.",
	}, []string{"status"})

	modelCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opspilot",
		Subsystem: "investigate",
		Name:      "model_call_duration_seconds",
		Help:      "Latency of model chat calls.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"status"})

	toolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Subsystem: "investigate",
		Name:      "tool_executions_total",
		Help:      "Diagnostic tool dispatches, by tool and outcome status.",
	}, []string{"tool", "status"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opspilot",
		Subsystem: "investigate",
		Name:      "tool_duration_seconds",
		Help:      "Latency of diagnostic tool executions.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"tool"})

	investigationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Subsystem: "investigate",
		Name:      "investigations_total",
		Help:      "Completed investigation runs, by terminal state.",
	}, []string{"state"})

	modelErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Subsystem: "investigate",
		Name:      "model_errors_total",
		Help:      "Model failures that aborted an investigation, by classification.",
	}, []string{"error_type"})
)

func tracer() trace.Tracer {
	return otel.Tracer("opspilot.investigate")
}
