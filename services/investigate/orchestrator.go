// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package investigate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ankitjain91/opspilot-sub004/services/llm"
	"github.com/ankitjain91/opspilot-sub004/services/stream"
	"github.com/ankitjain91/opspilot-sub004/services/telemetry"
)

// DefaultMaxIterations bounds how many tool-execution rounds a single run
// may perform. With N rounds the loop makes at most N+1 model calls.
const DefaultMaxIterations = 3

// RunResult summarizes one investigation run.
type RunResult struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	// Response is the model's final reply, or the canned guidance text
	// when the run aborted on a model failure.
	Response string `json:"response"`
	// FailureKind is the model error classification on abort, empty
	// otherwise.
	FailureKind string `json:"failure_kind,omitempty"`

	Iterations int `json:"iterations"`
	ModelCalls int `json:"model_calls"`
	ToolCalls  int `json:"tool_calls"`

	CommandHistory []stream.CommandExecution `json:"command_history,omitempty"`
}

// Options tunes an Orchestrator.
type Options struct {
	// MaxIterations <= 0 selects DefaultMaxIterations.
	MaxIterations int
	Params        llm.GenerationParams
	// Progress, when set, receives phase updates as the run advances.
	// Throttling is the consumer's concern, not the loop's.
	Progress func(stream.Phase)
	Logger   *slog.Logger
}

// Orchestrator drives the bounded investigate loop: ask the model, parse
// tool directives from its reply, execute them in order, feed the
// combined results back, and repeat until the model answers in prose or
// the iteration bound forces completion.
//
// Thread Safety: safe for concurrent use across different sessions;
// per-session serialization is enforced by the session's run claim.
type Orchestrator struct {
	chat       llm.ChatClient
	dispatcher *Dispatcher
	catalog    *Catalog
	maxIter    int
	params     llm.GenerationParams
	progress   func(stream.Phase)
	logger     *slog.Logger
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(chat llm.ChatClient, dispatcher *Dispatcher, catalog *Catalog, opts Options) *Orchestrator {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		chat:       chat,
		dispatcher: dispatcher,
		catalog:    catalog,
		maxIter:    maxIter,
		params:     opts.Params,
		progress:   opts.Progress,
		logger:     logger,
	}
}

// Run executes one investigation of query on session.
//
// Description:
//
//	Exactly one run may hold a session at a time; a second concurrent
//	call returns ErrSessionBusy without touching the transcript. Tool
//	failures are recoverable and flow back to the model as results; only
//	model transport failures abort the run, with a canned guidance text
//	recorded as the final assistant message. Cancellation of ctx is
//	checked before each model call and each tool execution and aborts
//	the run between those points.
//
// Outputs:
//   - *RunResult: terminal state, final response, and counters. Non-nil
//     whenever error is nil, including aborted runs.
//   - error: ErrSessionBusy, or ctx.Err() on cancellation.
func (o *Orchestrator) Run(ctx context.Context, session *Session, query string) (*RunResult, error) {
	if !session.TryAcquire() {
		return nil, ErrSessionBusy
	}
	defer session.Release()

	ctx, span := tracer().Start(ctx, "investigate.run", trace.WithAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("target.namespace", session.Target.Namespace),
		attribute.String("target.kind", session.Target.Kind),
	))
	defer span.End()

	log := telemetry.LoggerWithTrace(ctx, o.logger).With(slog.String("session_id", session.ID))
	system := llm.Message{Role: llm.RoleSystem, Content: buildSystemPrompt(session.Target, o.catalog)}
	session.Append(llm.Message{Role: llm.RoleUser, Content: query})

	result := &RunResult{SessionID: session.ID}

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return o.abort(session, result, "run cancelled before model call", "cancelled"), err
		}

		session.setState(StateAwaitingModel)
		o.emit(stream.Phase{
			Kind:           stream.PhasePlanning,
			Message:        "consulting the model",
			CommandHistory: result.CommandHistory,
		})

		start := time.Now()
		chatCtx, chatSpan := tracer().Start(ctx, "investigate.model_call",
			trace.WithAttributes(attribute.Int("round", round)))
		reply, err := o.chat.Chat(chatCtx, append([]llm.Message{system}, session.ModelHistory()...), o.params)
		chatSpan.End()
		result.ModelCalls++
		if err != nil {
			modelCallsTotal.WithLabelValues("error").Inc()
			modelCallDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			if ctx.Err() != nil {
				return o.abort(session, result, "run cancelled during model call", "cancelled"), ctx.Err()
			}
			kind := llm.ClassifyError(err)
			modelErrorsTotal.WithLabelValues(kind).Inc()
			log.Error("model call failed, aborting run",
				slog.String("error_type", kind),
				slog.String("error", err.Error()))
			guidance := llm.Guidance(err)
			session.Append(llm.Message{Role: llm.RoleAssistant, Content: guidance})
			return o.abort(session, result, guidance, kind), nil
		}
		modelCallsTotal.WithLabelValues("success").Inc()
		modelCallDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
		session.Append(llm.Message{Role: llm.RoleAssistant, Content: reply})

		session.setState(StateParsingTools)
		invocations := ParseInvocations(reply)
		if len(invocations) == 0 {
			return o.complete(session, result, reply, log), nil
		}
		if round >= o.maxIter {
			// Bound reached with the model still asking for tools: force
			// completion on the last reply rather than loop forever.
			log.Warn("iteration bound reached with pending tool requests",
				slog.Int("pending", len(invocations)))
			return o.complete(session, result, reply, log), nil
		}

		session.setState(StateExecutingTools)
		outcomes := make([]Outcome, 0, len(invocations))
		for _, inv := range invocations {
			if err := ctx.Err(); err != nil {
				return o.abort(session, result, "run cancelled during tool execution", "cancelled"), err
			}
			outcome := o.dispatcher.Execute(ctx, session.Target, inv)
			outcomes = append(outcomes, outcome)
			result.ToolCalls++
			// Invalid and malformed invocations never reached the backend,
			// so they have no command to record.
			if outcome.Command != "" {
				result.CommandHistory = append(result.CommandHistory, commandRecord(outcome))
			}

			content := outcome.Output
			if content == "" {
				content = outcome.Summary
			}
			session.Append(llm.Message{
				Role:     llm.RoleTool,
				ToolName: outcome.Tool,
				Command:  outcome.Command,
				Content:  content,
			})
			o.emit(stream.Phase{
				Kind:           stream.PhaseExecuting,
				Message:        fmt.Sprintf("ran %s", outcome.Tool),
				CommandHistory: result.CommandHistory,
			})
		}

		session.Append(llm.Message{Role: llm.RoleUser, Content: renderCombinedResults(outcomes)})
		result.Iterations++
	}
}

func (o *Orchestrator) complete(session *Session, result *RunResult, response string, log *slog.Logger) *RunResult {
	session.setState(StateComplete)
	result.State = StateComplete
	result.Response = response
	investigationsTotal.WithLabelValues(string(StateComplete)).Inc()
	log.Info("investigation complete",
		slog.Int("iterations", result.Iterations),
		slog.Int("model_calls", result.ModelCalls),
		slog.Int("tool_calls", result.ToolCalls))
	o.emit(stream.Phase{
		Kind:           stream.PhaseComplete,
		Message:        "investigation complete",
		CommandHistory: result.CommandHistory,
	})
	return result
}

func (o *Orchestrator) abort(session *Session, result *RunResult, response, kind string) *RunResult {
	session.setState(StateAborted)
	result.State = StateAborted
	result.Response = response
	result.FailureKind = kind
	investigationsTotal.WithLabelValues(string(StateAborted)).Inc()
	o.emit(stream.Phase{
		Kind:           stream.PhaseError,
		Message:        response,
		CommandHistory: result.CommandHistory,
	})
	return result
}

func (o *Orchestrator) emit(p stream.Phase) {
	if o.progress != nil {
		o.progress(p)
	}
}

func commandRecord(o Outcome) stream.CommandExecution {
	status := stream.CommandSuccess
	if o.Status != OutcomeSuccess {
		status = stream.CommandError
	}
	return stream.CommandExecution{
		Command:   o.Command,
		Status:    status,
		Summary:   o.Summary,
		Output:    o.Output,
		Timestamp: time.Now(),
	}
}
