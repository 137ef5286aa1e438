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
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ankitjain91/opspilot-sub004/services/diag"
)

// OutcomeStatus classifies how a single tool invocation ended. Every
// non-success status is recoverable: the loop reports it to the model and
// continues.
type OutcomeStatus string

const (
	// OutcomeSuccess means the tool ran and produced output.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeSyntaxError means the directive was malformed (bad argument
	// shape). The tool was never called.
	OutcomeSyntaxError OutcomeStatus = "syntax_error"
	// OutcomeInvalidTool means the identifier is not in the allow-list.
	// The tool was never called.
	OutcomeInvalidTool OutcomeStatus = "invalid_tool"
	// OutcomeExecutionError means the tool ran and the backend failed.
	OutcomeExecutionError OutcomeStatus = "execution_error"
)

// Outcome is the result of dispatching one invocation.
type Outcome struct {
	Tool    string
	Status  OutcomeStatus
	Summary string
	Output  string
	// Command is the human-readable transport equivalent of the call,
	// recorded for the command history. Empty when no call was made.
	Command   string
	Truncated bool
	Duration  time.Duration
}

// DefaultMaxToolOutputBytes caps how much raw tool output is fed back into
// the model's context per invocation.
const DefaultMaxToolOutputBytes = 8192

const truncationMarker = "\n... [output truncated]"

// Dispatcher validates parsed invocations against the catalog, sanitizes
// arguments, executes tools through a diagnostics provider, and shapes
// the results for the loop.
//
// Thread Safety: safe for concurrent use; all state is immutable after
// construction.
type Dispatcher struct {
	provider diag.Provider
	catalog  *Catalog
	maxBytes int
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher over a provider. maxOutputBytes <= 0
// selects DefaultMaxToolOutputBytes.
func NewDispatcher(provider diag.Provider, catalog *Catalog, maxOutputBytes int, logger *slog.Logger) *Dispatcher {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxToolOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{provider: provider, catalog: catalog, maxBytes: maxOutputBytes, logger: logger}
}

// Execute runs one invocation against the target and never returns an
// error: every failure mode is folded into the Outcome so the loop can
// relay it to the model.
//
// Description:
//
//	Unknown identifiers and malformed arguments short-circuit before any
//	backend call. Arguments are sanitized by stripping brackets and
//	quotes the model tends to copy from the prompt's usage hints;
//	whitespace remaining inside a single argument token is a syntax
//	error, not a multi-token call. Backend failures are classified from
//	the error text and always described as tool problems, never as
//	findings about the target.
func (d *Dispatcher) Execute(ctx context.Context, target diag.Target, inv Invocation) Outcome {
	spec, ok := d.catalog.Lookup(inv.Name)
	if !ok {
		toolExecutionsTotal.WithLabelValues(inv.Name, string(OutcomeInvalidTool)).Inc()
		return Outcome{
			Tool:    inv.Name,
			Status:  OutcomeInvalidTool,
			Summary: fmt.Sprintf("unknown tool %q; available tools: %s", inv.Name, strings.Join(d.catalog.Names(), ", ")),
		}
	}

	args, err := sanitizeArgs(spec, inv.RawArgs)
	if err != nil {
		toolExecutionsTotal.WithLabelValues(spec.Name, string(OutcomeSyntaxError)).Inc()
		return Outcome{
			Tool:    spec.Name,
			Status:  OutcomeSyntaxError,
			Summary: err.Error(),
		}
	}

	command := commandEquivalent(spec.Name, target, args)
	ctx, span := tracer().Start(ctx, "investigate.tool", trace.WithAttributes(
		attribute.String("tool.name", spec.Name),
		attribute.String("target.namespace", target.Namespace),
	))
	defer span.End()

	start := time.Now()
	output, err := d.call(ctx, spec.Name, target, args)
	elapsed := time.Since(start)
	toolDuration.WithLabelValues(spec.Name).Observe(elapsed.Seconds())

	if err != nil {
		toolExecutionsTotal.WithLabelValues(spec.Name, string(OutcomeExecutionError)).Inc()
		d.logger.Warn("diagnostic tool failed",
			slog.String("tool", spec.Name),
			slog.String("namespace", target.Namespace),
			slog.String("error", err.Error()))
		return Outcome{
			Tool:     spec.Name,
			Status:   OutcomeExecutionError,
			Summary:  classifyExecutionError(spec.Name, target, err),
			Output:   err.Error(),
			Command:  command,
			Duration: elapsed,
		}
	}

	toolExecutionsTotal.WithLabelValues(spec.Name, string(OutcomeSuccess)).Inc()
	truncated := false
	if len(output) > d.maxBytes {
		output = output[:d.maxBytes] + truncationMarker
		truncated = true
	}
	return Outcome{
		Tool:      spec.Name,
		Status:    OutcomeSuccess,
		Summary:   fmt.Sprintf("%s returned %d bytes", spec.Name, len(output)),
		Output:    output,
		Command:   command,
		Truncated: truncated,
		Duration:  elapsed,
	}
}

// sanitizeArgs strips decoration the model copies from usage hints and
// validates the token count against the spec.
func sanitizeArgs(spec ToolSpec, raw string) ([]string, error) {
	cleaned := strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', '"', '\'':
			return -1
		}
		return r
	}, raw))

	var tokens []string
	if cleaned != "" {
		tokens = strings.Fields(cleaned)
	}

	if len(tokens) < spec.MinArgs {
		return nil, fmt.Errorf("%s requires %s", spec.Name, spec.ArgHint)
	}
	if len(tokens) > spec.MaxArgs {
		if spec.MaxArgs == 0 {
			return nil, fmt.Errorf("%s takes no arguments, got %q", spec.Name, cleaned)
		}
		// Extra whitespace split a token that should have been one value
		// ("LOGS my app"), or the model passed too many arguments. Either
		// way the call is ambiguous and must not reach the backend.
		return nil, fmt.Errorf("%s takes at most %d argument(s), got %q", spec.Name, spec.MaxArgs, cleaned)
	}
	return tokens, nil
}

// call maps a validated invocation onto the provider method.
func (d *Dispatcher) call(ctx context.Context, name string, target diag.Target, args []string) (string, error) {
	switch name {
	case "MANIFEST":
		return d.provider.Manifest(ctx, target)
	case "EVENTS":
		return d.provider.Events(ctx, target)
	case "LOGS":
		return d.provider.Logs(ctx, target, optArg(args), false)
	case "PREVIOUS_LOGS":
		return d.provider.Logs(ctx, target, optArg(args), true)
	case "SIBLINGS":
		return d.provider.SiblingPods(ctx, target)
	case "OWNER":
		return d.provider.Owner(ctx, target)
	case "SERVICE":
		return d.provider.ServiceEndpoints(ctx, target)
	case "METRICS":
		return d.provider.Metrics(ctx, target)
	case "LIST":
		return d.provider.List(ctx, target, args[0])
	case "DESCRIBE":
		return d.provider.Describe(ctx, target, args[0], args[1])
	case "NODE":
		return d.provider.NodeInfo(ctx, target)
	case "STORAGE":
		return d.provider.Storage(ctx, target)
	}
	return "", fmt.Errorf("tool %s has no provider binding", name)
}

func optArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// commandEquivalent renders the call as the kubectl command a user would
// have typed, for display in the command history.
func commandEquivalent(name string, target diag.Target, args []string) string {
	kind := strings.ToLower(target.Kind)
	if kind == "" {
		kind = "pod"
	}
	ns := target.Namespace
	switch name {
	case "MANIFEST":
		return fmt.Sprintf("kubectl get %s %s -n %s -o yaml", kind, target.Name, ns)
	case "EVENTS":
		return fmt.Sprintf("kubectl get events -n %s --field-selector involvedObject.name=%s", ns, target.Name)
	case "LOGS":
		if c := optArg(args); c != "" {
			return fmt.Sprintf("kubectl logs %s -c %s -n %s --tail 200", target.Name, c, ns)
		}
		return fmt.Sprintf("kubectl logs %s -n %s --tail 200", target.Name, ns)
	case "PREVIOUS_LOGS":
		if c := optArg(args); c != "" {
			return fmt.Sprintf("kubectl logs %s -c %s -n %s --tail 200 --previous", target.Name, c, ns)
		}
		return fmt.Sprintf("kubectl logs %s -n %s --tail 200 --previous", target.Name, ns)
	case "SIBLINGS":
		return fmt.Sprintf("kubectl get pods -n %s -o wide", ns)
	case "OWNER":
		return fmt.Sprintf("kubectl get %s %s -n %s -o jsonpath={.metadata.ownerReferences}", kind, target.Name, ns)
	case "SERVICE":
		return fmt.Sprintf("kubectl get endpoints -n %s", ns)
	case "METRICS":
		return fmt.Sprintf("kubectl top %s %s -n %s", kind, target.Name, ns)
	case "LIST":
		return fmt.Sprintf("kubectl get %s -n %s", strings.ToLower(args[0]), ns)
	case "DESCRIBE":
		return fmt.Sprintf("kubectl describe %s %s -n %s", strings.ToLower(args[0]), args[1], ns)
	case "NODE":
		return fmt.Sprintf("kubectl describe node %s", target.Node)
	case "STORAGE":
		return fmt.Sprintf("kubectl get pvc -n %s", ns)
	}
	return ""
}

// classifyExecutionError turns a backend failure into a message for the
// model. The phrasing always blames the tool or its transport, never the
// target: a broken kubectl call is not evidence about the workload.
func classifyExecutionError(tool string, target diag.Target, err error) string {
	text := strings.ToLower(err.Error())
	subject := target.Name
	if subject == "" {
		subject = "the target resource"
	}

	switch {
	case strings.Contains(text, "not valid for"):
		return fmt.Sprintf("tool %s referenced a name the backend rejected for this resource, usually a container name that belongs to a different pod; this is a tool input problem, not a finding about %s", tool, subject)
	case strings.Contains(text, "notfound") || strings.Contains(text, "not found"):
		return fmt.Sprintf("tool %s could not find the object it was asked about; verify the name and kind before retrying, this is a lookup failure, not a diagnosis of %s", tool, subject)
	case strings.Contains(text, "forbidden") || strings.Contains(text, "unauthorized"):
		return fmt.Sprintf("tool %s was denied by cluster RBAC; this is an access problem with the tooling, not a finding about %s", tool, subject)
	case strings.Contains(text, "context deadline exceeded") || strings.Contains(text, "timed out") || strings.Contains(text, "timeout"):
		return fmt.Sprintf("tool %s timed out talking to the cluster; this is a connectivity problem with the diagnostic tooling, not a symptom of %s", tool, subject)
	case strings.Contains(text, "connection refused") || strings.Contains(text, "no such host") || strings.Contains(text, "unable to connect"):
		return fmt.Sprintf("tool %s could not reach the cluster API; this is a tooling connectivity failure, not a symptom of %s", tool, subject)
	default:
		return fmt.Sprintf("tool %s failed to execute; treat this as a diagnostic tooling error, not as evidence about %s", tool, subject)
	}
}
