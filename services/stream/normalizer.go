// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// phaseKindByEventType maps directly-translatable event types to a phase
// kind. Types with richer handling (command lifecycle, plan progress,
// done, error, progress) are dispatched separately in Handle.
var phaseKindByEventType = map[string]PhaseKind{
	"planning":      PhasePlanning,
	"supervisor":    PhasePlanning,
	"executing":     PhaseExecuting,
	"tool_call":     PhaseExecuting,
	"command":       PhaseExecuting,
	"analyzing":     PhaseAnalyzing,
	"reflection":    PhaseAnalyzing,
	"synthesizing":  PhaseAnalyzing,
	"kb_search":     PhaseAnalyzing,
	"plan_decision": PhaseAnalyzing,
}

// suppressedEventTypes never produce a phase emission.
var suppressedEventTypes = map[string]bool{
	"debug":    true,
	"internal": true,
}

// Normalizer converts raw push-feed events into Phase snapshots and
// maintains the command-execution history for one stream.
//
// Description:
//
//	The history records every event regardless of throttling; only the
//	emission path is rate limited. Completion events are matched to their
//	start by correlation id when the agent supplies one (data.id), and by
//	most-recently-running position otherwise — the positional fallback is
//	only correct for strictly sequential commands, which is why id
//	matching takes precedence.
//
// Thread Safety: Normalizer is safe for concurrent use; the push source
// and the consumer teardown race by nature.
type Normalizer struct {
	mu        sync.Mutex
	history   []CommandExecution
	throttler *Throttler
	closed    bool

	// now is swappable for tests.
	now func() time.Time
}

// NewNormalizer creates a normalizer that emits throttled phases to sink.
// A non-positive window uses DefaultThrottleWindow.
func NewNormalizer(window time.Duration, sink func(Phase)) *Normalizer {
	counted := func(p Phase) {
		phasesEmittedTotal.WithLabelValues(string(p.Kind)).Inc()
		sink(p)
	}
	return &Normalizer{
		throttler: NewThrottler(window, counted),
		now:       time.Now,
	}
}

// Handle consumes one raw event. Unknown event types are logged and
// dropped without an emission.
func (n *Normalizer) Handle(ev AgentEvent) {
	if suppressedEventTypes[ev.Type] {
		feedEventsTotal.WithLabelValues("suppressed").Inc()
		return
	}

	switch ev.Type {
	case "command_start":
		n.startCommand(ev)
		n.emit(Phase{Kind: PhaseExecuting, Message: ev.Message, CurrentStep: ev.str("command")})
	case "executing", "tool_call", "command":
		// A generic executing event may itself carry a command.
		if ev.str("command") != "" {
			n.startCommand(ev)
		}
		n.emit(Phase{Kind: PhaseExecuting, Message: ev.Message, CurrentStep: ev.str("command")})
	case "command_complete", "tool_result":
		n.completeCommand(ev)
		// Message stays whatever the agent last said; only history moves.
		n.emit(Phase{Kind: PhaseExecuting, Message: ev.Message})
	case "plan_progress":
		n.emit(Phase{
			Kind:           PhaseExecuting,
			Message:        ev.Message,
			CurrentStep:    ev.str("current_step"),
			StepsCompleted: ev.num("steps_completed"),
			TotalSteps:     ev.num("total_steps"),
		})
	case "done":
		n.terminalEmit(Phase{Kind: PhaseComplete, Message: ev.Message, Suggestions: ev.strs("suggestions")})
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = ev.str("error")
		}
		n.terminalEmit(Phase{Kind: PhaseError, Message: msg})
	case "progress":
		n.emit(Phase{Kind: inferPhaseKind(ev.Message), Message: ev.Message})
	default:
		if kind, ok := phaseKindByEventType[ev.Type]; ok {
			n.emit(Phase{Kind: kind, Message: ev.Message})
			return
		}
		feedEventsTotal.WithLabelValues("unmapped").Inc()
		slog.Debug("dropping unknown agent event", slog.String("type", ev.Type))
	}
}

// Fail terminates the stream with an error phase. Used for push-feed
// transport failures; bypasses the throttler so the terminal state is
// never coalesced away.
func (n *Normalizer) Fail(err error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.throttler.Stop()
	n.directEmit(Phase{
		Kind:           PhaseError,
		Message:        "lost connection to the investigation agent: " + err.Error(),
		CommandHistory: n.History(),
	})
	n.Close()
}

// Close releases the throttler timer. The history survives Close so a
// final snapshot can still be read.
func (n *Normalizer) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.throttler.Stop()
}

// History returns a copy of the command history accumulated so far.
func (n *Normalizer) History() []CommandExecution {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]CommandExecution, len(n.history))
	copy(out, n.history)
	return out
}

func (n *Normalizer) emit(p Phase) {
	feedEventsTotal.WithLabelValues("handled").Inc()
	p.CommandHistory = n.History()
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	n.throttler.Notify(p)
}

// terminalEmit delivers a stream-ending phase. It must not go through the
// throttler: a terminal phase arriving inside the window would sit pending
// and be discarded when the feed tears the throttler down, so the consumer
// would never see the stream end. Any pending intermediate phase is
// superseded by the terminal one.
func (n *Normalizer) terminalEmit(p Phase) {
	feedEventsTotal.WithLabelValues("handled").Inc()
	p.CommandHistory = n.History()
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	n.throttler.Stop()
	n.directEmit(p)
}

// directEmit bypasses throttling for terminal phases.
func (n *Normalizer) directEmit(p Phase) {
	if n.throttler.emit != nil {
		n.throttler.emit(p)
	}
}

// startCommand appends a new running entry to the history.
func (n *Normalizer) startCommand(ev AgentEvent) {
	id := ev.str("id")
	if id == "" {
		id = uuid.NewString()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, CommandExecution{
		ID:        id,
		Command:   ev.str("command"),
		Status:    CommandRunning,
		Timestamp: n.now(),
	})
}

// completeCommand resolves a running entry: by correlation id first, by
// most-recently-running position otherwise.
func (n *Normalizer) completeCommand(ev AgentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	idx := -1
	if id := ev.str("id"); id != "" {
		for i := len(n.history) - 1; i >= 0; i-- {
			if n.history[i].ID == id && n.history[i].Status == CommandRunning {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		for i := len(n.history) - 1; i >= 0; i-- {
			if n.history[i].Status == CommandRunning {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		slog.Debug("completion event with no running command", slog.String("type", ev.Type))
		return
	}

	entry := &n.history[idx]
	output := ev.str("output")
	entry.Output = output

	if isFailureEvent(ev, output) {
		entry.Status = CommandError
	} else {
		entry.Status = CommandSuccess
	}

	if summary := ev.str("summary"); summary != "" {
		entry.Summary = summary
	} else {
		entry.Summary = deriveSummary(entry.Status, output)
	}
}

// isFailureEvent decides success/error for a completion event.
func isFailureEvent(ev AgentEvent, output string) bool {
	if status := ev.str("status"); status != "" {
		return status == "error" || status == "failed"
	}
	if ev.str("error") != "" {
		return true
	}
	lower := strings.ToLower(output)
	for _, marker := range []string{"error:", "command failed", "not found", "forbidden", "unable to connect"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// deriveSummary produces a one-line summary when the agent didn't supply
// one. List-style output (header row + items) is summarized by item
// count; everything else by its first line.
func deriveSummary(status CommandStatus, output string) string {
	if status == CommandError {
		return "command failed"
	}
	if strings.TrimSpace(output) == "" {
		return "completed"
	}
	lines := nonEmptyLines(output)
	if len(lines) > 1 && looksLikeHeader(lines[0]) {
		count := len(lines) - 1
		if count == 1 {
			return "1 item"
		}
		return strconv.Itoa(count) + " items"
	}
	first := lines[0]
	if len(first) > 80 {
		first = first[:77] + "..."
	}
	return first
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// looksLikeHeader detects kubectl-style table headers (all-caps columns).
func looksLikeHeader(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	for _, f := range fields {
		if f != strings.ToUpper(f) {
			return false
		}
	}
	return true
}

// inferPhaseKind guesses a phase kind from free-form progress text. This
// is a heuristic, not authoritative: later-phase keywords win so "analyzing
// the output of the running command" maps to analyzing, not executing.
func inferPhaseKind(message string) PhaseKind {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "error", "failed", "failure"):
		return PhaseError
	case containsAny(lower, "complete", "finished", "done"):
		return PhaseComplete
	case containsAny(lower, "analyzing", "analysis", "reviewing", "interpreting"):
		return PhaseAnalyzing
	case containsAny(lower, "executing", "running", "fetching", "checking"):
		return PhaseExecuting
	default:
		return PhasePlanning
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
