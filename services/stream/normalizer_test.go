// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"errors"
	"testing"
	"time"
)

// newTestNormalizer uses a tiny window so throttling never hides emissions
// in these sequential tests.
func newTestNormalizer() (*Normalizer, *phaseCollector) {
	c := &phaseCollector{}
	n := NewNormalizer(time.Nanosecond, c.sink)
	return n, c
}

// =============================================================================
// Event Mapping Tests
// =============================================================================

func TestNormalizer_MappingTable(t *testing.T) {
	cases := []struct {
		eventType string
		want      PhaseKind
	}{
		{"planning", PhasePlanning},
		{"supervisor", PhasePlanning},
		{"executing", PhaseExecuting},
		{"tool_call", PhaseExecuting},
		{"command", PhaseExecuting},
		{"analyzing", PhaseAnalyzing},
		{"reflection", PhaseAnalyzing},
		{"synthesizing", PhaseAnalyzing},
		{"kb_search", PhaseAnalyzing},
		{"plan_decision", PhaseAnalyzing},
	}
	for _, tc := range cases {
		n, c := newTestNormalizer()
		n.Handle(AgentEvent{Type: tc.eventType, Message: "m"})
		time.Sleep(10 * time.Millisecond)
		got := c.snapshot()
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 emission, got %d", tc.eventType, len(got))
		}
		if got[0].Kind != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.eventType, tc.want, got[0].Kind)
		}
		n.Close()
	}
}

func TestNormalizer_DebugAndInternalSuppressed(t *testing.T) {
	n, c := newTestNormalizer()
	defer n.Close()

	n.Handle(AgentEvent{Type: "debug", Message: "noisy"})
	n.Handle(AgentEvent{Type: "internal", Message: "noisier"})
	time.Sleep(10 * time.Millisecond)

	if got := c.snapshot(); len(got) != 0 {
		t.Fatalf("debug/internal events must not emit, got %d", len(got))
	}
}

func TestNormalizer_PlanProgress(t *testing.T) {
	n, c := newTestNormalizer()
	defer n.Close()

	n.Handle(AgentEvent{Type: "plan_progress", Message: "step 2 of 5", Data: map[string]any{
		"steps_completed": float64(2),
		"total_steps":     float64(5),
		"current_step":    "checking logs",
	}})
	time.Sleep(10 * time.Millisecond)

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(got))
	}
	p := got[0]
	if p.Kind != PhaseExecuting || p.StepsCompleted != 2 || p.TotalSteps != 5 || p.CurrentStep != "checking logs" {
		t.Errorf("plan progress payload not propagated: %+v", p)
	}
}

func TestNormalizer_DoneCarriesSuggestions(t *testing.T) {
	n, c := newTestNormalizer()
	defer n.Close()

	n.Handle(AgentEvent{Type: "done", Message: "investigation complete", Data: map[string]any{
		"suggestions": []any{"restart the pod", "check the image tag"},
	}})
	time.Sleep(10 * time.Millisecond)

	got := c.snapshot()
	if len(got) != 1 || got[0].Kind != PhaseComplete {
		t.Fatalf("expected one complete phase, got %+v", got)
	}
	if len(got[0].Suggestions) != 2 {
		t.Errorf("suggestions not propagated: %+v", got[0].Suggestions)
	}
}

func TestNormalizer_ProgressKeywordInference(t *testing.T) {
	cases := []struct {
		message string
		want    PhaseKind
	}{
		{"running kubectl get pods", PhaseExecuting},
		{"analyzing the collected events", PhaseAnalyzing},
		{"something failed badly", PhaseError},
		{"all finished", PhaseComplete},
		{"thinking about what to do", PhasePlanning},
		{"analyzing the running command output", PhaseAnalyzing},
	}
	for _, tc := range cases {
		if got := inferPhaseKind(tc.message); got != tc.want {
			t.Errorf("inferPhaseKind(%q) = %s, want %s", tc.message, got, tc.want)
		}
	}
}

// =============================================================================
// Command-History Tests
// =============================================================================

func TestNormalizer_CommandLifecycle(t *testing.T) {
	n, _ := newTestNormalizer()
	defer n.Close()

	n.Handle(AgentEvent{Type: "command_start", Message: "running", Data: map[string]any{
		"command": "kubectl get pods",
	}})

	history := n.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].Status != CommandRunning {
		t.Fatalf("expected running status, got %s", history[0].Status)
	}

	n.Handle(AgentEvent{Type: "command_complete", Data: map[string]any{
		"output": "NAME READY STATUS\nmy-app 1/1 Running\nother 0/1 Pending",
	}})

	history = n.History()
	if history[0].Status != CommandSuccess {
		t.Fatalf("expected success status, got %s", history[0].Status)
	}
	if history[0].Summary != "2 items" {
		t.Errorf("expected derived summary \"2 items\", got %q", history[0].Summary)
	}
}

func TestNormalizer_CorrelationIDMatching(t *testing.T) {
	n, _ := newTestNormalizer()
	defer n.Close()

	// Two overlapping commands; completion arrives out of order. The id
	// match must resolve the right entry, not the most recent one.
	n.Handle(AgentEvent{Type: "command_start", Data: map[string]any{"id": "a", "command": "kubectl get events"}})
	n.Handle(AgentEvent{Type: "command_start", Data: map[string]any{"id": "b", "command": "kubectl logs my-app"}})

	n.Handle(AgentEvent{Type: "command_complete", Data: map[string]any{"id": "a", "summary": "12 events"}})

	history := n.History()
	if history[0].Status != CommandSuccess || history[0].Summary != "12 events" {
		t.Errorf("entry a not resolved by id: %+v", history[0])
	}
	if history[1].Status != CommandRunning {
		t.Errorf("entry b should still be running: %+v", history[1])
	}
}

func TestNormalizer_PositionalFallback(t *testing.T) {
	n, _ := newTestNormalizer()
	defer n.Close()

	// No correlation ids: the most recently started running entry wins.
	n.Handle(AgentEvent{Type: "command_start", Data: map[string]any{"command": "first"}})
	n.Handle(AgentEvent{Type: "command_start", Data: map[string]any{"command": "second"}})
	n.Handle(AgentEvent{Type: "tool_result", Data: map[string]any{"status": "error", "error": "exit 1"}})

	history := n.History()
	if history[1].Status != CommandError {
		t.Errorf("most-recent-running entry should be resolved, got %+v", history[1])
	}
	if history[1].Summary != "command failed" {
		t.Errorf("expected failure summary, got %q", history[1].Summary)
	}
	if history[0].Status != CommandRunning {
		t.Errorf("older entry should be untouched, got %+v", history[0])
	}
}

func TestNormalizer_FailureDetectionFromOutput(t *testing.T) {
	n, _ := newTestNormalizer()
	defer n.Close()

	n.Handle(AgentEvent{Type: "command_start", Data: map[string]any{"command": "kubectl get pod nope"}})
	n.Handle(AgentEvent{Type: "command_complete", Data: map[string]any{
		"output": `Error: pods "nope" not found`,
	}})

	history := n.History()
	if history[0].Status != CommandError {
		t.Errorf("failure substring in output should mark entry error, got %s", history[0].Status)
	}
}

func TestNormalizer_HistoryRecordsEveryEventDespiteThrottling(t *testing.T) {
	c := &phaseCollector{}
	n := NewNormalizer(time.Hour, c.sink) // window so wide only the leading emission passes
	defer n.Close()

	for i := 0; i < 5; i++ {
		n.Handle(AgentEvent{Type: "command_start", Data: map[string]any{"command": "cmd"}})
		n.Handle(AgentEvent{Type: "command_complete", Data: map[string]any{"summary": "ok"}})
	}

	if got := len(n.History()); got != 5 {
		t.Fatalf("history must record every command regardless of throttling, got %d", got)
	}
	if emitted := len(c.snapshot()); emitted != 1 {
		t.Fatalf("throttler should have allowed exactly the leading emission, got %d", emitted)
	}
}

// =============================================================================
// Terminal Tests
// =============================================================================

func TestNormalizer_DoneInsideThrottleWindowStillEmits(t *testing.T) {
	// A done event right after another emission lands inside the throttle
	// window. It must reach the consumer anyway; coalescing it into a
	// pending value that teardown then discards would end the stream with
	// no terminal phase.
	c := &phaseCollector{}
	n := NewNormalizer(time.Hour, c.sink)
	defer n.Close()

	n.Handle(AgentEvent{Type: "planning", Message: "starting"})
	n.Handle(AgentEvent{Type: "done", Message: "finished", Data: map[string]any{
		"suggestions": []any{"raise the memory limit"},
	}})

	got := c.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 emissions, got %d", len(got))
	}
	last := got[len(got)-1]
	if last.Kind != PhaseComplete {
		t.Fatalf("terminal complete phase lost to throttling, got %s", last.Kind)
	}
	if len(last.Suggestions) != 1 {
		t.Errorf("suggestions lost with the terminal phase: %+v", last.Suggestions)
	}
}

func TestNormalizer_ErrorEventInsideThrottleWindowStillEmits(t *testing.T) {
	c := &phaseCollector{}
	n := NewNormalizer(time.Hour, c.sink)
	defer n.Close()

	n.Handle(AgentEvent{Type: "planning", Message: "starting"})
	n.Handle(AgentEvent{Type: "error", Data: map[string]any{"error": "agent crashed"}})

	got := c.snapshot()
	if len(got) != 2 || got[len(got)-1].Kind != PhaseError {
		t.Fatalf("terminal error phase lost to throttling: %+v", got)
	}
}

func TestNormalizer_FailEmitsTerminalErrorPhase(t *testing.T) {
	c := &phaseCollector{}
	n := NewNormalizer(time.Hour, c.sink)

	n.Handle(AgentEvent{Type: "command_start", Data: map[string]any{"command": "kubectl get pods"}})
	n.Fail(errors.New("connection reset"))

	got := c.snapshot()
	last := got[len(got)-1]
	if last.Kind != PhaseError {
		t.Fatalf("expected terminal error phase, got %s", last.Kind)
	}
	if len(last.CommandHistory) != 1 {
		t.Errorf("terminal phase should carry the accumulated history")
	}

	// After Fail the stream is closed; further events are dropped.
	n.Handle(AgentEvent{Type: "planning", Message: "late"})
	if len(c.snapshot()) != len(got) {
		t.Error("events after Fail must not emit")
	}
}
