// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream normalizes the remote agent's push-event feed into a
// small Phase vocabulary and throttles it into a human-consumable progress
// signal.
package stream

import "time"

// PhaseKind is the coarse progress state shown to the caller.
type PhaseKind string

const (
	PhasePlanning  PhaseKind = "planning"
	PhaseExecuting PhaseKind = "executing"
	PhaseAnalyzing PhaseKind = "analyzing"
	PhaseComplete  PhaseKind = "complete"
	PhaseError     PhaseKind = "error"
)

// CommandStatus is the lifecycle state of one command in the history.
type CommandStatus string

const (
	CommandRunning CommandStatus = "running"
	CommandSuccess CommandStatus = "success"
	CommandError   CommandStatus = "error"
)

// CommandExecution records one command the remote agent ran.
//
// Thread Safety: CommandExecution is a value type; copies are safe.
type CommandExecution struct {
	// ID correlates start and completion events. Populated from the
	// event's correlation id when present, otherwise generated locally.
	ID string `json:"id"`

	// Command is the command text as reported by the agent.
	Command string `json:"command"`

	// Status transitions running -> success|error exactly once.
	Status CommandStatus `json:"status"`

	// Summary is a one-line outcome, supplied by the agent or derived
	// heuristically from the output.
	Summary string `json:"summary,omitempty"`

	// Output is the command output, when the agent supplied it.
	Output string `json:"output,omitempty"`

	// Timestamp is when the command started.
	Timestamp time.Time `json:"timestamp"`
}

// Phase is one progress snapshot emitted to the display surface.
//
// Thread Safety: Phase is a value type; copies are safe.
type Phase struct {
	Kind    PhaseKind `json:"kind"`
	Message string    `json:"message"`

	// CurrentStep names the step in flight, when known.
	CurrentStep string `json:"current_step,omitempty"`

	// StepsCompleted/TotalSteps report plan progress; zero when unknown.
	StepsCompleted int `json:"steps_completed,omitempty"`
	TotalSteps     int `json:"total_steps,omitempty"`

	// CommandHistory is the ordered record of agent commands so far.
	CommandHistory []CommandExecution `json:"command_history,omitempty"`

	// Suggestions carries follow-up suggestions on completion.
	Suggestions []string `json:"suggestions,omitempty"`
}

// AgentEvent is one raw event from the push feed: newline-delimited JSON
// objects {type, data?, message?}.
type AgentEvent struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// str pulls a string field out of an event payload.
func (e AgentEvent) str(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// num pulls an integer field out of an event payload. JSON numbers decode
// as float64.
func (e AgentEvent) num(key string) int {
	if v, ok := e.Data[key].(float64); ok {
		return int(v)
	}
	return 0
}

// strs pulls a string slice out of an event payload.
func (e AgentEvent) strs(key string) []string {
	raw, ok := e.Data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
