// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm contains the model-inference collaborator used by the
// investigation engine: shared message types, the Ollama chat client, and
// the fatal-error taxonomy for model-transport failures.
package llm

import "context"

// Message roles. Tool messages record diagnostic-tool outcomes in the
// transcript; they are never sent to the model as conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in an investigation transcript.
//
// Description:
//
//	Messages are owned by the transcript that contains them and are
//	immutable once appended. Tool messages additionally carry the tool
//	name and the human-readable command the dispatcher executed.
//
// Thread Safety: Message is a value type; copies are safe to share.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant, RoleTool.
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// ToolName is set on tool messages only.
	ToolName string `json:"tool_name,omitempty"`

	// Command is the transport-command equivalent for tool messages
	// (e.g. "kubectl logs my-app -n default"). Empty when no call was made.
	Command string `json:"command,omitempty"`
}

// GenerationParams holds provider options for a single chat request.
//
// Nil pointer fields are omitted from the request so the endpoint's own
// defaults apply.
type GenerationParams struct {
	// Temperature controls randomness (0.0-1.0).
	Temperature *float64

	// MaxTokens limits the response length (num_predict for Ollama).
	MaxTokens *int

	// NumCtx sets the context window size (Ollama-specific).
	NumCtx *int

	// KeepAlive controls model VRAM lifetime (Ollama-specific).
	KeepAlive string

	// Stop lists stop sequences.
	Stop []string
}

// ChatClient is the minimal interface the orchestrator needs from a
// model-inference backend.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ChatClient interface {
	// Chat sends messages and returns the assistant's response text.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}
