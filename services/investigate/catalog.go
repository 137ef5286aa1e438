// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package investigate implements the autonomous tool-augmented
// investigation engine: the tool catalog and line grammar, the command
// parser, the tool dispatcher, the bounded orchestration loop, sessions,
// and the HTTP surface the dashboard frontend calls.
package investigate

import "strings"

// Line grammar shared by the parser and the catalog validator:
//
//	directive  = ToolToken SP identifier [ SP rest-of-line ]
//	identifier = UPPER { UPPER | DIGIT | "_" }
//
// The token is matched case-sensitively at the start of a line. Keeping
// the grammar here, next to the allow-list, is what stops the two from
// drifting apart.
const ToolToken = "TOOL:"

// isIdentByte reports whether b may appear in a tool identifier.
func isIdentByte(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

// isIdentStart reports whether b may start a tool identifier.
func isIdentStart(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// ToolSpec describes one diagnostic tool in the allow-list.
//
// Thread Safety: ToolSpec is immutable after catalog construction.
type ToolSpec struct {
	// Name is the identifier the model writes after the TOOL: token.
	Name string

	// MinArgs and MaxArgs bound the argument token count (0..2).
	MinArgs int
	MaxArgs int

	// ArgHint is the human-readable argument shape shown in the prompt,
	// e.g. "[container]" or "<kind> <name>". Empty for zero-arg tools.
	ArgHint string

	// Description tells the model what the tool does.
	Description string
}

// Catalog is the static registry of the fixed allow-list of diagnostic
// tools. All tools are read-only; the catalog is the single authority the
// dispatcher validates names against.
//
// Thread Safety: Catalog is immutable after construction.
type Catalog struct {
	order  []ToolSpec
	byName map[string]ToolSpec
}

// NewCatalog returns the default catalog of twelve read-only diagnostic
// tools.
func NewCatalog() *Catalog {
	specs := []ToolSpec{
		{Name: "MANIFEST", Description: "fetch the full manifest of the resource under investigation"},
		{Name: "EVENTS", Description: "list recent events involving the resource"},
		{Name: "LOGS", MaxArgs: 1, ArgHint: "[container]", Description: "fetch current logs (optionally from a named container)"},
		{Name: "PREVIOUS_LOGS", MaxArgs: 1, ArgHint: "[container]", Description: "fetch logs from the previous container instance (useful after restarts)"},
		{Name: "SIBLINGS", Description: "list pods that share the resource's owner, with status and placement"},
		{Name: "OWNER", Description: "resolve the resource's owner reference chain"},
		{Name: "SERVICE", Description: "check services and endpoints selecting the resource"},
		{Name: "METRICS", Description: "fetch current CPU and memory usage"},
		{Name: "LIST", MinArgs: 1, MaxArgs: 1, ArgHint: "<kind>", Description: "list resources of a kind in the namespace"},
		{Name: "DESCRIBE", MinArgs: 2, MaxArgs: 2, ArgHint: "<kind> <name>", Description: "describe one resource by kind and name"},
		{Name: "NODE", Description: "report status and conditions of the node the resource runs on"},
		{Name: "STORAGE", Description: "check persistent volume claims in the namespace"},
	}
	byName := make(map[string]ToolSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	return &Catalog{order: specs, byName: byName}
}

// Lookup returns the spec for name and whether it is in the allow-list.
func (c *Catalog) Lookup(name string) (ToolSpec, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Names returns the tool names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	for i, s := range c.order {
		out[i] = s.Name
	}
	return out
}

// Specs returns the specs in catalog order.
func (c *Catalog) Specs() []ToolSpec {
	out := make([]ToolSpec, len(c.order))
	copy(out, c.order)
	return out
}

// PromptBlock renders the catalog as the tool section of the system
// prompt, one line per tool in the exact grammar the parser accepts.
func (c *Catalog) PromptBlock() string {
	var b strings.Builder
	for _, s := range c.order {
		b.WriteString(ToolToken)
		b.WriteByte(' ')
		b.WriteString(s.Name)
		if s.ArgHint != "" {
			b.WriteByte(' ')
			b.WriteString(s.ArgHint)
		}
		b.WriteString(" — ")
		b.WriteString(s.Description)
		b.WriteByte('\n')
	}
	return b.String()
}
