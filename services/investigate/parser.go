// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package investigate

import "strings"

// Invocation is one tool directive extracted from a model reply. RawArgs
// is everything after the identifier, untrimmed of interior content; the
// dispatcher sanitizes and validates it against the catalog.
type Invocation struct {
	Name    string
	RawArgs string
}

// ParseInvocations scans a model reply for tool directives.
//
// Description:
//
//	A directive is a line whose first non-blank text is the TOOL: token,
//	matched case-sensitively, followed by an identifier of uppercase
//	letters, digits, and underscores, then optionally a single space and
//	the argument text. Lines are scanned in order and every match is
//	returned; prose before, between, or after directives is ignored.
//	A line where the token appears mid-sentence is prose, not a
//	directive. Name validity against the catalog is NOT checked here;
//	an unknown identifier still parses, so the dispatcher can report it
//	as an invalid tool rather than silently dropping it.
//
// Outputs:
//   - []Invocation: directives in reply order; nil when the reply has none.
func ParseInvocations(reply string) []Invocation {
	var out []Invocation
	for _, line := range strings.Split(reply, "\n") {
		inv, ok := parseLine(line)
		if !ok {
			continue
		}
		out = append(out, inv)
	}
	return out
}

// parseLine matches a single line against the directive grammar.
func parseLine(line string) (Invocation, bool) {
	s := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(s, ToolToken) {
		return Invocation{}, false
	}
	s = s[len(ToolToken):]

	// Exactly the grammar: token, space(s), identifier. A missing space
	// ("TOOL:LOGS") or a lowercase name is prose.
	trimmed := strings.TrimLeft(s, " ")
	if trimmed == s || trimmed == "" || !isIdentStart(trimmed[0]) {
		return Invocation{}, false
	}

	i := 0
	for i < len(trimmed) && isIdentByte(trimmed[i]) {
		i++
	}
	name := trimmed[:i]
	rest := trimmed[i:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		// Identifier runs into junk ("TOOL: LOGS?x"): not a directive.
		return Invocation{}, false
	}
	return Invocation{Name: name, RawArgs: strings.TrimSpace(rest)}, true
}
