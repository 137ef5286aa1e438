// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package investigate

import (
	"fmt"
	"strings"

	"github.com/ankitjain91/opspilot-sub004/services/diag"
)

const systemPromptPreamble = `You are a Kubernetes investigation assistant. You diagnose one resource at a time using a fixed set of read-only diagnostic tools. You never modify the cluster.

To run a tool, write a line in exactly this form, one tool per line:

  TOOL: NAME arguments

Tool lines must start at the beginning of a line. You may request several tools in one reply; they run in order and all results come back together. When you have enough evidence, reply with your diagnosis in plain prose and no tool lines. Do not invent tools that are not listed below.`

// buildSystemPrompt renders the fixed preamble, the target context, and
// the tool catalog into the system message for a session.
func buildSystemPrompt(target diag.Target, catalog *Catalog) string {
	var b strings.Builder
	b.WriteString(systemPromptPreamble)
	b.WriteString("\n\nResource under investigation:\n")
	fmt.Fprintf(&b, "  namespace: %s\n", target.Namespace)
	fmt.Fprintf(&b, "  kind: %s\n", target.Kind)
	fmt.Fprintf(&b, "  name: %s\n", target.Name)
	if target.Node != "" {
		fmt.Fprintf(&b, "  node: %s\n", target.Node)
	}
	b.WriteString("\nAvailable tools:\n")
	b.WriteString(catalog.PromptBlock())
	return b.String()
}

// renderCombinedResults folds the outcomes of one execution round into a
// single block the loop hands back to the model as the next user turn.
// Failures are included verbatim so the model can adjust instead of
// repeating the same broken call.
func renderCombinedResults(outcomes []Outcome) string {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for i, o := range outcomes {
		fmt.Fprintf(&b, "\n--- [%d] %s", i+1, o.Tool)
		if o.Status != OutcomeSuccess {
			fmt.Fprintf(&b, " (%s)", o.Status)
		}
		b.WriteString(" ---\n")
		switch o.Status {
		case OutcomeSuccess:
			b.WriteString(o.Output)
			if o.Truncated {
				b.WriteString("\n(note: output was truncated)")
			}
		default:
			b.WriteString(o.Summary)
			if o.Output != "" {
				b.WriteString("\nraw error: ")
				b.WriteString(o.Output)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("\nContinue the investigation, or give your diagnosis with no tool lines if you have enough evidence.")
	return b.String()
}
