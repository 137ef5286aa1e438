// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"fmt"
	"time"
)

// UnreachableError indicates the inference endpoint could not be reached at
// the transport level (connection refused, DNS failure, timeout before any
// HTTP response). It is fatal for the investigation turn.
type UnreachableError struct {
	// Endpoint is the base URL that was dialed.
	Endpoint string

	// Err is the underlying transport error.
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("ollama: endpoint %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ModelMissingError indicates the endpoint is reachable but the requested
// model is not present. It is fatal for the investigation turn.
type ModelMissingError struct {
	// Model is the model that was requested.
	Model string

	// Endpoint is the base URL that answered.
	Endpoint string
}

func (e *ModelMissingError) Error() string {
	return fmt.Sprintf("ollama: model %q not found on %s", e.Model, e.Endpoint)
}

// EmptyResponseError indicates the endpoint returned HTTP 200 with no
// usable text. Treated as a model-transport failure because the loop has
// nothing to parse or to present.
type EmptyResponseError struct {
	Model        string
	MessageCount int
	Duration     time.Duration
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("ollama: model %q returned an empty response after %s (%d messages sent)",
		e.Model, e.Duration.Round(time.Millisecond), e.MessageCount)
}

// IsUnreachable reports whether err (or anything it wraps) is an
// UnreachableError.
func IsUnreachable(err error) bool {
	var target *UnreachableError
	return errors.As(err, &target)
}

// IsModelMissing reports whether err (or anything it wraps) is a
// ModelMissingError.
func IsModelMissing(err error) bool {
	var target *ModelMissingError
	return errors.As(err, &target)
}

// Guidance returns the canned remediation text shown to the user when a
// model-transport call fails and the investigation loop aborts.
//
// Description:
//
//	Classification is type-first (the client attaches typed errors based
//	on HTTP status and transport failures) so callers never have to parse
//	error strings. The returned text names the failure as an inference
//	problem, never as a problem with the investigated resource.
//
// Outputs:
//   - string: Human-readable remediation guidance. Empty for nil err.
func Guidance(err error) string {
	if err == nil {
		return ""
	}

	var unreachable *UnreachableError
	if errors.As(err, &unreachable) {
		return fmt.Sprintf("The AI backend at %s could not be reached, so the investigation "+
			"was stopped. Check that Ollama is running (`ollama serve`) and that the "+
			"configured endpoint is correct. Your cluster is unaffected; this is a local "+
			"inference problem.", unreachable.Endpoint)
	}

	var missing *ModelMissingError
	if errors.As(err, &missing) {
		return fmt.Sprintf("The AI backend is running but the model %q is not installed. "+
			"Pull it with `ollama pull %s` and try again. Your cluster is unaffected; "+
			"this is a local inference problem.", missing.Model, missing.Model)
	}

	return "The AI backend returned an unexpected error and the investigation was stopped. " +
		"Check the OpsPilot logs for details. Your cluster is unaffected; this is an " +
		"inference problem, not a cluster problem."
}

// ClassifyError maps a model-transport error to a low-cardinality label
// for metrics.
//
// Outputs:
//   - string: "unreachable", "model_missing", "empty_response", or
//     "unknown". Empty string for nil err.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnreachable(err):
		return "unreachable"
	case IsModelMissing(err):
		return "model_missing"
	default:
		var empty *EmptyResponseError
		if errors.As(err, &empty) {
			return "empty_response"
		}
		return "unknown"
	}
}
