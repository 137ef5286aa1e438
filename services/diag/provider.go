// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diag defines the read-only diagnostic-data collaborator the tool
// dispatcher calls on behalf of validated tool invocations, plus a
// kubectl-backed implementation.
package diag

import "context"

// Target identifies the resource an investigation is scoped to.
//
// Thread Safety: Target is a value type; copies are safe to share.
type Target struct {
	// Namespace the resource lives in. Empty for cluster-scoped targets.
	Namespace string `json:"namespace"`

	// Kind of the resource (Pod, Deployment, ...).
	Kind string `json:"kind"`

	// Name of the resource.
	Name string `json:"name"`

	// Node the target is scheduled on, when known. Used by node lookups.
	Node string `json:"node,omitempty"`
}

// Provider is the read-only diagnostic data source behind the tool
// dispatcher. Every method maps to exactly one diagnostic tool; none of
// them may mutate cluster state.
//
// Description:
//
//	Implementations surface failures as plain errors whose text is the
//	backend's own message; the dispatcher classifies error text into
//	remediation guidance, so messages should be passed through untouched.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Provider interface {
	// Manifest fetches the target's full manifest.
	Manifest(ctx context.Context, target Target) (string, error)

	// Events lists events involving the target.
	Events(ctx context.Context, target Target) (string, error)

	// Logs fetches container logs for the target pod. container may be
	// empty for single-container pods. previous selects the prior
	// instance's logs.
	Logs(ctx context.Context, target Target, container string, previous bool) (string, error)

	// SiblingPods lists pods that share the target's owner.
	SiblingPods(ctx context.Context, target Target) (string, error)

	// Owner resolves the target's owner reference chain.
	Owner(ctx context.Context, target Target) (string, error)

	// ServiceEndpoints checks services and endpoints selecting the target.
	ServiceEndpoints(ctx context.Context, target Target) (string, error)

	// Metrics fetches current resource usage for the target.
	Metrics(ctx context.Context, target Target) (string, error)

	// List lists resources of the given kind in the target's namespace.
	List(ctx context.Context, target Target, kind string) (string, error)

	// Describe describes one resource by kind and name in the target's
	// namespace.
	Describe(ctx context.Context, target Target, kind, name string) (string, error)

	// NodeInfo reports status and conditions for the target's node.
	NodeInfo(ctx context.Context, target Target) (string, error)

	// Storage checks PVCs mounted by the target.
	Storage(ctx context.Context, target Target) (string, error)
}
