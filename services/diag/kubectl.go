// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diag

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// CommandRunner executes a binary with an argv slice and returns its
// combined output. Injectable so tests never spawn processes.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// KubectlProvider implements Provider by shelling out to kubectl.
//
// Description:
//
//	Every call builds an argv slice directly (never a shell string), runs
//	under a per-call timeout, and is admission-gated by a shared rate
//	limiter so one investigation round cannot hammer the apiserver. Only
//	read verbs are ever issued: get, describe, logs, top.
//
// Thread Safety: KubectlProvider is safe for concurrent use.
type KubectlProvider struct {
	binary     string
	kubeconfig string
	kubeCtx    string
	timeout    time.Duration
	limiter    *rate.Limiter
	run        CommandRunner
}

// KubectlOptions configures a KubectlProvider.
type KubectlOptions struct {
	// Binary is the kubectl executable. Defaults to "kubectl".
	Binary string

	// Kubeconfig is passed as --kubeconfig when non-empty.
	Kubeconfig string

	// Context is passed as --context when non-empty.
	Context string

	// Timeout bounds each call. Defaults to 20s.
	Timeout time.Duration

	// RequestsPerMinute caps calls against the apiserver. Zero disables
	// the limiter.
	RequestsPerMinute int

	// Runner overrides process execution (tests). Defaults to exec.
	Runner CommandRunner
}

// NewKubectlProvider creates a kubectl-backed diagnostic provider.
func NewKubectlProvider(opts KubectlOptions) *KubectlProvider {
	if opts.Binary == "" {
		opts.Binary = "kubectl"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Runner == nil {
		opts.Runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.RequestsPerMinute)
	}
	return &KubectlProvider{
		binary:     opts.Binary,
		kubeconfig: opts.Kubeconfig,
		kubeCtx:    opts.Context,
		timeout:    opts.Timeout,
		limiter:    limiter,
		run:        opts.Runner,
	}
}

// kubectl runs one kubectl invocation with the provider's global flags.
func (p *KubectlProvider) kubectl(ctx context.Context, args ...string) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("kubectl rate limit: %w", err)
		}
	}

	full := make([]string, 0, len(args)+4)
	if p.kubeconfig != "" {
		full = append(full, "--kubeconfig", p.kubeconfig)
	}
	if p.kubeCtx != "" {
		full = append(full, "--context", p.kubeCtx)
	}
	full = append(full, args...)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	slog.Debug("running kubectl", slog.String("args", strings.Join(args, " ")))
	out, err := p.run(ctx, p.binary, full...)
	output := strings.TrimSpace(string(out))
	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("kubectl timed out after %s", p.timeout)
	}
	if err != nil {
		// kubectl writes its diagnosis to stderr; the combined output is
		// the message the dispatcher classifies, so surface it verbatim.
		if output != "" {
			return "", fmt.Errorf("%s", output)
		}
		return "", err
	}
	return output, nil
}

func (p *KubectlProvider) namespaced(target Target, args ...string) []string {
	if target.Namespace != "" {
		return append(args, "-n", target.Namespace)
	}
	return args
}

// Manifest implements Provider.
func (p *KubectlProvider) Manifest(ctx context.Context, target Target) (string, error) {
	return p.kubectl(ctx, p.namespaced(target, "get", strings.ToLower(target.Kind), target.Name, "-o", "yaml")...)
}

// Events implements Provider.
func (p *KubectlProvider) Events(ctx context.Context, target Target) (string, error) {
	return p.kubectl(ctx, p.namespaced(target, "get", "events",
		"--field-selector", "involvedObject.name="+target.Name,
		"--sort-by", ".lastTimestamp")...)
}

// Logs implements Provider.
func (p *KubectlProvider) Logs(ctx context.Context, target Target, container string, previous bool) (string, error) {
	args := []string{"logs", target.Name, "--tail", "200"}
	if container != "" {
		args = append(args, "-c", container)
	}
	if previous {
		args = append(args, "--previous")
	}
	return p.kubectl(ctx, p.namespaced(target, args...)...)
}

// SiblingPods implements Provider.
//
// Wide get keeps restart counts and node placement visible, which is what
// sibling comparison is usually after.
func (p *KubectlProvider) SiblingPods(ctx context.Context, target Target) (string, error) {
	return p.kubectl(ctx, p.namespaced(target, "get", "pods", "-o", "wide")...)
}

// Owner implements Provider.
func (p *KubectlProvider) Owner(ctx context.Context, target Target) (string, error) {
	return p.kubectl(ctx, p.namespaced(target, "get", strings.ToLower(target.Kind), target.Name,
		"-o", "jsonpath={.metadata.ownerReferences}")...)
}

// ServiceEndpoints implements Provider.
func (p *KubectlProvider) ServiceEndpoints(ctx context.Context, target Target) (string, error) {
	services, err := p.kubectl(ctx, p.namespaced(target, "get", "services", "-o", "wide")...)
	if err != nil {
		return "", err
	}
	endpoints, err := p.kubectl(ctx, p.namespaced(target, "get", "endpoints")...)
	if err != nil {
		return "", err
	}
	return "SERVICES:\n" + services + "\n\nENDPOINTS:\n" + endpoints, nil
}

// Metrics implements Provider.
func (p *KubectlProvider) Metrics(ctx context.Context, target Target) (string, error) {
	return p.kubectl(ctx, p.namespaced(target, "top", "pod", target.Name, "--containers")...)
}

// List implements Provider.
func (p *KubectlProvider) List(ctx context.Context, target Target, kind string) (string, error) {
	return p.kubectl(ctx, p.namespaced(target, "get", strings.ToLower(kind), "-o", "wide")...)
}

// Describe implements Provider.
func (p *KubectlProvider) Describe(ctx context.Context, target Target, kind, name string) (string, error) {
	return p.kubectl(ctx, p.namespaced(target, "describe", strings.ToLower(kind), name)...)
}

// NodeInfo implements Provider.
func (p *KubectlProvider) NodeInfo(ctx context.Context, target Target) (string, error) {
	if target.Node == "" {
		return "", fmt.Errorf("node for %s %q is not known yet", target.Kind, target.Name)
	}
	return p.kubectl(ctx, "describe", "node", target.Node)
}

// Storage implements Provider.
func (p *KubectlProvider) Storage(ctx context.Context, target Target) (string, error) {
	return p.kubectl(ctx, p.namespaced(target, "get", "pvc")...)
}
