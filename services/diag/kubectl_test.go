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
	"strings"
	"testing"
	"time"
)

// fakeRunner records every invocation and replays canned output.
type fakeRunner struct {
	calls  [][]string
	output string
	err    error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	return []byte(f.output), f.err
}

func newTestProvider(f *fakeRunner) *KubectlProvider {
	return NewKubectlProvider(KubectlOptions{Runner: f.run, Timeout: time.Second})
}

var testTarget = Target{Namespace: "default", Kind: "Pod", Name: "my-app", Node: "node-1"}

func TestKubectlProvider_ManifestArgs(t *testing.T) {
	f := &fakeRunner{output: "apiVersion: v1\nkind: Pod"}
	p := newTestProvider(f)

	out, err := p.Manifest(context.Background(), testTarget)
	if err != nil {
		t.Fatalf("Manifest returned error: %v", err)
	}
	if out != "apiVersion: v1\nkind: Pod" {
		t.Errorf("unexpected output: %q", out)
	}
	want := []string{"kubectl", "get", "pod", "my-app", "-o", "yaml", "-n", "default"}
	got := f.calls[0]
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("argv mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestKubectlProvider_LogsArgs(t *testing.T) {
	f := &fakeRunner{output: "line"}
	p := newTestProvider(f)

	if _, err := p.Logs(context.Background(), testTarget, "sidecar", true); err != nil {
		t.Fatalf("Logs returned error: %v", err)
	}
	argv := strings.Join(f.calls[0], " ")
	for _, part := range []string{"logs my-app", "-c sidecar", "--previous", "-n default"} {
		if !strings.Contains(argv, part) {
			t.Errorf("argv %q missing %q", argv, part)
		}
	}
}

func TestKubectlProvider_ReadOnlyVerbs(t *testing.T) {
	f := &fakeRunner{output: "ok"}
	p := newTestProvider(f)
	ctx := context.Background()

	p.Manifest(ctx, testTarget)
	p.Events(ctx, testTarget)
	p.Logs(ctx, testTarget, "", false)
	p.SiblingPods(ctx, testTarget)
	p.Owner(ctx, testTarget)
	p.ServiceEndpoints(ctx, testTarget)
	p.Metrics(ctx, testTarget)
	p.List(ctx, testTarget, "Deployment")
	p.Describe(ctx, testTarget, "ConfigMap", "app-config")
	p.NodeInfo(ctx, testTarget)
	p.Storage(ctx, testTarget)

	allowed := map[string]bool{"get": true, "describe": true, "logs": true, "top": true}
	for _, call := range f.calls {
		// call[0] is the binary; the verb is the first non-flag arg after it.
		verb := ""
		for _, a := range call[1:] {
			if !strings.HasPrefix(a, "-") {
				verb = a
				break
			}
		}
		if !allowed[verb] {
			t.Errorf("non-read-only verb issued: %v", call)
		}
	}
}

func TestKubectlProvider_ErrorSurfacesBackendMessage(t *testing.T) {
	f := &fakeRunner{
		output: `error: container "web" is not valid for pod my-app`,
		err:    fmt.Errorf("exit status 1"),
	}
	p := newTestProvider(f)

	_, err := p.Logs(context.Background(), testTarget, "web", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "not valid for pod my-app") {
		t.Errorf("backend message not surfaced verbatim: %v", err)
	}
}

func TestKubectlProvider_NodeInfoRequiresNode(t *testing.T) {
	f := &fakeRunner{output: "ok"}
	p := newTestProvider(f)

	_, err := p.NodeInfo(context.Background(), Target{Namespace: "default", Kind: "Pod", Name: "my-app"})
	if err == nil {
		t.Fatal("expected error when node is unknown")
	}
	if len(f.calls) != 0 {
		t.Error("no kubectl call should be made when node is unknown")
	}
}

func TestKubectlProvider_GlobalFlags(t *testing.T) {
	f := &fakeRunner{output: "ok"}
	p := NewKubectlProvider(KubectlOptions{
		Runner:     f.run,
		Kubeconfig: "/tmp/kc",
		Context:    "staging",
	})
	p.Manifest(context.Background(), testTarget)

	argv := strings.Join(f.calls[0], " ")
	if !strings.Contains(argv, "--kubeconfig /tmp/kc") || !strings.Contains(argv, "--context staging") {
		t.Errorf("global flags missing from argv: %q", argv)
	}
}

func TestKubectlProvider_RateLimiterHonorsContext(t *testing.T) {
	f := &fakeRunner{output: "ok"}
	p := NewKubectlProvider(KubectlOptions{Runner: f.run, RequestsPerMinute: 1})

	// First call consumes the burst; the second must wait ~60s and should
	// instead fail fast when the context is already expired.
	if _, err := p.Manifest(context.Background(), testTarget); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Manifest(ctx, testTarget); err == nil {
		t.Fatal("expected rate-limited call to fail under expired context")
	}
	if len(f.calls) != 1 {
		t.Errorf("rate-limited call should not reach kubectl, got %d calls", len(f.calls))
	}
}
