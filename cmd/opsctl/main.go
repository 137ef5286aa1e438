// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// opsctl is the terminal client for an opspilot server: run one-shot
// investigations and follow the live phase stream.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ankitjain91/opspilot-sub004/services/stream"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "client for the opspilot investigation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "opspilot server base URL")
	root.AddCommand(newInvestigateCmd(), newWatchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "opsctl:", err)
		os.Exit(1)
	}
}

func newInvestigateCmd() *cobra.Command {
	var (
		namespace string
		kind      string
		node      string
	)
	cmd := &cobra.Command{
		Use:   "investigate <name> <question>",
		Short: "run one investigation against a resource",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			question := strings.Join(args[1:], " ")
			return runInvestigation(cmd.Context(), namespace, kind, name, node, question)
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "resource namespace")
	cmd.Flags().StringVarP(&kind, "kind", "k", "Pod", "resource kind")
	cmd.Flags().StringVar(&node, "node", "", "node the resource runs on, if known")
	return cmd
}

func runInvestigation(ctx context.Context, namespace, kind, name, node, question string) error {
	client := &http.Client{Timeout: 10 * time.Minute}

	var created struct {
		SessionID string `json:"session_id"`
	}
	err := postJSON(ctx, client, serverURL+"/v1/investigate/sessions", map[string]string{
		"namespace": namespace,
		"kind":      kind,
		"name":      name,
		"node":      node,
	}, &created)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer func() {
		req, _ := http.NewRequest(http.MethodDelete, serverURL+"/v1/investigate/sessions/"+created.SessionID, nil)
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	fmt.Fprintf(os.Stderr, "investigating %s/%s %s ...\n", namespace, strings.ToLower(kind), name)

	var result struct {
		State          string                    `json:"state"`
		Response       string                    `json:"response"`
		FailureKind    string                    `json:"failure_kind"`
		ToolCalls      int                       `json:"tool_calls"`
		CommandHistory []stream.CommandExecution `json:"command_history"`
	}
	err = postJSON(ctx, client, serverURL+"/v1/investigate/sessions/"+created.SessionID+"/run",
		map[string]string{"query": question}, &result)
	if err != nil {
		return fmt.Errorf("running investigation: %w", err)
	}

	for _, ce := range result.CommandHistory {
		fmt.Fprintf(os.Stderr, "  [%s] %s\n", ce.Status, ce.Command)
	}
	fmt.Println(result.Response)
	if result.State == "aborted" {
		return fmt.Errorf("investigation aborted (%s)", result.FailureKind)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "follow the live investigation phase stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchStream(ctx)
		},
	}
}

func watchStream(ctx context.Context) error {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/v1/investigate/stream"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return fmt.Errorf("the server has no agent feed configured")
		}
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var phase stream.Phase
		if err := conn.ReadJSON(&phase); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream read: %w", err)
		}
		printPhase(phase)
		if phase.Kind == stream.PhaseComplete || phase.Kind == stream.PhaseError {
			return nil
		}
	}
}

func printPhase(p stream.Phase) {
	ts := time.Now().Format("15:04:05")
	if p.TotalSteps > 0 {
		fmt.Printf("%s  %-10s %s (%d/%d)\n", ts, p.Kind, p.Message, p.StepsCompleted, p.TotalSteps)
	} else {
		fmt.Printf("%s  %-10s %s\n", ts, p.Kind, p.Message)
	}
	for _, s := range p.Suggestions {
		fmt.Printf("           suggestion: %s\n", s)
	}
}
