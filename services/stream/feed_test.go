// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// =============================================================================
// Reader Feed Tests
// =============================================================================

func TestReaderFeed_ConsumesNDJSONUntilDone(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"planning","message":"making a plan"}`,
		`{"type":"command_start","data":{"id":"c1","command":"kubectl get pods"}}`,
		`{"type":"command_complete","data":{"id":"c1","summary":"3 pods"}}`,
		`{"type":"done","message":"all done","data":{"suggestions":["check image tag"]}}`,
		`{"type":"planning","message":"should never be reached"}`,
	}, "\n")

	c := &phaseCollector{}
	norm := NewNormalizer(time.Nanosecond, c.sink)
	feed := NewReaderFeed(strings.NewReader(input), norm)

	if err := feed.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	got := c.snapshot()
	if len(got) == 0 {
		t.Fatal("expected phases from the feed")
	}
	last := got[len(got)-1]
	if last.Kind != PhaseComplete {
		t.Errorf("stream should end on the done event, last phase %s", last.Kind)
	}
	for _, p := range got {
		if p.Message == "should never be reached" {
			t.Error("events after done must not be consumed")
		}
	}
	if len(norm.History()) != 1 {
		t.Errorf("expected one command in history, got %d", len(norm.History()))
	}
}

func TestReaderFeed_TerminalPhaseSurvivesRealThrottleWindow(t *testing.T) {
	// With the production window, the done event follows planning well
	// inside 500ms. The run must still end with a complete phase; it is
	// the whole stream's single terminal value.
	input := `{"type":"planning","message":"making a plan"}` + "\n" +
		`{"type":"done","message":"all done"}` + "\n"

	c := &phaseCollector{}
	norm := NewNormalizer(DefaultThrottleWindow, c.sink)
	feed := NewReaderFeed(strings.NewReader(input), norm)

	if err := feed.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got := c.snapshot()
	if len(got) == 0 {
		t.Fatal("expected phases from the feed")
	}
	if got[len(got)-1].Kind != PhaseComplete {
		t.Fatalf("consumer saw %d phase(s), last kind %q; stream must end on complete",
			len(got), got[len(got)-1].Kind)
	}
}

func TestReaderFeed_MalformedLinesSkipped(t *testing.T) {
	input := "not json at all\n" +
		`{"type":"planning","message":"ok"}` + "\n" +
		`{"type":"done"}` + "\n"

	c := &phaseCollector{}
	norm := NewNormalizer(time.Nanosecond, c.sink)
	feed := NewReaderFeed(strings.NewReader(input), norm)

	if err := feed.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(c.snapshot()) == 0 {
		t.Fatal("valid events after a malformed line should still flow")
	}
}

// =============================================================================
// WebSocket Feed Tests
// =============================================================================

// newFeedServer upgrades and plays the given frames, then closes cleanly.
func newFeedServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
}

func TestWebsocketFeed_EndToEnd(t *testing.T) {
	srv := newFeedServer(t, []string{
		`{"type":"supervisor","message":"planning the investigation"}`,
		`{"type":"command_start","data":{"id":"x","command":"kubectl describe pod my-app"}}`,
		`{"type":"command_complete","data":{"id":"x","output":"Name: my-app"}}`,
		`{"type":"done","message":"finished"}`,
	})
	defer srv.Close()

	c := &phaseCollector{}
	norm := NewNormalizer(time.Nanosecond, c.sink)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed, err := DialFeed(context.Background(), wsURL, norm)
	if err != nil {
		t.Fatalf("DialFeed failed: %v", err)
	}

	if err := feed.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	got := c.snapshot()
	if len(got) == 0 {
		t.Fatal("expected phases over websocket")
	}
	if got[len(got)-1].Kind != PhaseComplete {
		t.Errorf("expected terminal complete phase, got %s", got[len(got)-1].Kind)
	}
	history := norm.History()
	if len(history) != 1 || history[0].Status != CommandSuccess {
		t.Errorf("command history not accumulated over websocket: %+v", history)
	}
}

func TestWebsocketFeed_TransportFailureEmitsErrorPhase(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"planning","message":"hi"}`))
		// Drop the connection without a close frame.
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	c := &phaseCollector{}
	norm := NewNormalizer(time.Nanosecond, c.sink)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed, err := DialFeed(context.Background(), wsURL, norm)
	if err != nil {
		t.Fatalf("DialFeed failed: %v", err)
	}

	if err := feed.Run(context.Background()); err == nil {
		t.Fatal("expected transport error from abrupt close")
	}

	time.Sleep(20 * time.Millisecond)
	got := c.snapshot()
	if len(got) == 0 || got[len(got)-1].Kind != PhaseError {
		t.Fatalf("expected terminal error phase after transport failure, got %+v", got)
	}
}

func TestFeed_ContextCancellationReleasesResources(t *testing.T) {
	// A server that keeps the stream open forever.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Block until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := &phaseCollector{}
	norm := NewNormalizer(time.Nanosecond, c.sink)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed, err := DialFeed(context.Background(), wsURL, norm)
	if err != nil {
		t.Fatalf("DialFeed failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancellation should end the feed cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not unblock on context cancellation")
	}
}
