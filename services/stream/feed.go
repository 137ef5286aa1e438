// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Feed consumes the remote agent's push-event stream and drives a
// Normalizer. Two transports exist: a websocket connection to a remote
// agent process, and a plain reader for agents piped over stdout (and for
// tests).
//
// Resource discipline: Close releases the connection and the normalizer's
// throttling timer together. Leaking either causes stale updates or an
// indefinitely open connection.
//
// Thread Safety: Run must be called once; Close may be called from any
// goroutine.
type Feed struct {
	norm *Normalizer
	conn *websocket.Conn
	r    io.Reader

	closeOnce sync.Once
}

// DialFeed connects to a remote agent's websocket event stream.
func DialFeed(ctx context.Context, url string, norm *Normalizer) (*Feed, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing agent feed %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing agent feed %s: %w", url, err)
	}
	return &Feed{norm: norm, conn: conn}, nil
}

// NewReaderFeed wraps a newline-delimited JSON stream.
func NewReaderFeed(r io.Reader, norm *Normalizer) *Feed {
	return &Feed{norm: norm, r: r}
}

// Run consumes events until the stream ends.
//
// Description:
//
//	A `done` or `error` event ends the stream normally (the normalizer
//	has already emitted the terminal phase). Transport failure is routed
//	through Normalizer.Fail so the consumer sees exactly one terminal
//	error phase. No artificial idle timeout is imposed; the source's own
//	close is the only end-of-stream signal. Cancellation of ctx closes
//	the transport to unblock the read loop.
//
// Outputs:
//   - error: Non-nil only for transport failures; a clean terminal event
//     returns nil.
func (f *Feed) Run(ctx context.Context) error {
	defer f.Close()

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	// Reads on both transports block without a context; closing the
	// underlying transport is the only way to interrupt them.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			f.Close()
			return ctx.Err()
		case <-done:
			return nil
		}
	})

	g.Go(func() error {
		defer close(done)
		err := f.consume()
		if err != nil && ctx.Err() == nil {
			f.norm.Fail(err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// consume runs the transport-specific read loop.
func (f *Feed) consume() error {
	if f.conn != nil {
		return f.consumeWebsocket()
	}
	return f.consumeReader()
}

func (f *Feed) consumeWebsocket() error {
	for {
		_, payload, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("agent feed read: %w", err)
		}
		if terminal := f.dispatch(payload); terminal {
			return nil
		}
	}
}

func (f *Feed) consumeReader() error {
	scanner := bufio.NewScanner(f.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if terminal := f.dispatch(line); terminal {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent feed read: %w", err)
	}
	return nil
}

// dispatch parses one raw line and feeds the normalizer. Returns true when
// the event terminates the stream.
func (f *Feed) dispatch(payload []byte) bool {
	var ev AgentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Debug("skipping malformed agent event", slog.String("error", err.Error()))
		return false
	}
	f.norm.Handle(ev)
	return ev.Type == "done" || ev.Type == "error"
}

// Close tears down the transport and the normalizer together. Safe to call
// more than once.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		if f.conn != nil {
			f.conn.Close()
		}
		if c, ok := f.r.(io.Closer); ok {
			c.Close()
		}
		f.norm.Close()
	})
}
