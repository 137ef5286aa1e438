// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package investigate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ankitjain91/opspilot-sub004/services/diag"
	"github.com/ankitjain91/opspilot-sub004/services/stream"
)

// Loop is the orchestration surface the handlers drive. It exists so the
// HTTP layer can be tested without a model.
type Loop interface {
	Run(ctx context.Context, session *Session, query string) (*RunResult, error)
}

// Handlers carries the HTTP handlers for the investigation API.
type Handlers struct {
	loop     Loop
	sessions *Manager
	logger   *slog.Logger

	// feedURL is the remote agent's push-event stream; empty disables the
	// stream proxy endpoint.
	feedURL  string
	window   time.Duration
	upgrader websocket.Upgrader
}

// NewHandlers wires the investigation API handlers. window <= 0 selects
// the default phase throttle window.
func NewHandlers(loop Loop, sessions *Manager, feedURL string, window time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = stream.DefaultThrottleWindow
	}
	return &Handlers{
		loop:     loop,
		sessions: sessions,
		logger:   logger,
		feedURL:  feedURL,
		window:   window,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

type createSessionRequest struct {
	Namespace string `json:"namespace" binding:"required"`
	Kind      string `json:"kind" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Node      string `json:"node"`
}

type createSessionResponse struct {
	SessionID string      `json:"session_id"`
	Target    diag.Target `json:"target"`
	State     State       `json:"state"`
}

// HandleCreateSession registers a new investigation session for a target
// resource.
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	s := h.sessions.Create(diag.Target{
		Namespace: req.Namespace,
		Kind:      req.Kind,
		Name:      req.Name,
		Node:      req.Node,
	})
	h.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("namespace", req.Namespace),
		slog.String("kind", req.Kind),
		slog.String("name", req.Name))
	c.JSON(http.StatusCreated, createSessionResponse{SessionID: s.ID, Target: s.Target, State: s.State()})
}

type runRequest struct {
	Query string `json:"query" binding:"required"`
}

// HandleRun executes one investigation on an existing session. A session
// admits one run at a time; a concurrent attempt gets 409.
func (h *Handlers) HandleRun(c *gin.Context) {
	session, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
		return
	}
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	result, err := h.loop.Run(c.Request.Context(), session, req.Query)
	if err != nil {
		if errors.Is(err, ErrSessionBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": ErrSessionBusy.Error()})
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away mid-run; nothing useful to write.
			c.Status(http.StatusRequestTimeout)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type transcriptResponse struct {
	SessionID string        `json:"session_id"`
	Target    diag.Target   `json:"target"`
	State     State         `json:"state"`
	Messages  []llmMessages `json:"messages"`
}

type llmMessages struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
	Command  string `json:"command,omitempty"`
}

// HandleTranscript returns the full conversation, tool records included.
func (h *Handlers) HandleTranscript(c *gin.Context) {
	session, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
		return
	}
	transcript := session.Transcript()
	messages := make([]llmMessages, len(transcript))
	for i, m := range transcript {
		messages[i] = llmMessages{Role: m.Role, Content: m.Content, ToolName: m.ToolName, Command: m.Command}
	}
	c.JSON(http.StatusOK, transcriptResponse{
		SessionID: session.ID,
		Target:    session.Target,
		State:     session.State(),
		Messages:  messages,
	})
}

// HandleDeleteSession removes a session.
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	if !h.sessions.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleStream proxies the remote agent's push-event feed to the caller
// as normalized phase updates over a websocket.
func (h *Handlers) HandleStream(c *gin.Context) {
	if h.feedURL == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no agent feed configured"})
		return
	}

	client, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the failure response.
		h.logger.Warn("stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Phases arrive from the feed's read loop and the throttler's timer;
	// serialize writes to the client connection.
	var wmu sync.Mutex
	sink := func(p stream.Phase) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := client.WriteJSON(p); err != nil {
			cancel()
		}
	}
	norm := stream.NewNormalizer(h.window, sink)

	feed, err := stream.DialFeed(ctx, h.feedURL, norm)
	if err != nil {
		h.logger.Error("agent feed dial failed", slog.String("error", err.Error()))
		norm.Fail(err)
		return
	}

	// The client never sends data frames, but reading is how we learn it
	// disconnected.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := feed.Run(ctx); err != nil {
		h.logger.Warn("agent feed ended with error", slog.String("error", err.Error()))
	}
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady is the readiness probe; it reports live session count.
func (h *Handlers) HandleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready", "sessions": h.sessions.Len()})
}
