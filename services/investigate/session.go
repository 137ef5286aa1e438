// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package investigate

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ankitjain91/opspilot-sub004/services/diag"
	"github.com/ankitjain91/opspilot-sub004/services/llm"
)

var (
	// ErrSessionBusy is returned when a run is requested on a session that
	// already has one in flight.
	ErrSessionBusy = errors.New("investigation already running on this session")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// State is the orchestration state of a session.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingModel  State = "awaiting_model"
	StateParsingTools   State = "parsing_tools"
	StateExecutingTools State = "executing_tools"
	StateComplete       State = "complete"
	StateAborted        State = "aborted"
)

// Session is one investigation conversation against one target resource.
//
// Thread Safety: transcript and state access is mutex-guarded; the
// single-flight guard is a compare-and-swap so concurrent Run attempts
// resolve without blocking.
type Session struct {
	ID        string
	Target    diag.Target
	CreatedAt time.Time

	mu         sync.Mutex
	transcript []llm.Message
	state      State
	lastActive time.Time

	running atomic.Bool
}

// TryAcquire claims the session for a run. Returns false when a run is
// already in flight.
func (s *Session) TryAcquire() bool {
	return s.running.CompareAndSwap(false, true)
}

// Release ends the run claim.
func (s *Session) Release() {
	s.running.Store(false)
}

// Running reports whether a run currently holds the session.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Append adds a message to the transcript.
func (s *Session) Append(msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, msg)
	s.lastActive = time.Now()
}

// Transcript returns a copy of the full conversation, tool records
// included.
func (s *Session) Transcript() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// ModelHistory returns the transcript with tool-role records filtered
// out. Tool results reach the model only through the combined results
// blocks appended as user messages; the raw per-tool records are audit
// data for the transcript view.
func (s *Session) ModelHistory() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, 0, len(s.transcript))
	for _, m := range s.transcript {
		if m.Role == llm.RoleTool {
			continue
		}
		out = append(out, m)
	}
	return out
}

// State returns the current orchestration state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.lastActive = time.Now()
}

// LastActive returns the time of the most recent transcript or state
// change.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Manager owns the live session set.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create registers a new session against the given target.
func (m *Manager) Create(target diag.Target) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Target:    target,
		CreatedAt: time.Now(),
		state:     StateIdle,
	}
	s.lastActive = s.CreatedAt
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete removes a session. Returns false when the id is unknown.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
