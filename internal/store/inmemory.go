package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]Message
	sessions map[string]map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string][]Message),
		sessions: make(map[string]map[string]string),
	}
}

func (s *InMemoryStore) SaveMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

func (s *InMemoryStore) Messages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Message, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, sessionID string, fields map[string]string) error {
	if sessionID == "" {
		return fmt.Errorf("empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range fields {
		if _, ok := sessionColumns[k]; !ok {
			return fmt.Errorf("unknown session field %q", k)
		}
	}
	state := s.sessions[sessionID]
	if state == nil {
		state = make(map[string]string)
		s.sessions[sessionID] = state
	}
	for k, v := range fields {
		state[k] = v
	}
	return nil
}

// SessionState returns a copy of the recorded field updates. Test helper.
func (s *InMemoryStore) SessionState(sessionID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.sessions[sessionID]))
	for k, v := range s.sessions[sessionID] {
		out[k] = v
	}
	return out
}

func (s *InMemoryStore) Close() error { return nil }
