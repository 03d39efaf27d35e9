package tts

import (
	"context"
	"sync"
)

// MockSynthesizer is an in-process synthesizer for tests and local dev.
type MockSynthesizer struct {
	mu       sync.Mutex
	requests []string

	// Err, when set, is returned for every call.
	Err error
	// Clip is returned on success; defaults to a tiny placeholder.
	Clip []byte
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{Clip: []byte("RIFF-mock")}
}

func (m *MockSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	m.requests = append(m.requests, text)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]byte, len(m.Clip))
	copy(out, m.Clip)
	return out, nil
}

// Requests returns a copy of every text passed to Synthesize.
func (m *MockSynthesizer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.requests))
	copy(out, m.requests)
	return out
}
