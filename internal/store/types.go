package store

import (
	"context"
	"time"
)

// Message is one persisted transcript entry flushed by the voice session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AgentType string    `json:"agent_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session field keys accepted by UpdateSession. The voice core treats the
// session record as a key-value update contract, not owned state.
const (
	FieldPhase          = "phase"
	FieldBelief         = "belief"
	FieldNewBelief      = "new_belief"
	FieldReleaseInsight = "release_insight"
	FieldEmotion        = "emotion"
)

// Store persists transcript messages and session milestone updates.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	UpdateSession(ctx context.Context, sessionID string, fields map[string]string) error
	Close() error
}
