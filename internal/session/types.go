package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Phase tracks where a session is in the guided protocol.
type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhaseConversation Phase = "emotion_conversation"
	PhaseMeditation   Phase = "meditation"
	PhaseCompleted    Phase = "completed"
)

// CommunicationStyle selects the tone the model is instructed to use.
type CommunicationStyle string

const (
	StyleSensitive   CommunicationStyle = "sensitive"
	StylePractical   CommunicationStyle = "practical"
	StyleSpiritual   CommunicationStyle = "spiritual"
	StyleProvocative CommunicationStyle = "provocative"
)

type Session struct {
	ID             string             `json:"session_id"`
	UserID         string             `json:"user_id"`
	Status         Status             `json:"status"`
	Style          CommunicationStyle `json:"style"`
	Phase          Phase              `json:"phase"`
	Belief         string             `json:"belief,omitempty"`
	NewBelief      string             `json:"new_belief,omitempty"`
	ReleaseInsight string             `json:"release_insight,omitempty"`
	Emotion        string             `json:"emotion,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
}

type CreateRequest struct {
	UserID string             `json:"user_id"`
	Style  CommunicationStyle `json:"style"`
	Belief string             `json:"belief"`
}

type CreateResponse struct {
	SessionID       string             `json:"session_id"`
	UserID          string             `json:"user_id"`
	Status          Status             `json:"status"`
	Style           CommunicationStyle `json:"style"`
	Phase           Phase              `json:"phase"`
	StartedAt       time.Time          `json:"started_at"`
	LastActivityAt  time.Time          `json:"last_activity_at"`
	InactivityTTLMS int64              `json:"inactivity_ttl_ms"`
}
