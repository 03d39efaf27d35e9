package session

import (
	"testing"
	"time"
)

func TestCreateAndGetReturnsClone(t *testing.T) {
	m := NewManager(time.Minute)
	created := m.Create("u1", StyleSensitive, "I am not good enough")

	got, err := m.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Phase != PhaseConversation || got.Style != StyleSensitive {
		t.Fatalf("unexpected session: %+v", got)
	}

	got.Belief = "mutated"
	fresh, _ := m.Get(created.ID)
	if fresh.Belief != "I am not good enough" {
		t.Fatalf("Get() returned shared state, belief = %q", fresh.Belief)
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := NewManager(time.Minute)
	if _, err := m.Get("nope"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSetReleaseOutcomeTransitionsToMeditation(t *testing.T) {
	m := NewManager(time.Minute)
	created := m.Create("u1", StylePractical, "belief")

	updated, err := m.SetReleaseOutcome(created.ID, "fear", "I am capable", "it was never about me")
	if err != nil {
		t.Fatalf("SetReleaseOutcome() error = %v", err)
	}
	if updated.Phase != PhaseMeditation {
		t.Fatalf("Phase = %s, want %s", updated.Phase, PhaseMeditation)
	}
	if updated.Emotion != "fear" || updated.NewBelief != "I am capable" || updated.ReleaseInsight == "" {
		t.Fatalf("derived fields not recorded: %+v", updated)
	}
}

func TestEndMarksSessionEnded(t *testing.T) {
	m := NewManager(time.Minute)
	created := m.Create("u1", StyleSpiritual, "")

	ended, err := m.End(created.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("Status = %s, want ended", ended.Status)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestExpireInactiveFiresHook(t *testing.T) {
	m := NewManager(5 * time.Second)
	created := m.Create("u1", StyleProvocative, "")

	var expired []string
	m.SetExpireHook(func(s *Session) { expired = append(expired, s.ID) })

	// Backdate activity past the timeout, then force a sweep.
	m.mu.Lock()
	m.sessions[created.ID].LastActivityAt = time.Now().UTC().Add(-time.Minute)
	m.mu.Unlock()
	m.expireInactive()

	if len(expired) != 1 || expired[0] != created.ID {
		t.Fatalf("expired = %v, want [%s]", expired, created.ID)
	}
	got, _ := m.Get(created.ID)
	if got.Status != StatusEnded {
		t.Fatalf("Status = %s, want ended after expiry", got.Status)
	}
}
