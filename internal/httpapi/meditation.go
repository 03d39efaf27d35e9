package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lioravni/stillpoint/internal/meditation"
)

// handleMeditationAudio narrates the session's release outcome as one WAV
// clip. Available once the session reached the meditation phase.
func (s *Server) handleMeditationAudio(w http.ResponseWriter, r *http.Request) {
	if s.meditations == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "meditation pipeline not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.NewBelief == "" || sess.Belief == "" {
		respondError(w, http.StatusConflict, "not_ready", "session has no release outcome yet")
		return
	}

	clip, err := s.meditations.Generate(r.Context(), meditation.Request{
		OldBelief: sess.Belief,
		NewBelief: sess.NewBelief,
		Insight:   sess.ReleaseInsight,
		Style:     string(sess.Style),
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "generation_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip)
}
