package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/onboarding"
)

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"variants":   len(s.manager.Variants()),
		"chatSurvey": s.survey != nil,
	})
}

func (s *Server) variantsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.manager.Variants()))
}

// sessionView is a session plus the events it accepts next.
type sessionView struct {
	*onboarding.Session
	AvailableEvents []onboarding.EventType `json:"availableEvents"`
}

func viewOf(sess *onboarding.Session) sessionView {
	events := onboarding.AvailableEvents(sess)
	if events == nil {
		events = []onboarding.EventType{}
	}
	return sessionView{Session: sess, AvailableEvents: events}
}

type createSessionRequest struct {
	Variant string `json:"variant"`
}

// createSessionHandler handles POST /onboarding/sessions
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Variant == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: variant"))
		return
	}
	sess, err := s.manager.Create(r.Context(), req.Variant)
	if err != nil {
		writeError(w, "createSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(viewOf(sess)))
}

// getSessionHandler handles GET /onboarding/sessions/{id}
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(viewOf(sess)))
}

// sessionEventHandler handles POST /onboarding/sessions/{id}/events
func (s *Server) sessionEventHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var ev onboarding.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		slog.Warn("Server.sessionEventHandler: failed to decode JSON", "error", err, "session", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	sess, err := s.manager.Apply(r.Context(), id, ev)
	if err != nil {
		writeError(w, "sessionEventHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(viewOf(sess)))
}

// deleteSessionHandler handles DELETE /onboarding/sessions/{id}
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Delete(r.Context(), id); err != nil {
		writeError(w, "deleteSessionHandler", err)
		return
	}
	slog.Info("Server.deleteSessionHandler: session deleted", "session", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}
