package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/workflow"
)

type startSurveyRequest struct {
	workflow.StartRequest
	// ClientID, when set, has the server keep the client's session reference
	// in step with the run.
	ClientID string `json:"clientId,omitempty"`
}

type resumeSurveyRequest struct {
	Step     string          `json:"step"`
	Data     json.RawMessage `json:"data"`
	ClientID string          `json:"clientId,omitempty"`
}

// startSurveyHandler handles POST /chat-survey/runs. Engine failures come back
// as a run with status failed, not as HTTP errors.
func (s *Server) startSurveyHandler(w http.ResponseWriter, r *http.Request) {
	var req startSurveyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.startSurveyHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	resp := s.survey.Start(r.Context(), req.StartRequest)
	s.syncRef(r, req.ClientID, resp)
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// resumeSurveyHandler handles POST /chat-survey/runs/{runId}/resume
func (s *Server) resumeSurveyHandler(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	var req resumeSurveyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.resumeSurveyHandler: failed to decode JSON", "error", err, "runID", runID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Step == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: step"))
		return
	}
	resp := s.survey.Resume(r.Context(), runID, req.Step, req.Data)
	s.syncRef(r, req.ClientID, resp)
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// surveyStateHandler handles GET /chat-survey/runs/{runId}
func (s *Server) surveyStateHandler(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	state := s.survey.GetState(r.Context(), runID)
	if !state.Exists {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Run not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// syncRef records a suspended run under clientID and clears the reference
// once the run is over.
func (s *Server) syncRef(r *http.Request, clientID string, resp workflow.SurveyResponse) {
	if s.refs == nil || clientID == "" || resp.RunID == "" {
		return
	}
	ctx := r.Context()
	var err error
	switch resp.Status {
	case workflow.StatusSuspended:
		existing, gerr := s.refs.Get(ctx, clientID)
		created := s.opts.Now().UnixMilli()
		if gerr == nil && existing != nil && existing.RunID == resp.RunID {
			created = existing.CreatedAt
		}
		err = s.refs.Put(ctx, clientID, models.SessionRef{
			RunID:     resp.RunID,
			CreatedAt: created,
			Phase:     workflow.PhaseOf(workflow.Snapshot{Status: resp.Status}, resp.Step),
		})
	case workflow.StatusCompleted:
		err = s.refs.Clear(ctx, clientID)
	}
	if err != nil {
		slog.Warn("Server.syncRef: failed to update session reference", "clientID", clientID, "runID", resp.RunID, "error", err)
	}
}
