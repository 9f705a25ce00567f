package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/sessionref"
)

// sseKeepAlive is how often an idle event stream gets a comment line.
var sseKeepAlive = 25 * time.Second

// getRefHandler handles GET /session-ref/{clientId}
func (s *Server) getRefHandler(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	ref, err := s.refs.Get(r.Context(), clientID)
	if err != nil {
		writeError(w, "getRefHandler", err)
		return
	}
	if ref == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session reference not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ref))
}

// putRefHandler handles PUT /session-ref/{clientId}
func (s *Server) putRefHandler(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	var ref models.SessionRef
	if err := decodeJSON(w, r, &ref); err != nil {
		slog.Warn("Server.putRefHandler: failed to decode JSON", "error", err, "clientID", clientID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if ref.CreatedAt == 0 {
		ref.CreatedAt = s.opts.Now().UnixMilli()
	}
	if err := s.refs.Put(r.Context(), clientID, ref); err != nil {
		writeError(w, "putRefHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ref))
}

// deleteRefHandler handles DELETE /session-ref/{clientId}
func (s *Server) deleteRefHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.refs.Clear(r.Context(), r.PathValue("clientId")); err != nil {
		writeError(w, "deleteRefHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reference cleared", nil))
}

// refEventsHandler handles GET /session-ref/{clientId}/events. The stream
// opens with the current reference and then carries every change.
func (s *Server) refEventsHandler(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Streaming unsupported"))
		return
	}
	ctx := r.Context()

	events := make(chan sessionref.Event, 16)
	unsubscribe := s.refs.Subscribe(func(ev sessionref.Event) {
		if ev.ClientID != clientID {
			return
		}
		select {
		case events <- ev:
		default:
			slog.Warn("Server.refEventsHandler: slow subscriber, dropping event", "clientID", clientID)
		}
	})
	defer unsubscribe()

	current, err := s.refs.Get(ctx, clientID)
	if err != nil {
		writeError(w, "refEventsHandler", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeSSE(w, sessionref.Event{ClientID: clientID, Ref: current}); err != nil {
		return
	}
	flusher.Flush()
	slog.Debug("Server.refEventsHandler: stream opened", "clientID", clientID)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Server.refEventsHandler: stream closed", "clientID", clientID)
			return
		case ev := <-events:
			ev.Origin = ""
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sessionref.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: session-ref\ndata: %s\n\n", data)
	return err
}
