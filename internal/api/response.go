package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/onboarding"
	"github.com/BTreeMap/AffirmFlow/internal/sessionref"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, onboarding.ErrSessionNotFound),
		errors.Is(err, onboarding.ErrVariantNotFound):
		return http.StatusNotFound
	case errors.Is(err, onboarding.ErrSessionBusy),
		errors.Is(err, onboarding.ErrInvalidTransition),
		errors.Is(err, onboarding.ErrStaleCard),
		errors.Is(err, onboarding.ErrAlreadyClassified),
		errors.Is(err, onboarding.ErrNothingToRetry),
		errors.Is(err, onboarding.ErrTargetAlreadyMet),
		errors.Is(err, onboarding.ErrDiscoveryNotActive):
		return http.StatusConflict
	case errors.Is(err, onboarding.ErrUnknownEvent),
		errors.Is(err, onboarding.ErrEmptyFamiliarity),
		errors.Is(err, onboarding.ErrInvalidDecision),
		errors.Is(err, onboarding.ErrWorkflowVariant),
		errors.Is(err, models.ErrEmptyName),
		errors.Is(err, models.ErrNameTooLong),
		errors.Is(err, models.ErrEmptyAnswer),
		errors.Is(err, models.ErrAnswerTooLong),
		errors.Is(err, sessionref.ErrEmptyClientID),
		errors.Is(err, sessionref.ErrEmptyRunID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with its mapped status. Internal errors get a
// generic message.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Server."+op+": failed", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Debug("Server."+op+": rejected", "status", status, "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}
