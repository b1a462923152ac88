package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
)

var errUnauthorized = errors.New("unauthorized")

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// MapErrorToStatusCode maps domain errors onto HTTP status codes so internal
// error text never decides what the client sees.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrActiveJob),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoStoredBlob):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidUpload),
		errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func safeErrorMessage(err error) string {
	switch {
	case errors.Is(err, errUnauthorized):
		return "authentication required"
	case errors.Is(err, domain.ErrForbidden):
		return "scan belongs to another user"
	case errors.Is(err, domain.ErrNotFound):
		return "scan not found"
	case errors.Is(err, domain.ErrActiveJob):
		return "scan is already being processed"
	case errors.Is(err, domain.ErrVersionConflict):
		return "scan changed since it was loaded"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "scan is not in a state that allows this"
	case errors.Is(err, domain.ErrNoStoredBlob):
		return "scan has no stored image to reprocess"
	case errors.Is(err, domain.ErrEnqueueFailed):
		return "scan deleted but cleanup could not be scheduled, retry the delete"
	case errors.Is(err, domain.ErrBatchTooLarge),
		errors.Is(err, domain.ErrInvalidUpload),
		errors.Is(err, domain.ErrInvalidInput):
		// these messages are written for the caller
		return err.Error()
	default:
		return "internal error"
	}
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.FromContext(r.Context()).Error("encode response", "error", err)
	}
}

// respondError logs 5xx at error level with the full error and everything
// else at debug, then writes the sanitized message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "error", err)
	} else {
		log.Debug("request rejected", "status", status, "error", err)
	}
	respondJSON(w, r, status, errorResponse{
		Error:     safeErrorMessage(err),
		RequestID: middleware.GetReqID(r.Context()),
	})
}
