package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/log"
)

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// respondError maps an error kind to an HTTP status with a short message.
// Upstream and internal failures are reported generically so raw provider
// text never reaches clients.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errdefs.IsValidation(err), errdefs.IsConflict(err), errdefs.IsCapacityUnavailable(err):
		status = http.StatusBadRequest
		message = err.Error()
	case errdefs.IsUnauthenticated(err):
		status = http.StatusUnauthorized
		message = "unauthenticated"
	case errdefs.IsForbidden(err), errdefs.IsQuotaExhausted(err):
		status = http.StatusForbidden
		message = err.Error()
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
		message = err.Error()
	case errdefs.IsUpstreamTransient(err), errdefs.IsUpstreamPermanent(err):
		message = "upstream provider error"
	}

	if status == http.StatusInternalServerError {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Request failed")
	}
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errdefs.Validationf("invalid request body")
	}
	return nil
}
