package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Stable error codes surfaced to clients. Third-party payloads never leak
// through these.
const (
	errUnauthorized      = "unauthorized"
	errInvalidTicker     = "invalid_ticker"
	errInvalidWindowDays = "invalid_window_days"
	errInvalidLimit      = "invalid_limit"
	errMissingParam      = "missing_param"
	errNotFound          = "not_found"
	errInternal          = "internal_error"
	errDBUnreachable     = "db_unreachable"
)

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}

// ok writes the success envelope: {ok:true} merged with extra.
func ok(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// fail writes the error envelope with a stable code.
func fail(w http.ResponseWriter, status int, code, message string) {
	body := map[string]any{"ok": false, "error": code}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}

// internalErr logs the cause and returns the opaque internal_error code.
func internalErr(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("request failed")
	fail(w, http.StatusInternalServerError, errInternal, "")
}
