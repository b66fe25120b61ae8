package main

import (
	"encoding/json"
	"errors"
	"net/http"

	zlog "github.com/rs/zerolog/log"

	"ecoshare/agreement"
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

// statusFor maps the agreement error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, agreement.ErrIntegrityConflict):
		return http.StatusConflict, "integrity_conflict"
	case errors.Is(err, agreement.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, agreement.ErrUnauthorizedParticipant):
		return http.StatusForbidden, "unauthorized_participant"
	case errors.Is(err, agreement.ErrAlreadySigned):
		return http.StatusConflict, "already_signed"
	case errors.Is(err, agreement.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, agreement.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, agreement.ErrWriteConflict):
		return http.StatusConflict, "write_conflict"
	case errors.Is(err, agreement.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger().Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, code, "internal error")
		return
	}
	if code == "integrity_conflict" {
		s.logger().Error().Err(err).Str("path", r.URL.Path).Msg("integrity conflict served")
	}
	writeError(w, status, code, err.Error())
}
