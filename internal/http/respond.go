package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/auth"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// accountHandler is a handler that runs for an authenticated account.
type accountHandler func(w http.ResponseWriter, r *http.Request, account string)

// authed resolves the bearer token to an account id or answers 401.
func (s *Server) authed(h accountHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := auth.BearerToken(r)
		if err != nil {
			s.respondUnauthenticated(w, r, err)
			return
		}
		account, err := s.verifier.AccountID(tok)
		if err != nil {
			s.respondUnauthenticated(w, r, err)
			return
		}
		h(w, r, account)
	}
}

func (s *Server) respondUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Debug("rejected bearer token", "path", r.URL.Path, "error", err)
	w.Header().Set("WWW-Authenticate", `Bearer realm="rideshare"`)
	msg := auth.ErrInvalidToken.Error()
	if errors.Is(err, auth.ErrMissingToken) {
		msg = auth.ErrMissingToken.Error()
	}
	s.respondJSON(w, http.StatusUnauthorized, errorBody{Error: msg, Code: "unauthenticated"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			s.respondError(w, r, apperr.Validation("body", "request body is required"))
			return false
		}
		s.respondError(w, r, apperr.Validation("body", "invalid JSON in request body"))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrCapacityExceeded):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		if !errors.Is(err, apperr.ErrInvariantViolation) {
			msg = "internal error"
		}
	}
	s.respondJSON(w, status, errorBody{Error: msg, Code: apperr.Code(err)})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}
