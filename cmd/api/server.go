package main

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ecoshare/agreement"
	"ecoshare/auth"
	"ecoshare/lifecycle"
	"ecoshare/metrics"
)

type contextKey string

const ctxKeyUserID contextKey = "userID"

type agreementService interface {
	Create(ctx context.Context, params lifecycle.CreateParams) (agreement.Agreement, error)
	Get(ctx context.Context, ref, actorID string) (agreement.Agreement, error)
	List(ctx context.Context, actorID string, filter agreement.ListFilter) ([]agreement.Agreement, int, error)
	Submit(ctx context.Context, ref, actorID string) (agreement.Agreement, error)
	Sign(ctx context.Context, params lifecycle.SignParams) (agreement.Agreement, error)
	Complete(ctx context.Context, ref, actorID string) (agreement.Agreement, error)
	Cancel(ctx context.Context, ref, actorID, reason string) (agreement.Agreement, error)
	ResendNotification(ctx context.Context, ref, actorID string) error
	Document(ctx context.Context, ref, actorID string) (lifecycle.Document, error)
	Fingerprint(ctx context.Context, ref, actorID string) (string, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (string, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the agreement lifecycle over HTTP.
type Server struct {
	agreementService agreementService
	tokens           tokenVerifier
	health           pinger
	log              *zerolog.Logger
}

func (s *Server) logger() *zerolog.Logger {
	if s.log == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return s.log
}

func (s *Server) routes() http.Handler {
	root := mux.NewRouter()
	root.Use(s.recoverPanics, s.accessLog, metrics.InstrumentHandler)

	root.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := root.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/agreements", s.handleCreateAgreement).Methods(http.MethodPost)
	api.HandleFunc("/agreements", s.handleListAgreements).Methods(http.MethodGet)
	api.HandleFunc("/agreements/{id}", s.withID(s.handleGetAgreement)).Methods(http.MethodGet)
	api.HandleFunc("/agreements/{id}/submit", s.withID(s.handleSubmit)).Methods(http.MethodPost)
	api.HandleFunc("/agreements/{id}/sign", s.withID(s.handleSign)).Methods(http.MethodPost)
	api.HandleFunc("/agreements/{id}/complete", s.withID(s.handleComplete)).Methods(http.MethodPost)
	api.HandleFunc("/agreements/{id}/cancel", s.withID(s.handleCancel)).Methods(http.MethodPost)
	api.HandleFunc("/agreements/{id}/resend-notification", s.withID(s.handleResendNotification)).Methods(http.MethodPost)
	api.HandleFunc("/agreements/{id}/document", s.withID(s.handleDocument)).Methods(http.MethodGet)
	api.HandleFunc("/agreements/{id}/fingerprint", s.withID(s.handleFingerprint)).Methods(http.MethodGet)

	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return root
}

func (s *Server) withID(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, mux.Vars(r)["id"])
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		userID, err := s.tokens.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				s.logger().Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("handler panic")
				writeError(w, http.StatusInternalServerError, "internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type loggedWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggedWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggedWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		s.logger().Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", lw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger().Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}
