package httpcomm

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/farmhand/internal/auth"
	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

const maxEnvelopeBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type acceptedResponse struct {
	Status string `json:"status"`
}

type healthzResponse struct {
	Status string `json:"status"`
	Rank   int    `json:"rank"`
	Size   int    `json:"size"`
}

// Handler returns the rank's HTTP surface.
func (t *Transport) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(t.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", t.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(t.cfg.Token, nil, writeError))
		r.With(auth.RequireScopes(writeError, auth.ScopeMessagesRW)).Post(messagesPath, t.handleMessage)
	})
	return r
}

func (t *Transport) handleMessage(w http.ResponseWriter, r *http.Request) {
	env, err := protocol.DecodeEnvelope(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.Dest != t.cfg.Rank {
		writeError(w, http.StatusMisdirectedRequest, "message is not addressed to this rank")
		return
	}
	if err := comm.CheckRank(env.Source, t.Size()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := t.box.Deliver(env.Source, env.Tag, env.Body); err != nil {
		if errors.Is(err, comm.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "rank is shutting down")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
}

func (t *Transport) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, healthzResponse{Status: "ok", Rank: t.cfg.Rank, Size: t.Size()})
}

// loggingMiddleware logs HTTP requests. Message traffic is logged at debug.
func (t *Transport) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		t.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, errorResponse{Error: message})
}
