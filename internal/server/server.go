// Package server exposes the relay over HTTP: question submission, history
// polling and a websocket live channel per user.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nktks/slack-helpdesk/internal/registry"
	"github.com/nktks/slack-helpdesk/internal/relay"
)

const maxBodyBytes = 64 * 1024

// errorNotFound is only produced at the HTTP layer.
const errorNotFound relay.ErrorCode = "NOT_FOUND"

// Relay is the part of relay.Relay the HTTP layer drives.
type Relay interface {
	CreateQuestion(ctx context.Context, req relay.QuestionRequest) (string, error)
	AcceptLive(ctx context.Context, userID, text string) error
	History(ctx context.Context, id string) ([]string, bool, error)
}

// Connections is the lifecycle side of the live connection registry.
type Connections interface {
	Connect(userID string, ch registry.Channel) uint64
	Disconnect(userID string, lease uint64) bool
}

// Handler serves the helpdesk HTTP API.
type Handler struct {
	relay    Relay
	conns    Connections
	metrics  http.Handler
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New creates a Handler. metrics may be nil, in which case /metrics is not
// mounted.
func New(r Relay, conns Connections, metrics http.Handler, logger zerolog.Logger) *Handler {
	return &Handler{
		relay:   r,
		conns:   conns,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(h.logger))

	router.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		router.Method(http.MethodGet, "/metrics", h.metrics)
	}

	router.Post("/questions", h.handleCreateQuestion)
	router.Post("/ask", h.handleCreateQuestion)
	router.Get("/questions/{id}/messages", h.handleHistory)
	router.Get("/ws/{id}", h.handleWebsocket)

	return router
}

type createQuestionResponse struct {
	Status string `json:"status"`
	UserID string `json:"user_id"`
}

type historyResponse struct {
	Messages []string `json:"messages"`
}

type errorResponse struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req relay.QuestionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, relay.ErrorInvalidInput, "invalid JSON")
		return
	}

	userID, err := h.relay.CreateQuestion(r.Context(), req)
	if err != nil {
		h.writeRelayError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createQuestionResponse{Status: "success", UserID: userID})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msgs, ok, err := h.relay.History(r.Context(), id)
	if err != nil {
		h.writeRelayError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errorNotFound, "no conversation for this id")
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs})
}

// writeRelayError maps relay error codes onto HTTP statuses.
func (h *Handler) writeRelayError(w http.ResponseWriter, r *http.Request, err error) {
	var rerr *relay.Error
	if !errors.As(err, &rerr) {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unexpected error")
		writeError(w, http.StatusInternalServerError, relay.ErrorInternal, "internal error")
		return
	}

	switch rerr.Code {
	case relay.ErrorInvalidInput:
		writeError(w, http.StatusBadRequest, rerr.Code, rerr.Reason)
	case relay.ErrorExpired:
		writeError(w, http.StatusGone, rerr.Code, rerr.Reason)
	case relay.ErrorUpstream:
		writeError(w, http.StatusBadGateway, rerr.Code, "chat platform unavailable")
	default:
		writeError(w, http.StatusInternalServerError, rerr.Code, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code relay.ErrorCode, msg string) {
	writeJSON(w, status, errorResponse{Status: "error", Code: string(code), Error: msg})
}
