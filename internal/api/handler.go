// Package api provides the local HTTP API front ends use to drive the client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/oochat/internal/agent"
	"github.com/ashureev/oochat/internal/autonomy"
	"github.com/ashureev/oochat/internal/chat"
	"github.com/ashureev/oochat/internal/config"
	"github.com/ashureev/oochat/internal/conversation"
	"github.com/ashureev/oochat/internal/identity"
	"github.com/ashureev/oochat/internal/interaction"
	"github.com/ashureev/oochat/internal/session"
)

// defaultMaxRequestBodySize bounds request bodies when no config is given.
const defaultMaxRequestBodySize = 8 << 20

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the local API.
type Handler struct {
	ident *identity.Manager
	chat  *chat.Service
	convs *conversation.Store
	dir   agent.Directory
	db    Pinger
	cfg   *config.Config

	eventCounter atomic.Int64
	connectionID atomic.Int64
}

// NewHandler creates a Handler. dir and db may be nil.
func NewHandler(ident *identity.Manager, svc *chat.Service, convs *conversation.Store, dir agent.Directory, db Pinger, cfg *config.Config) *Handler {
	return &Handler{
		ident: ident,
		chat:  svc,
		convs: convs,
		dir:   dir,
		db:    db,
		cfg:   cfg,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Get("/identity", h.GetIdentity)
		r.Post("/identity/reset", h.ResetIdentity)
		r.Post("/identity/import", h.ImportIdentity)
		r.Get("/identity/export", h.ExportIdentity)
		r.Post("/identity/recovery/dismiss", h.DismissRecovery)
		r.Get("/profile", h.GetProfile)
		r.Post("/profile/refresh", h.RefreshProfile)

		r.Get("/conversations", h.ListConversations)
		r.Post("/conversations", h.CreateConversation)
		r.Post("/conversations/clear-active", h.ClearActive)
		r.Get("/conversations/{sessionID}", h.GetConversation)
		r.Delete("/conversations/{sessionID}", h.DeleteConversation)
		r.Post("/conversations/{sessionID}/select", h.SelectConversation)

		r.Route("/chat/{sessionID}", func(r chi.Router) {
			r.Post("/open", h.OpenChat)
			r.Post("/close", h.CloseChat)
			r.Get("/", h.GetView)
			r.Post("/messages", h.SendMessage)
			r.Post("/answer", h.AnswerQuestion)
			r.Post("/approval", h.Approve)
			r.Post("/onboarding", h.SubmitOnboarding)
			r.Post("/checkpoint", h.Checkpoint)
			r.Post("/mode", h.SetMode)
			r.Put("/goal", h.SetGoal)
			r.Put("/direction", h.SetDirection)
			r.Get("/stream", h.Stream)
		})

		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.AddAgent)
		r.Get("/agents/{address}", h.LookupAgent)
	})
}

// Health reports database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			slog.Warn("Health check failed", "error", err)
			Error(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeError maps a domain error onto a status code.
func writeError(w http.ResponseWriter, err error) {
	var verr *identity.ValidationError
	var aerr *identity.AuthError
	switch {
	case errors.As(err, &verr):
		Error(w, http.StatusUnprocessableEntity, verr.Error())
	case errors.As(err, &aerr):
		Error(w, http.StatusBadGateway, aerr.Error())
	case errors.Is(err, conversation.ErrConversationNotFound),
		errors.Is(err, agent.ErrAgentNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrInvalidSessionID),
		errors.Is(err, autonomy.ErrInvalidMode),
		errors.Is(err, autonomy.ErrInvalidTurns),
		errors.Is(err, chat.ErrNoAgent):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrTurnInFlight),
		errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrNoPendingInteraction),
		errors.Is(err, session.ErrStaleSession),
		errors.Is(err, interaction.ErrAwaitingResponse),
		errors.Is(err, autonomy.ErrNoCheckpoint),
		errors.Is(err, chat.ErrSessionNotOpen),
		errors.Is(err, identity.ErrNoIdentity):
		Error(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// decode reads a bounded JSON body into v, writing the error response
// itself when it fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
