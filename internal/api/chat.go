package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/oochat/internal/chat"
	"github.com/ashureev/oochat/internal/domain"
	"github.com/ashureev/oochat/internal/interaction"
)

// OpenChat opens a conversation as the live session.
func (h *Handler) OpenChat(w http.ResponseWriter, r *http.Request) {
	view, err := h.chat.Open(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// CloseChat closes the live session if it is the given one.
func (h *Handler) CloseChat(w http.ResponseWriter, r *http.Request) {
	if h.chat.View().SessionID == chi.URLParam(r, "sessionID") {
		h.chat.Close()
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetView returns the current view of the session.
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	view := h.chat.View()
	if view.SessionID != chi.URLParam(r, "sessionID") {
		writeError(w, chat.ErrSessionNotOpen)
		return
	}
	JSON(w, http.StatusOK, view)
}

// SendMessage submits compose-box input. While a question is pending the
// message is its answer.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string   `json:"message"`
		Images  []string `json:"images"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Images) == 0 {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	slog.Info("Chat message", "session_id", sessionID, "message_length", len(req.Message), "images", len(req.Images))
	if err := h.chat.Send(r.Context(), sessionID, req.Message, req.Images); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// AnswerQuestion answers a pending question with one or more options.
func (h *Handler) AnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InteractionID string   `json:"interaction_id"`
		Answer        []string `json:"answer"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Answer) == 0 {
		Error(w, http.StatusBadRequest, "answer is required")
		return
	}
	h.respond(w, h.chat.AnswerQuestion(r.Context(), chi.URLParam(r, "sessionID"), req.InteractionID, req.Answer))
}

// Approve answers a pending tool approval.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InteractionID string `json:"interaction_id"`
		interaction.ApprovalDecision
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.chat.Approve(r.Context(), chi.URLParam(r, "sessionID"), req.InteractionID, req.ApprovalDecision))
}

// SubmitOnboarding submits an invite code or payment.
func (h *Handler) SubmitOnboarding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InteractionID string `json:"interaction_id"`
		domain.OnboardOptions
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.InviteCode == "" && req.Payment <= 0 {
		Error(w, http.StatusBadRequest, "invite_code or payment is required")
		return
	}
	h.respond(w, h.chat.SubmitOnboarding(r.Context(), chi.URLParam(r, "sessionID"), req.InteractionID, req.OnboardOptions))
}

// Checkpoint answers an autonomous-mode checkpoint.
func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InteractionID string                  `json:"interaction_id"`
		Action        domain.CheckpointAction `json:"action"`
		domain.CheckpointOptions
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.chat.Checkpoint(r.Context(), chi.URLParam(r, "sessionID"), req.InteractionID, req.Action, req.CheckpointOptions))
}

// SetMode changes the approval mode.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode  domain.Mode `json:"mode"`
		Turns int         `json:"turns"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.chat.SetMode(r.Context(), chi.URLParam(r, "sessionID"), req.Mode, req.Turns))
}

// SetGoal replaces the autonomous-mode goal.
func (h *Handler) SetGoal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal string `json:"goal"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.chat.SetGoal(chi.URLParam(r, "sessionID"), req.Goal))
}

// SetDirection replaces the autonomous-mode direction.
func (h *Handler) SetDirection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Direction string `json:"direction"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.chat.SetDirection(chi.URLParam(r, "sessionID"), req.Direction))
}

// respond writes the view after a successful command.
func (h *Handler) respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, h.chat.View())
}

// Stream pushes views of the session as server-sent events. Every event
// carries the full view, so a reconnecting client only needs the latest one
// and Last-Event-ID is not replayed.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	retryDelay, keepaliveInterval := 5*time.Second, 10*time.Second
	if h.cfg != nil {
		retryDelay, keepaliveInterval = h.cfg.SSE.RetryDelay, h.cfg.SSE.KeepaliveInterval
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()

	connID := h.connectionID.Add(1)
	views, unsubscribe := h.chat.Subscribe()
	defer func() {
		unsubscribe()
		slog.Info("SSE connection closed", "session_id", sessionID, "conn_id", connID)
	}()

	slog.Info("SSE connection established",
		"session_id", sessionID,
		"conn_id", connID,
		"reconnect", r.Header.Get("Last-Event-ID") != "",
	)

	if view := h.chat.View(); view.SessionID == sessionID {
		if err := h.writeView(w, view); err != nil {
			slog.Warn("failed to write SSE view", "error", err, "session_id", sessionID)
			return
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case view := <-views:
			if view.SessionID != sessionID {
				continue
			}
			if err := h.writeView(w, view); err != nil {
				slog.Warn("failed to write SSE view", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeView(w io.Writer, view chat.View) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return writeSSEWithID(w, h.eventCounter.Add(1), "view", string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
