package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/oochat/internal/conversation"
	"github.com/ashureev/oochat/internal/domain"
)

type conversationSummary struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title"`
	AgentAddress string `json:"agent_address"`
	CreatedAt    int64  `json:"created_at"`
	Active       bool   `json:"active"`
}

func summarize(c *domain.Conversation, active string) conversationSummary {
	return conversationSummary{
		SessionID:    c.SessionID,
		Title:        c.Title,
		AgentAddress: c.AgentAddress,
		CreatedAt:    c.CreatedAt.UnixMilli(),
		Active:       c.SessionID == active,
	}
}

// ListConversations returns conversation summaries, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	active := h.convs.Active()
	convs := h.convs.List()
	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, summarize(c, active))
	}
	JSON(w, http.StatusOK, map[string]any{"conversations": out, "active": active})
}

// CreateConversation starts a new chat. The optional first message is sent
// when the chat is opened.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentAddress string   `json:"agent_address"`
		Message      string   `json:"message"`
		Images       []string `json:"images"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.chat.NewConversation(req.AgentAddress, conversation.PendingMessage{Text: req.Message, Images: req.Images})
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, summarize(conv, h.convs.Active()))
}

// GetConversation returns one conversation with its full event log.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.convs.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, conversation.ErrConversationNotFound)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// DeleteConversation removes a conversation.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Delete(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectConversation moves the active pointer without opening a session.
func (h *Handler) SelectConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.convs.Select(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearActive unsets the active conversation.
func (h *Handler) ClearActive(w http.ResponseWriter, r *http.Request) {
	h.convs.ClearActive()
	w.WriteHeader(http.StatusNoContent)
}
