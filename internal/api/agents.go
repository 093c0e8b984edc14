package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ListAgents returns the address book.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.convs.Agents()
	if agents == nil {
		agents = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// AddAgent adds an address to the address book.
func (h *Handler) AddAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		Error(w, http.StatusBadRequest, "address is required")
		return
	}
	h.convs.AddAgent(address)
	JSON(w, http.StatusCreated, map[string]string{"address": address})
}

// LookupAgent resolves an address through the relay directory.
func (h *Handler) LookupAgent(w http.ResponseWriter, r *http.Request) {
	if h.dir == nil {
		Error(w, http.StatusServiceUnavailable, "agent directory not configured")
		return
	}
	info, err := h.dir.Lookup(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, info)
}
