package api

import (
	"net/http"

	"github.com/ashureev/oochat/internal/domain"
	"github.com/ashureev/oochat/internal/identity"
)

type identityResponse struct {
	Address        string          `json:"address"`
	ShortAddress   string          `json:"short_address"`
	Auth           identity.Status `json:"auth"`
	RecoveryPhrase string          `json:"recovery_phrase,omitempty"`
}

func (h *Handler) identityResponse(id *domain.Identity) identityResponse {
	resp := identityResponse{
		Address:      id.Address,
		ShortAddress: id.ShortAddress(),
		Auth:         h.ident.Status(),
	}
	resp.RecoveryPhrase, _ = h.ident.RecoveryPhrase()
	return resp
}

// GetIdentity returns the current identity. A recovery phrase awaiting
// acknowledgement is included until it is dismissed.
func (h *Handler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	id := h.ident.Identity()
	if id == nil {
		writeError(w, identity.ErrNoIdentity)
		return
	}
	JSON(w, http.StatusOK, h.identityResponse(id))
}

// ResetIdentity replaces the identity with a freshly generated one.
func (h *Handler) ResetIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := h.ident.ResetIdentity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, h.identityResponse(id))
}

// ImportIdentity replaces the identity from a recovery phrase or private key.
func (h *Handler) ImportIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input string `json:"input"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.ident.ImportIdentity(r.Context(), req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, h.identityResponse(id))
}

// ExportIdentity returns the secret needed to restore the identity elsewhere.
func (h *Handler) ExportIdentity(w http.ResponseWriter, r *http.Request) {
	secret, kind, err := h.ident.ExportIdentity()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	JSON(w, http.StatusOK, map[string]string{"kind": string(kind), "secret": secret})
}

// DismissRecovery acknowledges the one-time recovery phrase.
func (h *Handler) DismissRecovery(w http.ResponseWriter, r *http.Request) {
	h.ident.DismissRecoveryPhrase()
	w.WriteHeader(http.StatusNoContent)
}

// GetProfile returns the cached account profile and authentication state.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"profile": h.ident.Profile(),
		"auth":    h.ident.Status(),
	})
}

// RefreshProfile authenticates now and returns the result.
func (h *Handler) RefreshProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.ident.Authenticate(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.GetProfile(w, r)
}
