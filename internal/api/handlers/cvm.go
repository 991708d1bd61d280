package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/jwtauth"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
	"github.com/go-chi/chi/v5"
)

// CreateConnectionVariableMapping handles POST /connection-variable-mappings.
// Enforces at most one mapping per definition id.
func (h *Handlers) CreateConnectionVariableMapping(w http.ResponseWriter, r *http.Request) {
	access, ok := jwtauth.FromContext(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("missing validated access claims"))
		return
	}

	var cvm models.ConnectionVariableMapping
	if err := json.NewDecoder(r.Body).Decode(&cvm); err != nil {
		apperror.WriteJSON(w, apperror.BadRequest("invalid connection variable mapping payload", err.Error()))
		return
	}
	cvm.Ownership = models.Ownership{BuildableId: access.Ownership.BuildableId}

	if err := h.Store.CreateCVM(r.Context(), &cvm); err != nil {
		apperror.WriteJSON(w, apperror.As(wrapConflict(err, "connection variable mapping")))
		return
	}
	writeJSON(w, http.StatusCreated, cvm)
}

// GetConnectionVariableMapping handles GET /connection-variable-mappings/:id.
// Reads are deliberately NOT tenant-scoped.
func (h *Handlers) GetConnectionVariableMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cvm, err := h.Store.GetOneCVM(r.Context(), store.Filter{"_id": id, "deleted": false})
	if err != nil {
		apperror.WriteJSON(w, apperror.As(wrapNotFound(err, "connection variable mapping")))
		return
	}
	writeJSON(w, http.StatusOK, cvm)
}

// ListConnectionVariableMappings handles GET /connection-variable-mappings.
func (h *Handlers) ListConnectionVariableMappings(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{"deleted": false}
	if def := r.URL.Query().Get("connectionModelDefinitionId"); def != "" {
		filter["connectionModelDefinitionId"] = def
	}
	opts := listOptionsFromQuery(r)

	rows, err := h.Store.GetManyCVM(r.Context(), filter, opts)
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// UpdateConnectionVariableMapping handles PATCH /connection-variable-mappings/:id.
func (h *Handlers) UpdateConnectionVariableMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var set map[string]any
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		apperror.WriteJSON(w, apperror.BadRequest("invalid update payload", err.Error()))
		return
	}
	if err := h.Store.UpdateCVM(r.Context(), id, set); err != nil {
		apperror.WriteJSON(w, apperror.As(wrapNotFound(err, "connection variable mapping")))
		return
	}
	updated, err := h.Store.GetOneCVM(r.Context(), store.Filter{"_id": id})
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteConnectionVariableMapping handles DELETE /connection-variable-mappings/:id.
// Soft delete only — frees the slot for a later CreateConnectionVariableMapping
// against the same definition id.
func (h *Handlers) DeleteConnectionVariableMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.DeleteCVM(r.Context(), id); err != nil {
		apperror.WriteJSON(w, apperror.As(wrapNotFound(err, "connection variable mapping")))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
