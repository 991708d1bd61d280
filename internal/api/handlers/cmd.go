package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/batch"
	"github.com/conduithq/conduit/internal/jwtauth"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
	"github.com/go-chi/chi/v5"
)

var cmdIndexedFields = map[string]bool{
	"platform":        true,
	"platformVersion": true,
	"modelName":       true,
	"actionName":      true,
	"name":            true,
}

// CreateConnectionModelDefinition handles POST /connection-model-definitions.
func (h *Handlers) CreateConnectionModelDefinition(w http.ResponseWriter, r *http.Request) {
	access, ok := jwtauth.FromContext(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("missing validated access claims"))
		return
	}

	var cmd models.ConnectionModelDefinition
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		apperror.WriteJSON(w, apperror.BadRequest("invalid connection model definition payload", err.Error()))
		return
	}
	cmd.Ownership = models.Ownership{BuildableId: access.Ownership.BuildableId}

	if err := h.Store.CreateCMD(r.Context(), &cmd); err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

// GetConnectionModelDefinition handles GET /connection-model-definitions/:id.
func (h *Handlers) GetConnectionModelDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd, err := h.Store.GetOneCMD(r.Context(), store.Filter{"_id": id, "recordMetadata.deleted": false})
	if err != nil {
		apperror.WriteJSON(w, apperror.As(wrapNotFound(err, "connection model definition")))
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// ListConnectionModelDefinitions handles GET /connection-model-definitions.
func (h *Handlers) ListConnectionModelDefinitions(w http.ResponseWriter, r *http.Request) {
	access, _ := jwtauth.FromContext(r.Context())
	query := map[string]string{}
	for k, vals := range r.URL.Query() {
		if len(vals) > 0 {
			query[k] = vals[0]
		}
	}
	filter := store.ShapeFilter(query, access, cmdIndexedFields)
	// CMDs keep their soft-delete flag under recordMetadata, not top-level.
	delete(filter, "deleted")
	filter["recordMetadata.deleted"] = false
	opts := listOptionsFromQuery(r)

	rows, err := h.Store.GetManyCMD(r.Context(), filter, opts)
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// UpdateConnectionModelDefinition handles PATCH /connection-model-definitions/:id.
func (h *Handlers) UpdateConnectionModelDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var set map[string]any
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		apperror.WriteJSON(w, apperror.BadRequest("invalid update payload", err.Error()))
		return
	}

	cmd, err := h.Store.GetOneCMD(r.Context(), store.Filter{"_id": id, "recordMetadata.deleted": false})
	if err != nil {
		apperror.WriteJSON(w, apperror.As(wrapNotFound(err, "connection model definition")))
		return
	}
	batch.ApplyMergeToCMD(cmd, set)
	set["key"] = cmd.ComputeKey()

	if err := h.Store.UpdateCMD(r.Context(), id, set); err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}
	if h.Resolver != nil {
		h.Resolver.InvalidatePlatform(cmd.Platform)
	}
	updated, err := h.Store.GetOneCMD(r.Context(), store.Filter{"_id": id})
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// BatchUpdateConnectionModelDefinitions handles PATCH /connection-model-definitions
// (the collection endpoint), applying one partial update per item.
func (h *Handlers) BatchUpdateConnectionModelDefinitions(w http.ResponseWriter, r *http.Request) {
	access, ok := jwtauth.FromContext(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("missing validated access claims"))
		return
	}

	var patches []struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patches); err != nil {
		apperror.WriteJSON(w, apperror.BadRequest("invalid batch update payload", err.Error()))
		return
	}

	items := make([]batch.Item, 0, len(patches))
	for _, p := range patches {
		items = append(items, batch.Item{ID: p.ID, Fields: p.Fields})
	}

	results := h.Batch.Apply(r.Context(), access.Ownership.BuildableId, items)
	writeJSON(w, http.StatusOK, results)
}

// ListActionsForPlatform handles GET /connection-model-definitions/actions/:platform,
// a lean projection for catalog browsing.
func (h *Handlers) ListActionsForPlatform(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	rows, err := h.Store.GetManyCMD(r.Context(), store.Filter{
		"platform":               platform,
		"recordMetadata.deleted": false,
	}, store.ListOptions{Limit: store.MaxLimit})
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	type actionProjection struct {
		Title    string `json:"title"`
		Key      string `json:"key"`
		Method   string `json:"method"`
		Platform string `json:"platform"`
	}
	out := make([]actionProjection, 0, len(rows))
	for _, c := range rows {
		out = append(out, actionProjection{Title: c.Title, Key: c.Name, Method: c.Action, Platform: c.Platform})
	}
	writeJSON(w, http.StatusOK, out)
}

func wrapNotFound(err error, entity string) error {
	if _, ok := err.(*store.ErrNotFound); ok {
		return apperror.NotFound(entity + " not found")
	}
	return err
}

func wrapConflict(err error, entity string) error {
	if c, ok := err.(*store.ErrConflict); ok {
		return apperror.Conflict(entity+" already exists", c.Reason)
	}
	return err
}

func listOptionsFromQuery(r *http.Request) store.ListOptions {
	opts := store.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Skip = n
		}
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
