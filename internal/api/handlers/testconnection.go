package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/definition"
	"github.com/conduithq/conduit/internal/jwtauth"
	"github.com/conduithq/conduit/internal/models"
	"github.com/go-chi/chi/v5"
)

// testRequest is the request shape for POST /connection-model-definitions/test/:id.
type testRequest struct {
	ConnectionKey string            `json:"connectionKey"`
	Request       testRequestFields `json:"request"`
}

type testRequestFields struct {
	Headers    map[string]string `json:"headers,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
	PathParams map[string]string `json:"pathParams,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// TestConnection runs the same resolve→materialize→dispatch pipeline as
// Passthrough but against an inactive CMD, then records the outcome. The
// response body is always the textual upstream body, success or failure, so
// the caller can inspect upstream error messages.
func (h *Handlers) TestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	access, ok := jwtauth.FromContext(ctx)
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("missing validated access claims"))
		return
	}

	id := chi.URLParam(r, "id")
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperror.WriteJSON(w, apperror.BadRequest("invalid test-connection payload", err.Error()))
		return
	}

	cmd, err := h.Materializer.SelectTestCMD(ctx, id)
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	conn, err := h.Resolver.Resolve(ctx, access.Ownership.BuildableId, req.ConnectionKey)
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	out, err := h.Materializer.Materialize(ctx, cmd, conn, definition.RequestInput{
		Headers:    req.Request.Headers,
		Query:      req.Request.Query,
		PathParams: req.Request.PathParams,
		Body:       []byte(req.Request.Body),
	})
	if err != nil {
		h.recordTestOutcome(ctx, id, models.TestConnectionStatus{
			LastTestedAt: time.Now().UTC(),
			State:        models.TestStateFailure,
			Message:      err.Error(),
		})
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	resp, dispatchErr := h.Dispatcher.Dispatch(ctx, out)

	requestPayload := map[string]any{
		"method":  out.Method,
		"url":     out.URL,
		"headers": out.Headers,
		"query":   out.Query,
	}

	if dispatchErr != nil {
		h.recordTestOutcome(ctx, id, models.TestConnectionStatus{
			LastTestedAt:   time.Now().UTC(),
			State:          models.TestStateFailure,
			Message:        dispatchErr.Error(),
			RequestPayload: requestPayload,
		})
		apperror.WriteJSON(w, apperror.As(dispatchErr))
		return
	}

	h.recordTestOutcome(ctx, id, models.TestConnectionStatus{
		LastTestedAt:   time.Now().UTC(),
		State:          models.TestStateSuccess,
		Response:       resp.Text(),
		RequestPayload: requestPayload,
	})

	w.WriteHeader(resp.Status)
	w.Write(resp.Bytes)
}

func (h *Handlers) recordTestOutcome(ctx context.Context, id string, status models.TestConnectionStatus) {
	_ = h.Store.UpdateCMD(ctx, id, map[string]any{"testConnectionStatus": status})
}
