package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/definition"
	"github.com/conduithq/conduit/internal/dispatcher"
	"github.com/conduithq/conduit/internal/fanout"
	"github.com/conduithq/conduit/internal/jwtauth"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const passthroughHeaderPrefix = "pica-passthrough-"

// Passthrough runs resolve → materialize → dispatch → respond → fan-out,
// for any method under /passthrough/*key.
func (h *Handlers) Passthrough(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	access, ok := jwtauth.FromContext(ctx)
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("missing validated access claims"))
		return
	}

	connectionKey := r.Header.Get(h.Headers.ConnectionHeader)
	authHeader := r.Header.Get("Authorization")
	if connectionKey == "" || authHeader == "" {
		apperror.WriteJSON(w, apperror.BadRequest("missing connection or authorization header"))
		return
	}

	conn, err := h.Resolver.Resolve(ctx, access.Ownership.BuildableId, connectionKey)
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	path := "/" + chi.URLParam(r, "*")
	method := r.Method

	cmd, err := h.Materializer.SelectPassthroughCMD(ctx, conn.Platform, path, method)
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	strippedHeaders := h.stripRoutingHeaders(r.Header)
	query := flattenQuery(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apperror.WriteJSON(w, apperror.BadRequest("failed to read request body"))
		return
	}

	out, err := h.Materializer.Materialize(ctx, cmd, conn, definition.RequestInput{
		Headers: strippedHeaders,
		Query:   query,
		Body:    body,
	})
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	resp, err := h.Dispatcher.DispatchForPassthrough(ctx, out)
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	rewrittenHeaders := writePassthroughResponse(w, resp)

	accessKeyHeaderValue := r.Header.Get(h.Headers.SecretHeader)
	go h.emitFanout(cmd.ID, *conn, accessKeyHeaderValue, resp.Status, resp.Status < 400, rewrittenHeaders)
}

// writePassthroughResponse rewrites upstream headers: Content-Length is
// forwarded verbatim, everything else prefixed. Returns the rewritten set so
// the caller can thread the same headers it sent back to the client into the
// audit event.
func writePassthroughResponse(w http.ResponseWriter, resp *dispatcher.Response) map[string]string {
	rewritten := make(map[string]string, len(resp.Headers))
	for k, vals := range resp.Headers {
		if strings.EqualFold(k, "Content-Length") {
			for _, v := range vals {
				w.Header().Add("Content-Length", v)
				rewritten["Content-Length"] = v
			}
			continue
		}
		for _, v := range vals {
			name := passthroughHeaderPrefix + k
			w.Header().Add(name, v)
			rewritten[name] = v
		}
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Bytes)
	return rewritten
}

func (h *Handlers) stripRoutingHeaders(in http.Header) map[string]string {
	skip := map[string]bool{
		strings.ToLower("Authorization"):              true,
		strings.ToLower(h.Headers.ConnectionHeader):   true,
		strings.ToLower(h.Headers.SecretHeader):       true,
		strings.ToLower(h.Headers.IdPassthroughHeader): true,
		"host": true,
	}
	out := map[string]string{}
	for k, vals := range in {
		if skip[strings.ToLower(k)] || len(vals) == 0 {
			continue
		}
		out[k] = vals[0]
	}
	return out
}

func flattenQuery(r *http.Request) map[string]string {
	out := map[string]string{}
	for k, vals := range r.URL.Query() {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

// emitFanout runs detached from the inbound request's cancellation: caller
// disconnect must not abort the audit/metric emission, so it re-fetches the
// sparse CMD projection on a background context rather than carrying the
// request's. headers carries the rewritten response headers actually sent
// to the caller, so the audit event records what the caller saw, not what
// the upstream API sent.
func (h *Handlers) emitFanout(cmdID string, conn models.Connection, accessKeyHeaderValue string, status int, succeeded bool, headers map[string]string) {
	ctx := context.Background()
	sparse, err := fanout.GetSparseCMDForEvent(ctx, h.Store, store.Filter{"_id": cmdID})
	if err != nil {
		log.Warn().Err(err).Str("definitionId", cmdID).Msg("failed to fetch sparse CMD for audit event")
		return
	}
	h.Fanout.Spawn(fanout.Dispatched{
		Sparse:               *sparse,
		Connection:           conn,
		AccessKeyHeaderValue: accessKeyHeaderValue,
		EventAccessPassword:  h.Auth.EventAccessPassword,
		StatusCode:           status,
		Succeeded:            succeeded,
		Headers:              headers,
	})
}
