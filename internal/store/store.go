// Package store provides the generic document-store facade:
// typed filter/get/update/create operations over whatever backend is
// configured — an in-memory map for tests/local dev, Postgres in
// production. All handler and resolver code depends only on the Store
// interface, never on a concrete backend.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/models"
)

// Filter is a document-shaped query. Keys are field names (dot-path for
// nested fields, e.g. "ownership.buildableId"); values are equality
// constraints. This mirrors the bson.M filters the original service built
// by hand.
type Filter map[string]any

// MaxLimit bounds how many rows get_many can return in one call.
const MaxLimit = 500

// DefaultLimit is used when the caller doesn't specify one.
const DefaultLimit = 100

// ListOptions configures GetMany: optional sort, limit, and skip.
// Projection is not a field here: the in-memory and Postgres implementations
// always return full records. The sparse-CMD accessor is the only
// projection: both backends read the full record and copy the projected
// fields out of it, so it does not narrow the underlying read.
type ListOptions struct {
	SortField string
	SortDesc  bool
	Limit     int
	Skip      int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultLimit
	}
	if o.Limit > MaxLimit {
		return MaxLimit
	}
	return o.Limit
}

// ShapeFilter builds the common document filter: `deleted:false` is always
// implicit, tenant
// ownership is injected when access is non-nil, and any query-string key
// that names an indexed field is lifted into an equality clause.
func ShapeFilter(query map[string]string, access *models.EventAccess, indexedFields map[string]bool) Filter {
	f := Filter{"deleted": false}
	if access != nil {
		f["ownership.buildableId"] = access.Ownership.BuildableId
	}
	for k, v := range query {
		if indexedFields[k] {
			f[k] = v
		}
	}
	return f
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a unique constraint (e.g. one CVM per CMD)
// is violated, including check-then-create races losing to a concurrent
// writer.
type ErrConflict struct {
	Entity string
	Reason string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " conflict: " + e.Reason
}

// Store is the primary storage interface for the gateway. CMD/Connection/
// CVM CRUD plus lifecycle (Ping/Close/Migrate) — everything handler,
// resolver, and batch-update code depends on.
type Store interface {
	CMDStore
	ConnectionStore
	CVMStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations (no-op for the in-memory store).
	Migrate(ctx context.Context) error
}

// ── Connection Model Definition Store ───────────────────────

type CMDStore interface {
	GetOneCMD(ctx context.Context, filter Filter) (*models.ConnectionModelDefinition, error)
	GetManyCMD(ctx context.Context, filter Filter, opts ListOptions) ([]models.ConnectionModelDefinition, error)
	CountCMD(ctx context.Context, filter Filter) (int64, error)
	CreateCMD(ctx context.Context, cmd *models.ConnectionModelDefinition) error
	UpdateCMD(ctx context.Context, id string, set map[string]any) error

	// GetSparseCMD returns the lean projection the audit fan-out task reads
	// in the background.
	GetSparseCMD(ctx context.Context, filter Filter) (*models.SparseCMD, error)
}

// ── Connection Store ─────────────────────────────────────────

type ConnectionStore interface {
	GetOneConnection(ctx context.Context, filter Filter) (*models.Connection, error)
	CreateConnection(ctx context.Context, conn *models.Connection) error
	UpdateConnection(ctx context.Context, id string, set map[string]any) error
}

// ── Connection Variable Mapping Store ────────────────────────

type CVMStore interface {
	GetOneCVM(ctx context.Context, filter Filter) (*models.ConnectionVariableMapping, error)
	GetManyCVM(ctx context.Context, filter Filter, opts ListOptions) ([]models.ConnectionVariableMapping, error)
	// CreateCVM enforces the "at most one non-deleted CVM per
	// connection_model_definition_id" invariant. Implementations
	// MUST return *ErrConflict, not silently overwrite, when a race is lost.
	CreateCVM(ctx context.Context, cvm *models.ConnectionVariableMapping) error
	UpdateCVM(ctx context.Context, id string, set map[string]any) error
	DeleteCVM(ctx context.Context, id string) error
}

// ApplySet applies a flat or dot-path "$set"-style document onto target by
// round-tripping through JSON — the same semantics Mongo's update_one($set)
// has, and the natural place an Internal/serialize_error can occur.
func ApplySet(target any, set map[string]any) error {
	raw, err := json.Marshal(target)
	if err != nil {
		return apperror.SerializeError("failed to serialize record for update", err.Error())
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperror.SerializeError("failed to decode record for update", err.Error())
	}
	for path, val := range set {
		setDotPath(doc, path, val)
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return apperror.SerializeError("failed to re-serialize updated record", err.Error())
	}
	if err := json.Unmarshal(merged, target); err != nil {
		return apperror.SerializeError("failed to decode updated record", err.Error())
	}
	return nil
}

func setDotPath(doc map[string]any, path string, val any) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = val
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}
