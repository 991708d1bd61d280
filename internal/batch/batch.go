// Package batch applies a vector of partial updates to Connection Model
// Definitions, continuing past individual failures and regenerating the
// derived key unconditionally.
package batch

import (
	"context"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
)

// Item is one partial-update record keyed by CMD id. Only keys present in
// Fields overwrite, including keys whose value is a zero value; absent keys
// leave the stored field unchanged. Callers build Fields from the decoded
// JSON patch directly, never the full record.
type Item struct {
	ID     string
	Fields map[string]any
}

// Result is the per-item outcome.
type Result struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AfterUpdateHook runs best-effort after each successful update.
type AfterUpdateHook func(ctx context.Context, cmd *models.ConnectionModelDefinition)

// Engine applies batch updates tenant-scoped to the caller's ownership.
type Engine struct {
	store store.CMDStore
	hook  AfterUpdateHook
}

func New(s store.CMDStore, hook AfterUpdateHook) *Engine {
	return &Engine{store: s, hook: hook}
}

// Apply runs the batch update and returns one Result per Item, in order.
// It never returns a top-level error — failures are per-item.
func (e *Engine) Apply(ctx context.Context, tenantId string, items []Item) []Result {
	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, e.applyOne(ctx, tenantId, item))
	}
	return results
}

func (e *Engine) applyOne(ctx context.Context, tenantId string, item Item) Result {
	if item.ID == "" {
		return Result{Success: false, Error: "Missing ID"}
	}

	cmd, err := e.store.GetOneCMD(ctx, store.Filter{
		"_id":                   item.ID,
		"ownership.buildableId": tenantId,
		"recordMetadata.deleted": false,
	})
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return Result{ID: item.ID, Success: false, Error: "Record not found"}
		}
		return Result{ID: item.ID, Success: false, Error: apperror.As(err).Error()}
	}

	set := make(map[string]any, len(item.Fields)+1)
	for k, v := range item.Fields {
		set[k] = v
	}
	ApplyMergeToCMD(cmd, set)
	// Regenerate the key unconditionally, even if none of its six inputs
	// changed.
	set["key"] = cmd.ComputeKey()

	if err := e.store.UpdateCMD(ctx, item.ID, set); err != nil {
		return Result{ID: item.ID, Success: false, Error: apperror.As(err).Error()}
	}

	if e.hook != nil {
		e.hook(ctx, cmd)
	}
	return Result{ID: item.ID, Success: true}
}

// ApplyMergeToCMD mirrors the partial-update fields onto the in-memory copy
// of cmd so ComputeKey sees the merged state, without mutating the store
// directly — the actual persisted write goes through UpdateCMD's $set.
// Shared with the single-item PATCH handler so both update paths regenerate
// the key from the same merged view.
func ApplyMergeToCMD(cmd *models.ConnectionModelDefinition, set map[string]any) {
	if v, ok := set["platform"].(string); ok {
		cmd.Platform = v
	}
	if v, ok := set["platformVersion"].(string); ok {
		cmd.PlatformVersion = v
	}
	if v, ok := set["modelName"].(string); ok {
		cmd.ModelName = v
	}
	if v, ok := set["actionName"].(string); ok {
		cmd.ActionName = models.ActionName(v)
	}
	if v, ok := set["name"].(string); ok {
		cmd.Name = v
	}
	// Fields addressing platform_info.Api(...) are applied iff the current
	// variant is Api — the only variant implemented here.
	if cmd.PlatformInfoKind == models.PlatformInfoApi || cmd.PlatformInfoKind == "" {
		if v, ok := set["api.path"].(string); ok {
			cmd.Api.Path = v
		}
		if v, ok := set["api.baseUrl"].(string); ok {
			cmd.Api.BaseURL = v
		}
	}
}
