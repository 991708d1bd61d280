package batch_test

import (
	"context"
	"testing"

	"github.com/conduithq/conduit/internal/batch"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPartialFailure(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	valid := &models.ConnectionModelDefinition{
		Platform: "stripe", PlatformVersion: "v1", ModelName: "charge",
		ActionName: models.ActionCreate, Action: "POST", Name: "create charge",
		Api:       models.ApiModelConfig{Path: "/charges"},
		Ownership: models.Ownership{BuildableId: "tenant_a"},
	}
	require.NoError(t, s.CreateCMD(ctx, valid))

	e := batch.New(s, nil)
	results := e.Apply(ctx, "tenant_a", []batch.Item{
		{ID: valid.ID, Fields: map[string]any{"title": "Create a charge"}},
		{ID: "", Fields: map[string]any{}},
		{ID: "cmd_does_not_exist", Fields: map[string]any{}},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, "Missing ID", results[1].Error)
	assert.False(t, results[2].Success)
	assert.Equal(t, "Record not found", results[2].Error)

	got, err := s.GetOneCMD(ctx, store.Filter{"_id": valid.ID})
	require.NoError(t, err)
	assert.Equal(t, "Create a charge", got.Title)
}

func TestApplyRegeneratesKeyUnconditionally(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	cmd := &models.ConnectionModelDefinition{
		Platform: "stripe", PlatformVersion: "v1", ModelName: "charge",
		ActionName: models.ActionCreate, Action: "POST", Name: "create charge",
		Api:       models.ApiModelConfig{Path: "/charges"},
		Ownership: models.Ownership{BuildableId: "tenant_a"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmd))
	originalKey := cmd.Key
	require.NoError(t, s.UpdateCMD(ctx, cmd.ID, map[string]any{"key": "stale"}))

	e := batch.New(s, nil)
	e.Apply(ctx, "tenant_a", []batch.Item{{ID: cmd.ID, Fields: map[string]any{"supported": true}}})
	e.Apply(ctx, "tenant_a", []batch.Item{{ID: cmd.ID, Fields: map[string]any{"supported": true}}})

	got, err := s.GetOneCMD(ctx, store.Filter{"_id": cmd.ID})
	require.NoError(t, err)
	assert.Equal(t, originalKey, got.Key)
}
