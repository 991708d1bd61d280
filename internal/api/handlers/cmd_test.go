package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/conduithq/conduit/internal/api/handlers"
	"github.com/conduithq/conduit/internal/batch"
	"github.com/conduithq/conduit/internal/config"
	"github.com/conduithq/conduit/internal/jwtauth"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHandlers(t *testing.T, s store.Store) *handlers.Handlers {
	t.Helper()
	return handlers.New(
		s,
		nil,
		nil,
		nil,
		nil,
		batch.New(s, nil),
		config.HeaderConfig{ConnectionHeader: "x-pica-connection-key", SecretHeader: "x-pica-secret-key"},
		config.AuthConfig{},
	)
}

func fakeAccessContext(ctx context.Context, buildableId string) context.Context {
	return jwtauth.NewContext(ctx, &models.EventAccess{Ownership: models.Ownership{BuildableId: buildableId}})
}

func TestCreateConnectionModelDefinitionStampsOwnership(t *testing.T) {
	s := store.NewMemoryStore()
	h := testHandlers(t, s)

	body, _ := json.Marshal(map[string]any{
		"platform":        "stripe",
		"platformVersion": "v1",
		"modelName":       "charge",
		"actionName":      "create",
		"action":          "POST",
		"name":            "create charge",
		"api":             map[string]any{"path": "/charges", "baseUrl": "https://api.stripe.com"},
	})
	req := httptest.NewRequest(http.MethodPost, "/connection-model-definitions", bytes.NewReader(body))
	req = req.WithContext(fakeAccessContext(req.Context(), "tenant_a"))
	rec := httptest.NewRecorder()

	h.CreateConnectionModelDefinition(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.ConnectionModelDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "tenant_a", created.Ownership.BuildableId)
	assert.NotEmpty(t, created.Key)
}

func TestListConnectionModelDefinitionsScopedToTenant(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	cmdA := &models.ConnectionModelDefinition{
		Platform: "stripe", PlatformVersion: "v1", ModelName: "charge",
		ActionName: models.ActionCreate, Action: "POST", Name: "create charge",
		Api:       models.ApiModelConfig{Path: "/charges"},
		Ownership: models.Ownership{BuildableId: "tenant_a"},
	}
	cmdB := &models.ConnectionModelDefinition{
		Platform: "stripe", PlatformVersion: "v1", ModelName: "refund",
		ActionName: models.ActionCreate, Action: "POST", Name: "create refund",
		Api:       models.ApiModelConfig{Path: "/refunds"},
		Ownership: models.Ownership{BuildableId: "tenant_b"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmdA))
	require.NoError(t, s.CreateCMD(ctx, cmdB))

	h := testHandlers(t, s)
	req := httptest.NewRequest(http.MethodGet, "/connection-model-definitions", nil)
	req = req.WithContext(fakeAccessContext(req.Context(), "tenant_a"))
	rec := httptest.NewRecorder()

	h.ListConnectionModelDefinitions(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []models.ConnectionModelDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, cmdA.ID, rows[0].ID)
}

func TestUpdateConnectionModelDefinitionRegeneratesKey(t *testing.T) {
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

	h := testHandlers(t, s)
	body, _ := json.Marshal(map[string]any{"modelName": "payment"})
	req := httptest.NewRequest(http.MethodPatch, "/connection-model-definitions/"+cmd.ID, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", cmd.ID)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.UpdateConnectionModelDefinition(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated models.ConnectionModelDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "payment", updated.ModelName)
	assert.NotEqual(t, originalKey, updated.Key)
}

func TestUpdateConnectionModelDefinitionRegeneratesKeyOnPathChange(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	cmd := &models.ConnectionModelDefinition{
		Platform: "stripe", PlatformVersion: "v1", ModelName: "charge",
		ActionName: models.ActionCreate, Action: "POST", Name: "create charge",
		Api:       models.ApiModelConfig{Path: "/charges", BaseURL: "https://api.stripe.com"},
		Ownership: models.Ownership{BuildableId: "tenant_a"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmd))
	originalKey := cmd.Key

	h := testHandlers(t, s)
	body, _ := json.Marshal(map[string]any{"api.path": "/v2/charges"})
	req := httptest.NewRequest(http.MethodPatch, "/connection-model-definitions/"+cmd.ID, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", cmd.ID)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.UpdateConnectionModelDefinition(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated models.ConnectionModelDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "/v2/charges", updated.Api.Path)
	assert.NotEqual(t, originalKey, updated.Key)

	cmdAfterMerge := &models.ConnectionModelDefinition{
		Platform: cmd.Platform, PlatformVersion: cmd.PlatformVersion, ModelName: cmd.ModelName,
		ActionName: cmd.ActionName, Name: cmd.Name,
		Api: models.ApiModelConfig{Path: "/v2/charges", BaseURL: cmd.Api.BaseURL},
	}
	assert.Equal(t, cmdAfterMerge.ComputeKey(), updated.Key)
}

func TestUpdateConnectionModelDefinitionNotFound(t *testing.T) {
	s := store.NewMemoryStore()
	h := testHandlers(t, s)

	req := httptest.NewRequest(http.MethodPatch, "/connection-model-definitions/missing", bytes.NewReader([]byte(`{}`)))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "missing")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.UpdateConnectionModelDefinition(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchUpdateConnectionModelDefinitionsPerItemResults(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	cmd := &models.ConnectionModelDefinition{
		Platform: "stripe", PlatformVersion: "v1", ModelName: "charge",
		ActionName: models.ActionCreate, Action: "POST", Name: "create charge",
		Api:       models.ApiModelConfig{Path: "/charges"},
		Ownership: models.Ownership{BuildableId: "tenant_a"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmd))

	h := testHandlers(t, s)
	body, _ := json.Marshal([]map[string]any{
		{"id": cmd.ID, "fields": map[string]any{"supported": true}},
		{"id": "cmd_missing", "fields": map[string]any{}},
	})
	req := httptest.NewRequest(http.MethodPatch, "/connection-model-definitions", bytes.NewReader(body))
	req = req.WithContext(fakeAccessContext(req.Context(), "tenant_a"))
	rec := httptest.NewRecorder()

	h.BatchUpdateConnectionModelDefinitions(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []batch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
}
