package definition_test

import (
	"context"
	"testing"

	"github.com/conduithq/conduit/internal/definition"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/secrets"
	"github.com/conduithq/conduit/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterializeStrictPathInjectionOverridesCaller(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	cmd := &models.ConnectionModelDefinition{
		Platform: "hotels", PlatformVersion: "v1", ModelName: "hotel",
		ActionName: models.ActionRead, Action: "GET", Name: "get hotel",
		Api: models.ApiModelConfig{BaseURL: "https://api.hotels.test", Path: "/hotels/{id}"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmd))

	cvm := &models.ConnectionVariableMapping{
		ConnectionModelDefinitionId: cmd.ID,
		Bindings: []models.VariableBinding{
			{VariableName: "hotel_id", TargetParam: "id", Location: models.LocationPathParam, Strategy: models.StrategyStrict, DataType: models.DataTypeString},
		},
	}
	require.NoError(t, s.CreateCVM(ctx, cvm))

	conn := &models.Connection{SecretsServiceId: "secret_1", Ownership: models.Ownership{BuildableId: "tenant_a"}}
	secretsClient := &secrets.StaticClient{Blob: map[string]any{"hotel_id": "H9"}}

	m := definition.New(s, s, secretsClient)
	out, err := m.Materialize(ctx, cmd, conn, definition.RequestInput{PathParams: map[string]string{"id": "X"}})
	require.NoError(t, err)
	assert.Equal(t, "https://api.hotels.test/hotels/H9", out.URL)
}

func TestMaterializeFallbackPreservesCallerValue(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	cmd := &models.ConnectionModelDefinition{
		Platform: "hotels", PlatformVersion: "v1", ModelName: "hotel",
		ActionName: models.ActionRead, Action: "GET", Name: "get hotel",
		Api: models.ApiModelConfig{BaseURL: "https://api.hotels.test", Path: "/hotels/{id}"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmd))

	cvm := &models.ConnectionVariableMapping{
		ConnectionModelDefinitionId: cmd.ID,
		Bindings: []models.VariableBinding{
			{VariableName: "hotel_id", TargetParam: "id", Location: models.LocationPathParam, Strategy: models.StrategyFallback, DataType: models.DataTypeString},
		},
	}
	require.NoError(t, s.CreateCVM(ctx, cvm))

	conn := &models.Connection{SecretsServiceId: "secret_1", Ownership: models.Ownership{BuildableId: "tenant_a"}}
	secretsClient := &secrets.StaticClient{Blob: map[string]any{"hotel_id": "H9"}}

	m := definition.New(s, s, secretsClient)
	out, err := m.Materialize(ctx, cmd, conn, definition.RequestInput{PathParams: map[string]string{"id": "X"}})
	require.NoError(t, err)
	assert.Equal(t, "https://api.hotels.test/hotels/X", out.URL)
}

func TestMaterializeRejectsNonNumericCoercion(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	cmd := &models.ConnectionModelDefinition{
		Platform: "billing", PlatformVersion: "v1", ModelName: "charge",
		ActionName: models.ActionCreate, Action: "POST", Name: "create charge",
		Api: models.ApiModelConfig{BaseURL: "https://api.billing.test", Path: "/charges"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmd))

	cvm := &models.ConnectionVariableMapping{
		ConnectionModelDefinitionId: cmd.ID,
		Bindings: []models.VariableBinding{
			{VariableName: "amount", TargetParam: "amount", Location: models.LocationBodyField, Strategy: models.StrategyStrict, DataType: models.DataTypeNumber},
		},
	}
	require.NoError(t, s.CreateCVM(ctx, cvm))

	conn := &models.Connection{SecretsServiceId: "secret_1", Ownership: models.Ownership{BuildableId: "tenant_a"}}
	secretsClient := &secrets.StaticClient{Blob: map[string]any{"amount": "not-a-number"}}

	m := definition.New(s, s, secretsClient)
	_, err := m.Materialize(ctx, cmd, conn, definition.RequestInput{})
	assert.Error(t, err)
}
