package store_test

import (
	"context"
	"testing"

	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *store.MemoryStore {
	return store.NewMemoryStore()
}

func TestCreateAndGetOneCMD(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	cmd := &models.ConnectionModelDefinition{
		Platform:        "gmail",
		PlatformVersion: "v1",
		ModelName:       "message",
		ActionName:      models.ActionList,
		Action:          "GET",
		Name:            "List Messages",
		Api:             models.ApiModelConfig{Path: "/messages"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmd))
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, "api::gmail::v1::message::list::/messages::list messages", cmd.Key)

	got, err := s.GetOneCMD(ctx, store.Filter{"_id": cmd.ID})
	require.NoError(t, err)
	assert.Equal(t, cmd.Key, got.Key)
}

func TestGetOneCMDNotFound(t *testing.T) {
	s := newTestStore()
	_, err := s.GetOneCMD(context.Background(), store.Filter{"_id": "missing"})
	require.Error(t, err)
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestUpdateCMDAppliesSet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	cmd := &models.ConnectionModelDefinition{
		Platform: "slack", PlatformVersion: "v1", ModelName: "message",
		ActionName: models.ActionCreate, Action: "POST", Name: "Send Message",
		Api: models.ApiModelConfig{Path: "/chat.postMessage"},
	}
	require.NoError(t, s.CreateCMD(ctx, cmd))

	err := s.UpdateCMD(ctx, cmd.ID, map[string]any{"title": "Send a Slack message"})
	require.NoError(t, err)

	got, err := s.GetOneCMD(ctx, store.Filter{"_id": cmd.ID})
	require.NoError(t, err)
	assert.Equal(t, "Send a Slack message", got.Title)
}

func TestGetManyCMDPaginates(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateCMD(ctx, &models.ConnectionModelDefinition{
			Platform: "hubspot", PlatformVersion: "v3", ModelName: "contact",
			ActionName: models.ActionList, Action: "GET", Name: "list",
			Api: models.ApiModelConfig{Path: "/contacts"},
		}))
	}
	rows, err := s.GetManyCMD(ctx, store.Filter{}, store.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCreateCVMEnforcesUniqueness(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	first := &models.ConnectionVariableMapping{
		ConnectionModelDefinitionId: "cmd_1",
		ConnectionPlatform:          "gmail",
		Ownership:                   models.Ownership{BuildableId: "tenant_a"},
	}
	require.NoError(t, s.CreateCVM(ctx, first))

	second := &models.ConnectionVariableMapping{
		ConnectionModelDefinitionId: "cmd_1",
		ConnectionPlatform:          "gmail",
		Ownership:                   models.Ownership{BuildableId: "tenant_b"},
	}
	err := s.CreateCVM(ctx, second)
	require.Error(t, err)
	var conflict *store.ErrConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestCreateCVMAllowsDifferentDefinitions(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.CreateCVM(ctx, &models.ConnectionVariableMapping{ConnectionModelDefinitionId: "cmd_1"}))
	err := s.CreateCVM(ctx, &models.ConnectionVariableMapping{ConnectionModelDefinitionId: "cmd_2"})
	assert.NoError(t, err)
}

func TestDeleteCVMReleasesSlotForRecreate(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	first := &models.ConnectionVariableMapping{ConnectionModelDefinitionId: "cmd_1"}
	require.NoError(t, s.CreateCVM(ctx, first))
	require.NoError(t, s.DeleteCVM(ctx, first.ID))

	second := &models.ConnectionVariableMapping{ConnectionModelDefinitionId: "cmd_1"}
	assert.NoError(t, s.CreateCVM(ctx, second))
}

func TestApplySetDotPath(t *testing.T) {
	conn := &models.Connection{Ownership: models.Ownership{BuildableId: "tenant_a"}}
	err := store.ApplySet(conn, map[string]any{"ownership.buildableId": "tenant_b"})
	require.NoError(t, err)
	assert.Equal(t, "tenant_b", conn.Ownership.BuildableId)
}

func TestShapeFilterInjectsOwnershipAndDeleted(t *testing.T) {
	access := &models.EventAccess{Ownership: models.Ownership{BuildableId: "tenant_a"}}
	f := store.ShapeFilter(map[string]string{"platform": "gmail", "unindexed": "x"}, access, map[string]bool{"platform": true})
	assert.Equal(t, false, f["deleted"])
	assert.Equal(t, "tenant_a", f["ownership.buildableId"])
	assert.Equal(t, "gmail", f["platform"])
	_, present := f["unindexed"]
	assert.False(t, present)
}
