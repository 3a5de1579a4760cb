package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain/entities"
)

func sampleState() *entities.SavedState {
	return &entities.SavedState{
		State: entities.AgentStateIdle,
		History: []entities.StateEntry{
			{From: entities.AgentStateCreated, To: entities.AgentStateInitializing, Timestamp: time.Now().UTC()},
			{From: entities.AgentStateInitializing, To: entities.AgentStateIdle, Timestamp: time.Now().UTC()},
		},
		LastUpdated: time.Now().UTC(),
		Context:     entities.ContextSnapshot{Load: 0.5, ErrorCount: 1, HasErrors: false},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	missing, err := store.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	saved := sampleState()
	require.NoError(t, store.Save(ctx, "a1", saved))

	loaded, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, entities.AgentStateIdle, loaded.State)
	assert.Len(t, loaded.History, 2)
	assert.Equal(t, 0.5, loaded.Context.Load)
	assert.Equal(t, 1, loaded.Context.ErrorCount)
}

func TestFileStoreOverwrite(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a1", sampleState()))
	updated := sampleState()
	updated.State = entities.AgentStateBusy
	require.NoError(t, store.Save(ctx, "a1", updated))

	loaded, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, entities.AgentStateBusy, loaded.State)
}

func TestFileStoreDeleteAndList(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a1", sampleState()))
	require.NoError(t, store.Save(ctx, "a2", sampleState()))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, ids)

	require.NoError(t, store.Delete(ctx, "a1"))
	// deleting twice is harmless
	require.NoError(t, store.Delete(ctx, "a1"))

	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a2"}, ids)

	loaded, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	original := sampleState()
	require.NoError(t, store.Save(ctx, "a1", original))
	original.State = entities.AgentStateError

	loaded, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, entities.AgentStateIdle, loaded.State, "store keeps its own copy")
}
