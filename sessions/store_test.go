package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truepast/truepast-backend/models"
)

func TestMemoryStoreLazyCreation(t *testing.T) {
	store := NewMemoryStore()

	sess, err := store.Get(context.Background(), "chat1")
	require.NoError(t, err)
	assert.Equal(t, "chat1", sess.Identity)
	assert.Equal(t, models.PhaseIdle, sess.Phase)

	// Lazy sessions are not stored until Put.
	assert.Zero(t, store.Len())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := models.NewUserSession("chat1")
	sess.Phase = models.PhaseAwaitingPrompt
	sess.Style = models.StyleDramatic
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAwaitingPrompt, got.Phase)
	assert.Equal(t, models.StyleDramatic, got.Style)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := models.NewUserSession("chat1")
	sess.Script = "original"
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, "chat1")
	require.NoError(t, err)
	got.Script = "mutated without Put"

	again, err := store.Get(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Script)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := models.NewUserSession("chat1")
	sess.Phase = models.PhaseAwaitingStyle
	require.NoError(t, store.Put(ctx, sess))
	require.NoError(t, store.Delete(ctx, "chat1"))

	got, err := store.Get(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, got.Phase)
}

func TestSweepEvictsStaleSessionsInAnyPhase(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	staleIdle := models.NewUserSession("stale")
	require.NoError(t, store.Put(ctx, staleIdle))

	// A conversation abandoned mid-phase goes stale the same way.
	abandoned := models.NewUserSession("abandoned")
	abandoned.Phase = models.PhaseAwaitingPublish
	abandoned.Script = "draft"
	require.NoError(t, store.Put(ctx, abandoned))

	// Backdate both past the horizon.
	store.mu.Lock()
	for _, s := range store.sessions {
		s.UpdatedAt = time.Now().Add(-3 * time.Hour)
	}
	store.mu.Unlock()

	fresh := models.NewUserSession("fresh")
	fresh.Phase = models.PhaseAwaitingApproval
	require.NoError(t, store.Put(ctx, fresh))

	evicted := store.Sweep(2 * time.Hour)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, store.Len())

	// The live conversation survived.
	got, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAwaitingApproval, got.Phase)
}
