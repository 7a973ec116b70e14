package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/testutils"
)

func setup(t *testing.T) (*Engine, *storage.SQL) {
	t.Helper()
	store := testutils.NewStore(t)
	return NewEngine(store, ""), store
}

func storeFact(t *testing.T, store *storage.SQL, branchName, id, text string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.InsertFact(context.Background(), &model.Fact{
		ID: id, Branch: branchName, Text: text,
		Confidence: 0.7, Status: model.FactActive,
		CreatedAt: createdAt, UpdatedAt: createdAt,
	}))
}

func TestCreateAndRestore(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	storeFact(t, store, "main", "f1", "before the snapshot", now)

	snap, err := engine.Create(ctx, "main", "baseline")
	require.NoError(t, err)
	assert.Equal(t, "baseline", snap.Label)
	assert.NotEmpty(t, snap.Payload)

	// Mutate after the capture, then rewind.
	storeFact(t, store, "main", "f2", "after the snapshot", now)
	f1, err := store.GetFact(ctx, "main", "f1")
	require.NoError(t, err)
	f1.Text = "rewritten"
	require.NoError(t, store.UpdateFact(ctx, f1))

	_, err = engine.Restore(ctx, snap.ID)
	require.NoError(t, err)

	restored, err := store.GetFact(ctx, "main", "f1")
	require.NoError(t, err)
	assert.Equal(t, "before the snapshot", restored.Text)

	_, err = store.GetFact(ctx, "main", "f2")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestRestoreMissingSnapshot(t *testing.T) {
	engine, _ := setup(t)

	_, err := engine.Restore(context.Background(), "ghost")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestCreateUnknownBranch(t *testing.T) {
	engine, _ := setup(t)

	_, err := engine.Create(context.Background(), "nope", "")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestListNewestFirstWithoutPayload(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	first, err := engine.Create(ctx, "main", "first")
	require.NoError(t, err)
	second, err := engine.Create(ctx, "main", "second")
	require.NoError(t, err)

	snaps, err := engine.List(ctx, "main", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, second.ID, snaps[0].ID)
	assert.Equal(t, first.ID, snaps[1].ID)
	assert.Empty(t, snaps[0].Payload)
}

func TestRestoreIntoSeedsAnotherBranch(t *testing.T) {
	engine, store := setup(t)
	branches := branch.NewEngine(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	storeFact(t, store, "main", "f1", "captured knowledge", now)
	snap, err := engine.Create(ctx, "main", "seed")
	require.NoError(t, err)

	_, err = branches.Create(ctx, "template/from-seed", branch.CreateOptions{Entities: []string{}})
	require.NoError(t, err)
	require.NoError(t, engine.RestoreInto(ctx, snap.ID, "template/from-seed"))

	f, err := store.GetFact(ctx, "template/from-seed", "f1")
	require.NoError(t, err)
	assert.Equal(t, "captured knowledge", f.Text)
}

func TestFactsAsOf(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-time.Hour)
	storeFact(t, store, "main", "old", "early knowledge", t0)
	storeFact(t, store, "main", "new", "late knowledge", t0.Add(30*time.Minute))

	// Before the first write nothing is visible.
	facts, err := engine.FactsAsOf(ctx, "main", t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, facts)

	// Between the writes only the first shows.
	facts, err = engine.FactsAsOf(ctx, "main", t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "old", facts[0].ID)

	// Now shows both, newest first.
	facts, err = engine.FactsAsOf(ctx, "main", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "new", facts[0].ID)
}
