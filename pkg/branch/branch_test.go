package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/testutils"
	"github.com/kadirpekel/memtree/pkg/vector"
)

func newEngine(t *testing.T) (*Engine, *storage.SQL) {
	t.Helper()
	store := testutils.NewStore(t)
	return NewEngine(store, nil), store
}

func seedFact(t *testing.T, store *storage.SQL, branch, id, text string) {
	t.Helper()
	require.NoError(t, store.InsertFact(context.Background(), &model.Fact{
		ID:         id,
		Branch:     branch,
		Text:       text,
		Category:   "decision",
		Confidence: 0.7,
		Status:     model.FactActive,
	}))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "experiment-1", false},
		{"scoped", "task/fix-auth/agent-1", false},
		{"dots and underscores", "template/python_expert.v2", false},
		{"empty", "", true},
		{"reserved", "head", true},
		{"leading slash", "/task/x", true},
		{"trailing slash", "task/x/", true},
		{"empty segment", "task//x", true},
		{"uppercase", "Task/Fix", true},
		{"spaces", "my branch", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateForksParentData(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	seedFact(t, store, "main", "f1", "postgres is the primary store")

	b, err := engine.Create(ctx, "experiment/cache", CreateOptions{Description: "cache spike"})
	require.NoError(t, err)
	assert.Equal(t, "main", b.Parent)
	assert.Equal(t, model.BranchActive, b.Status)

	// The fork carries the parent's fact.
	f, err := store.GetFact(ctx, "experiment/cache", "f1")
	require.NoError(t, err)
	assert.Equal(t, "postgres is the primary store", f.Text)

	// Writes on the fork stay isolated from the parent.
	seedFact(t, store, "experiment/cache", "f2", "redis for hot keys")
	_, err = store.GetFact(ctx, "main", "f2")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestCreateCuratedBranchStartsEmpty(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	seedFact(t, store, "main", "f1", "something known")

	_, err := engine.Create(ctx, "handoff/reviewer", CreateOptions{Entities: []string{}})
	require.NoError(t, err)

	facts, err := store.ListFacts(ctx, storage.FactFilter{Branch: "handoff/reviewer"})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestCreateRejectsDuplicateAndUnknownEntity(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, "task/one", CreateOptions{})
	require.NoError(t, err)

	_, err = engine.Create(ctx, "task/one", CreateOptions{})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = engine.Create(ctx, "task/two", CreateOptions{Entities: []string{"widgets"}})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
}

func TestCreateFromArchivedParentFails(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, "task/dead", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.Archive(ctx, "task/dead"))

	_, err = engine.Create(ctx, "task/dead/child", CreateOptions{Parent: "task/dead"})
	assert.Equal(t, memerr.KindPreconditionFailed, memerr.KindOf(err))
}

func TestArchive(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, "task/x", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, engine.Archive(ctx, "task/x"))
	// Idempotent.
	require.NoError(t, engine.Archive(ctx, "task/x"))

	b, err := engine.Get(ctx, "task/x")
	require.NoError(t, err)
	assert.Equal(t, model.BranchArchived, b.Status)

	err = engine.Archive(ctx, "main")
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	err = engine.Archive(ctx, "task/missing")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestListIncludesVirtualRoot(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	branches, err := engine.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, "main", branches[0].Name)
	assert.Equal(t, model.BranchActive, branches[0].Status)
}

func TestDiffCount(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	seedFact(t, store, "main", "f1", "shared fact")

	_, err := engine.Create(ctx, "task/diff", CreateOptions{})
	require.NoError(t, err)

	seedFact(t, store, "task/diff", "f2", "only on the branch")

	counts, err := engine.DiffCount(ctx, "task/diff", "main")
	require.NoError(t, err)

	byEntity := map[string]DiffCounts{}
	for _, c := range counts {
		byEntity[c.Entity] = c
	}
	assert.Equal(t, 1, byEntity["facts"].Inserts)
	assert.Equal(t, 0, byEntity["facts"].Updates)
	assert.Equal(t, 0, byEntity["facts"].Deletes)

	_, err = engine.DiffCount(ctx, "task/diff", "task/diff")
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
}

func TestDiffDetectsUpdates(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	seedFact(t, store, "main", "f1", "original text")

	_, err := engine.Create(ctx, "task/upd", CreateOptions{})
	require.NoError(t, err)

	f, err := store.GetFact(ctx, "task/upd", "f1")
	require.NoError(t, err)
	f.Text = "revised text"
	require.NoError(t, store.UpdateFact(ctx, f))

	counts, err := engine.DiffCount(ctx, "task/upd", "main")
	require.NoError(t, err)
	for _, c := range counts {
		if c.Entity == "facts" {
			assert.Equal(t, 1, c.Updates)
		}
	}
}

func TestArchiveDropsVectorCollections(t *testing.T) {
	store := testutils.NewStore(t)
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	engine := NewEngine(store, provider)
	ctx := context.Background()

	_, err = engine.Create(ctx, "task/stale", CreateOptions{})
	require.NoError(t, err)

	col := vector.CollectionFor("facts", model.BranchSlug("task/stale"))
	require.NoError(t, provider.Upsert(ctx, col, "f1", []float32{1, 0, 0}, nil))

	hits, err := provider.Search(ctx, col, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NoError(t, engine.Archive(ctx, "task/stale"))

	hits, err = provider.Search(ctx, col, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
