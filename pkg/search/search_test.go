package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/testutils"
	"github.com/kadirpekel/memtree/pkg/vector"
)

func newEngine(t *testing.T) (*Engine, *storage.SQL) {
	t.Helper()
	store := testutils.NewStore(t)
	return NewEngine(store, testutils.NewEmbedder(), nil), store
}

func insertFact(t *testing.T, store *storage.SQL, branchName, id, text string, createdAt time.Time, vec []float32) {
	t.Helper()
	require.NoError(t, store.InsertFact(context.Background(), &model.Fact{
		ID:         id,
		Branch:     branchName,
		Text:       text,
		Confidence: 0.7,
		Status:     model.FactActive,
		Embedding:  vec,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}))
}

func TestJaccardScore(t *testing.T) {
	tests := []struct {
		name  string
		query string
		text  string
		want  float64
	}{
		{"identical", "cache invalidation", "cache invalidation", 1.0},
		{"partial", "cache invalidation", "cache warming", 1.0 / 3.0},
		{"disjoint", "cache invalidation", "kafka retention", 0},
		{"empty query", "", "anything", 0},
		{"empty text", "anything", "", 0},
		{"case and punctuation folded", "Cache, Invalidation!", "cache invalidation", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, JaccardScore(tt.query, tt.text), 1e-9)
		})
	}
}

func TestQueryValidation(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Facts(ctx, Query{Branch: "main"})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = engine.Facts(ctx, Query{Text: "anything", Branch: "main", Mode: "fuzzy"})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
}

func TestKeywordRanking(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertFact(t, store, "main", "exact", "postgres connection pooling", now, nil)
	insertFact(t, store, "main", "partial", "postgres replication lag", now, nil)
	insertFact(t, store, "main", "unrelated", "kafka topic retention", now, nil)

	hits, err := engine.Facts(ctx, Query{Text: "postgres connection pooling", Branch: "main", Mode: ModeKeyword})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(hits), 2)
	assert.Equal(t, "exact", hits[0].Fact.ID)
	assert.Equal(t, "partial", hits[1].Fact.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestKeywordModeDropsZeroScores(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// Zero CreatedAt means no temporal bonus, so a miss scores zero.
	insertFact(t, store, "main", "stale", "kafka topic retention", time.Time{}, nil)

	hits, err := engine.Facts(ctx, Query{Text: "postgres pooling", Branch: "main", Mode: ModeKeyword})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDefaultLimit(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < DefaultLimit+5; i++ {
		insertFact(t, store, "main", fmt.Sprintf("f%02d", i), "deploy checklist item", now, nil)
	}

	hits, err := engine.Facts(ctx, Query{Text: "deploy checklist", Branch: "main", Mode: ModeKeyword})
	require.NoError(t, err)
	assert.Len(t, hits, DefaultLimit)

	hits, err = engine.Facts(ctx, Query{Text: "deploy checklist", Branch: "main", Mode: ModeKeyword, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestHybridPrefersSemanticAndLexicalMatch(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	embed := testutils.NewEmbedder()

	vecA, err := embed.Embed(ctx, "postgres connection pooling")
	require.NoError(t, err)
	vecB, err := embed.Embed(ctx, "kafka topic retention")
	require.NoError(t, err)

	insertFact(t, store, "main", "match", "postgres connection pooling", now, vecA)
	insertFact(t, store, "main", "other", "kafka topic retention", now, vecB)

	hits, err := engine.Facts(ctx, Query{Text: "postgres connection pooling", Branch: "main", Mode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "match", hits[0].Fact.ID)
	// Full keyword and vector agreement beats anything a miss can score.
	assert.Greater(t, hits[0].Score, keywordWeight+vectorWeight/2)
}

func TestVectorModeIgnoresKeywordOverlap(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	embed := testutils.NewEmbedder()

	// Same vector as the query text but different wording, versus a fact
	// with lexical overlap and no embedding.
	vec, err := embed.Embed(ctx, "postgres connection pooling")
	require.NoError(t, err)
	insertFact(t, store, "main", "semantic", "pool database connections", now, vec)
	insertFact(t, store, "main", "lexical", "postgres connection pooling", now, nil)

	hits, err := engine.Facts(ctx, Query{Text: "postgres connection pooling", Branch: "main", Mode: ModeVector})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "semantic", hits[0].Fact.ID)
}

func TestTimeWindowFiltersOldFacts(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertFact(t, store, "main", "recent", "incident postmortem notes", now, nil)
	insertFact(t, store, "main", "old", "incident postmortem notes", now.Add(-48*time.Hour), nil)

	hits, err := engine.Facts(ctx, Query{
		Text: "incident postmortem", Branch: "main",
		Mode: ModeKeyword, TimeWindow: 24 * time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "recent", hits[0].Fact.ID)
}

func TestCategoryFilter(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	decision := &model.Fact{
		ID: "d1", Branch: "main", Text: "use sqlite for local runs",
		Category: "decision", Confidence: 0.8, Status: model.FactActive,
		CreatedAt: now, UpdatedAt: now,
	}
	learning := &model.Fact{
		ID: "l1", Branch: "main", Text: "sqlite locks under parallel writers",
		Category: "learning", Confidence: 0.8, Status: model.FactActive,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.InsertFact(ctx, decision))
	require.NoError(t, store.InsertFact(ctx, learning))

	hits, err := engine.Facts(ctx, Query{Text: "sqlite", Branch: "main", Mode: ModeKeyword, Category: "decision"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].Fact.ID)
}

func TestCrossBranch(t *testing.T) {
	engine, store := newEngine(t)
	branches := branch.NewEngine(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := engine.CrossBranch(ctx, Query{Text: "anything"}, nil)
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	insertFact(t, store, "main", "m1", "retry budget policy", now, nil)
	_, err = branches.Create(ctx, "task/retry", branch.CreateOptions{Entities: []string{}})
	require.NoError(t, err)
	insertFact(t, store, "task/retry", "b1", "retry budget exhausted on the gateway", now, nil)

	grouped, merged, err := engine.CrossBranch(ctx,
		Query{Text: "retry budget", Mode: ModeKeyword},
		[]string{"main", "task/retry"})
	require.NoError(t, err)

	require.Len(t, grouped, 2)
	assert.Equal(t, "main", grouped[0].Branch)
	assert.Equal(t, "task/retry", grouped[1].Branch)
	require.Len(t, grouped[0].Hits, 1)
	require.Len(t, grouped[1].Hits, 1)

	require.Len(t, merged, 2)
	// Tighter overlap on main ranks it first in the merged view.
	assert.Equal(t, "m1", merged[0].Fact.ID)
}

func TestObservationsRankBySummary(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id, summary string) *model.Observation {
		return &model.Observation{
			ID: id, Branch: "main", SessionID: "s1",
			Type: model.ObsToolUse, Summary: summary,
			Outcome: model.OutcomeSuccess, CreatedAt: now,
		}
	}
	require.NoError(t, store.InsertObservation(ctx, mk("o1", "ran migration against staging")))
	require.NoError(t, store.InsertObservation(ctx, mk("o2", "listed files in repository")))

	hits, err := engine.Observations(ctx, Query{Text: "migration staging", Branch: "main", Mode: ModeKeyword})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "o1", hits[0].Observation.ID)
}

func TestEmptyBranchReturnsNoHits(t *testing.T) {
	engine, _ := newEngine(t)

	hits, err := engine.Facts(context.Background(), Query{Text: "anything at all", Branch: "main"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorModeUsesIndex(t *testing.T) {
	store := testutils.NewStore(t)
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	embed := testutils.NewEmbedder()
	engine := NewEngine(store, embed, provider)
	ctx := context.Background()
	now := time.Now().UTC()

	// Rows carry no stored embeddings, so similarity must come from the
	// index, not the per-row cosine fallback.
	texts := map[string]string{
		"pooling":   "postgres connection pooling",
		"retention": "kafka topic retention",
	}
	col := vector.CollectionFor("facts", model.BranchSlug("main"))
	for id, text := range texts {
		insertFact(t, store, "main", id, text, now, nil)
		vec, err := embed.Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, provider.Upsert(ctx, col, id, vec, nil))
	}

	hits, err := engine.Facts(ctx, Query{
		Text: "postgres connection pooling", Branch: "main", Mode: ModeVector,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "pooling", hits[0].Fact.ID)
	// Without the index the vector signal would be zero and only the
	// temporal bonus would remain.
	assert.Greater(t, hits[0].Score, 0.7)
}
