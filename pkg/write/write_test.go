package write

import (
	"context"
	"strings"
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
	return NewEngine(store, testutils.NewEmbedder(), nil), store
}

func TestWriteFact(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	f, err := engine.WriteFact(ctx, FactRequest{
		Text:       "the gateway retries twice",
		Category:   "learning",
		Confidence: 0.8,
		SessionID:  "s1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "main", f.Branch)
	assert.Equal(t, model.FactActive, f.Status)
	assert.NotEmpty(t, f.Embedding)
	assert.False(t, f.CreatedAt.IsZero())

	got, err := store.GetFact(ctx, "main", f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Text, got.Text)
}

func TestWriteFactValidation(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	_, err := engine.WriteFact(ctx, FactRequest{})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = engine.WriteFact(ctx, FactRequest{Text: "anything", Branch: "ghost"})
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestWriteFactClampsConfidence(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	f, err := engine.WriteFact(ctx, FactRequest{Text: "overconfident", Confidence: 1.7})
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.Confidence)

	f, err = engine.WriteFact(ctx, FactRequest{Text: "underconfident", Confidence: -0.2})
	require.NoError(t, err)
	assert.Equal(t, 0.0, f.Confidence)
}

func TestWriteFactWithoutEmbedder(t *testing.T) {
	store := testutils.NewStore(t)
	engine := NewEngine(store, nil, nil)

	f, err := engine.WriteFact(context.Background(), FactRequest{Text: "persisted anyway"})
	require.NoError(t, err)
	assert.Empty(t, f.Embedding)
}

func TestWriteFactRejectsArchivedBranch(t *testing.T) {
	engine, store := setup(t)
	branches := branch.NewEngine(store, nil)
	ctx := context.Background()

	_, err := branches.Create(ctx, "task/done", branch.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, branches.Archive(ctx, "task/done"))

	_, err = engine.WriteFact(ctx, FactRequest{Text: "too late", Branch: "task/done"})
	assert.Equal(t, memerr.KindPreconditionFailed, memerr.KindOf(err))
}

func TestSupersedeFact(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	old, err := engine.WriteFact(ctx, FactRequest{
		Text: "timeout is 30 seconds", Category: "decision", Confidence: 0.9,
	})
	require.NoError(t, err)

	newer, err := engine.SupersedeFact(ctx, "", old.ID, FactRequest{
		Text: "timeout is 10 seconds", Confidence: 0.95,
	})
	require.NoError(t, err)
	assert.Equal(t, old.ID, newer.ParentID)
	// Category carries over when the replacement leaves it blank.
	assert.Equal(t, "decision", newer.Category)

	retired, err := store.GetFact(ctx, "main", old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FactSuperseded, retired.Status)

	// A superseded fact cannot be superseded again.
	_, err = engine.SupersedeFact(ctx, "", old.ID, FactRequest{Text: "third try"})
	assert.Equal(t, memerr.KindPreconditionFailed, memerr.KindOf(err))
}

func TestSupersedeMissingFact(t *testing.T) {
	engine, _ := setup(t)

	_, err := engine.SupersedeFact(context.Background(), "", "nope", FactRequest{Text: "replacement"})
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestWriteObservation(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	o, err := engine.WriteObservation(ctx, ObservationRequest{
		SessionID: "s1",
		Type:      model.ObsToolUse,
		ToolName:  "bash",
		Summary:   "ran the migration",
		RawOutput: strings.Repeat("x", model.RawTruncateLimit+500),
		Outcome:   model.OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, "main", o.Branch)
	assert.NotEmpty(t, o.Embedding)
	assert.LessOrEqual(t, len(o.RawOutput), model.RawTruncateLimit)
}

func TestWriteObservationValidation(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	_, err := engine.WriteObservation(ctx, ObservationRequest{Type: model.ObsToolUse})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = engine.WriteObservation(ctx, ObservationRequest{Summary: "something", Type: "hunch"})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
}

func TestWriteMessageSequencesAndCounts(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	conv := &model.Conversation{
		ID: "c1", Branch: "main", Status: model.ConversationActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertConversation(ctx, conv))

	m1, err := engine.WriteMessage(ctx, MessageRequest{
		ConversationID: "c1", Role: model.RoleUser, Content: "how do retries work?",
	})
	require.NoError(t, err)
	m2, err := engine.WriteMessage(ctx, MessageRequest{
		ConversationID: "c1", Role: model.RoleAssistant, Content: "exponential backoff, two attempts",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, m1.SequenceNum)
	assert.Equal(t, 2, m2.SequenceNum)
	assert.Greater(t, m1.TokenCount, 0)

	got, err := store.GetConversation(ctx, "main", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, m1.TokenCount+m2.TokenCount, got.TotalTokens)
}

func TestWriteMessageValidation(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	_, err := engine.WriteMessage(ctx, MessageRequest{Role: model.RoleUser, Content: "hi"})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = engine.WriteMessage(ctx, MessageRequest{ConversationID: "c1", Role: model.RoleUser})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = engine.WriteMessage(ctx, MessageRequest{
		ConversationID: "missing", Role: model.RoleUser, Content: "hi",
	})
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestWriteRelation(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	r, err := engine.WriteRelation(ctx, RelationRequest{
		SourceEntity: "service:gateway",
		TargetEntity: "service:auth",
		Type:         "depends_on",
		Confidence:   0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, "main", r.Branch)
	assert.False(t, r.ValidFrom.IsZero())

	_, err = engine.WriteRelation(ctx, RelationRequest{SourceEntity: "a", Type: "linked"})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
}

func TestBackfill(t *testing.T) {
	store := testutils.NewStore(t)
	ctx := context.Background()

	// Persist facts without vectors, as if the embedder had been down.
	bare := NewEngine(store, nil, nil)
	for _, text := range []string{"first orphan", "second orphan"} {
		_, err := bare.WriteFact(ctx, FactRequest{Text: text})
		require.NoError(t, err)
	}

	engine := NewEngine(store, testutils.NewEmbedder(), nil)
	filled, err := engine.Backfill(ctx, "", 100)
	require.NoError(t, err)
	assert.Equal(t, 2, filled)

	// Nothing left to fill on the second run.
	filled, err = engine.Backfill(ctx, "", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, filled)

	_, err = bare.Backfill(ctx, "", 100)
	assert.Equal(t, memerr.KindEmbeddingUnavailable, memerr.KindOf(err))
}

func TestCountTokens(t *testing.T) {
	engine, _ := setup(t)
	assert.Greater(t, engine.CountTokens("a short sentence about memory"), 0)
	assert.Equal(t, 0, engine.CountTokens(""))
}
