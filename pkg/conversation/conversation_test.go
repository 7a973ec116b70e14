package conversation

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
)

func setup(t *testing.T) (*Engine, *storage.SQL) {
	t.Helper()
	store := testutils.NewStore(t)
	return NewEngine(store, testutils.NewEmbedder()), store
}

func appendMessage(t *testing.T, store *storage.SQL, branchName, convID string, seq int, role model.MessageRole, content string, calls ...model.ToolCall) *model.Message {
	t.Helper()
	m := &model.Message{
		ID:             fmt.Sprintf("%s-m%d", convID, seq),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		ToolCalls:      calls,
		SequenceNum:    seq,
		TokenCount:     len(content) / 4,
		Branch:         branchName,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.InsertMessage(context.Background(), m))
	return m
}

func TestCreateDefaults(t *testing.T) {
	engine, _ := setup(t)

	c, err := engine.Create(context.Background(), "", &model.Conversation{Title: "debug session"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "main", c.Branch)
	assert.Equal(t, model.ConversationActive, c.Status)
	assert.Zero(t, c.MessageCount)
}

func TestForkCopiesPrefix(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	src, err := engine.Create(ctx, "main", &model.Conversation{Title: "original"})
	require.NoError(t, err)
	appendMessage(t, store, "main", src.ID, 1, model.RoleUser, "why is the build red?")
	forkPoint := appendMessage(t, store, "main", src.ID, 2, model.RoleAssistant, "a test depends on wall-clock time")
	appendMessage(t, store, "main", src.ID, 3, model.RoleUser, "can you pin it?")

	fork, err := engine.Fork(ctx, "main", src.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, src.ID, fork.ParentConversationID)
	assert.Equal(t, forkPoint.ID, fork.ForkPointMessageID)
	assert.Equal(t, 2, fork.MessageCount)

	msgs, err := store.ListMessages(ctx, "main", fork.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Sequence numbers survive so the fork continues from 3.
	assert.Equal(t, 1, msgs[0].SequenceNum)
	assert.Equal(t, 2, msgs[1].SequenceNum)
	assert.NotEqual(t, forkPoint.ID, msgs[1].ID)

	// The source keeps all three messages.
	srcMsgs, err := store.ListMessages(ctx, "main", src.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, srcMsgs, 3)
}

func TestForkValidation(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	src, err := engine.Create(ctx, "main", nil)
	require.NoError(t, err)

	_, err = engine.Fork(ctx, "main", src.ID, 0)
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	// No messages at or before the fork point.
	_, err = engine.Fork(ctx, "main", src.ID, 5)
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = engine.Fork(ctx, "main", "ghost", 1)
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))

	appendMessage(t, store, "main", src.ID, 1, model.RoleUser, "hello")
	_, err = engine.Fork(ctx, "main", src.ID, 1)
	assert.NoError(t, err)
}

func TestCherryPickAcrossBranches(t *testing.T) {
	engine, store := setup(t)
	branches := branch.NewEngine(store, nil)
	ctx := context.Background()

	_, err := branches.Create(ctx, "task/review", branch.CreateOptions{Entities: []string{}})
	require.NoError(t, err)

	src, err := engine.Create(ctx, "main", &model.Conversation{Title: "triage"})
	require.NoError(t, err)
	appendMessage(t, store, "main", src.ID, 1, model.RoleUser, "setup chatter")
	appendMessage(t, store, "main", src.ID, 2, model.RoleAssistant, "the root cause is a stale cache")
	appendMessage(t, store, "main", src.ID, 3, model.RoleAssistant, "flushing it fixes the 500s")

	picked, err := engine.CherryPick(ctx, "main", src.ID, "task/review", CherryPickRange{FromSeq: 2, ToSeq: 3})
	require.NoError(t, err)
	assert.Equal(t, "task/review", picked.Branch)
	assert.Equal(t, src.ID, picked.Metadata["cherry_picked_from"])
	assert.Equal(t, "main", picked.Metadata["source_branch"])
	assert.Equal(t, 2, picked.MessageCount)

	// Copies renumber from 1 on the target branch.
	msgs, err := store.ListMessages(ctx, "task/review", picked.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].SequenceNum)
	assert.Equal(t, "the root cause is a stale cache", msgs[0].Content)

	// Source messages get a back-reference but keep their place.
	srcMsgs, err := store.ListMessages(ctx, "main", src.ID, 2, 3)
	require.NoError(t, err)
	for _, m := range srcMsgs {
		assert.Equal(t, true, m.Metadata["is_cherry_picked"])
	}
}

func TestCherryPickValidation(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	src, err := engine.Create(ctx, "main", nil)
	require.NoError(t, err)

	_, err = engine.CherryPick(ctx, "main", src.ID, "main", CherryPickRange{FromSeq: 3, ToSeq: 1})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	// Empty conversations have nothing to pick.
	_, err = engine.CherryPick(ctx, "main", src.ID, "main", CherryPickRange{})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
}

func TestReplayLifecycle(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	src, err := engine.Create(ctx, "main", nil)
	require.NoError(t, err)
	appendMessage(t, store, "main", src.ID, 1, model.RoleUser, "summarize the incident")
	appendMessage(t, store, "main", src.ID, 2, model.RoleAssistant, "two services raced on a lock")

	r, err := engine.CreateReplay(ctx, "main", src.ID, 1, map[string]any{"temperature": 0.9})
	require.NoError(t, err)
	assert.Equal(t, "pending", r.Status)
	assert.Equal(t, src.ID, r.SourceConversationID)

	got, msgs, err := engine.ReplayContext(ctx, "main", r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "summarize the incident", msgs[0].Content)

	require.NoError(t, engine.CompleteReplay(ctx, r.ID, []string{"final-1"}))
	done, err := store.GetReplay(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, []string{"final-1"}, done.FinalMessageIDs)

	err = engine.CompleteReplay(ctx, "ghost", nil)
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestSemanticDiffEquivalent(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	mk := func(title string) *model.Conversation {
		c, err := engine.Create(ctx, "main", &model.Conversation{Title: title})
		require.NoError(t, err)
		appendMessage(t, store, "main", c.ID, 1, model.RoleUser, "find the flaky test")
		appendMessage(t, store, "main", c.ID, 2, model.RoleAssistant, "running the suite twice",
			model.ToolCall{Name: "bash", Arguments: map[string]any{"cmd": "go test"}})
		appendMessage(t, store, "main", c.ID, 3, model.RoleAssistant, "the timeout test is flaky",
			model.ToolCall{Name: "grep"})
		return c
	}
	a, b := mk("run a"), mk("run b")

	res, err := engine.SemanticDiff(ctx, "main", a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictEquivalent, res.Verdict)
	assert.Equal(t, 1.0, res.Action.ToolSetOverlap)
	assert.Equal(t, 1.0, res.Action.OrderingMatch)
	assert.InDelta(t, 1.0, res.Reasoning.MeanSimilarity, 1e-6)
	assert.Equal(t, -1, res.Reasoning.DivergencePoint)
	assert.Equal(t, 3, res.SharedPrefixLength)
	assert.Zero(t, res.Outcome.MessageDelta)
}

func TestSemanticDiffDivergent(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	a, err := engine.Create(ctx, "main", nil)
	require.NoError(t, err)
	appendMessage(t, store, "main", a.ID, 1, model.RoleAssistant, "reading the config first",
		model.ToolCall{Name: "read"}, model.ToolCall{Name: "grep"})

	b, err := engine.Create(ctx, "main", nil)
	require.NoError(t, err)
	appendMessage(t, store, "main", b.ID, 1, model.RoleAssistant, "rewriting the deployment manifest",
		model.ToolCall{Name: "edit"}, model.ToolCall{Name: "bash", IsError: true})

	res, err := engine.SemanticDiff(ctx, "main", a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictDivergent, res.Verdict)
	assert.Equal(t, 0.0, res.Action.ToolSetOverlap)
	assert.Equal(t, 0, res.SharedPrefixLength)
	assert.Equal(t, 1, res.Outcome.ErrorsB)
	assert.Equal(t, 1, res.Outcome.ErrorDelta)
}

func TestSemanticDiffMissingConversation(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	a, err := engine.Create(ctx, "main", nil)
	require.NoError(t, err)

	_, err = engine.SemanticDiff(ctx, "main", a.ID, "ghost")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestBigramJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"read", "grep", "edit"}, []string{"read", "grep", "edit"}, 1},
		{"both empty", nil, nil, 1},
		{"single match", []string{"bash"}, []string{"bash"}, 1},
		{"single mismatch", []string{"bash"}, []string{"grep"}, 0},
		{"disjoint", []string{"a", "b"}, []string{"c", "d"}, 0},
		{"partial", []string{"a", "b", "c"}, []string{"a", "b", "d"}, 1.0 / 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, bigramJaccard(tt.a, tt.b), 1e-9)
		})
	}
}
