package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/consolidate"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/merge"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/testutils"
	"github.com/kadirpekel/memtree/pkg/verify"
)

func setup(t *testing.T) (*Engine, *storage.SQL) {
	t.Helper()
	store := testutils.NewStore(t)
	embed := testutils.NewEmbedder()
	engine := NewEngine(store,
		branch.NewEngine(store, nil),
		merge.NewEngine(store, embed, nil),
		consolidate.NewEngine(store, embed),
		verify.NewEngine(store, nil))
	return engine, store
}

func storeFact(t *testing.T, store *storage.SQL, branchName, id, text, category string, confidence float64, meta map[string]any) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.InsertFact(context.Background(), &model.Fact{
		ID: id, Branch: branchName, Text: text, Category: category,
		Confidence: confidence, Status: model.FactActive, Metadata: meta,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestCreateForksTaskBranch(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	task, err := engine.Create(ctx, CreateRequest{
		Name:       "Fix Auth Timeouts",
		Type:       "bug",
		Objectives: []string{"reproduce", "fix"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task/fix_auth_timeouts", task.Branch)
	assert.Equal(t, "main", task.ParentBranch)
	assert.Equal(t, StatusActive, task.Status)
	require.Len(t, task.Objectives, 2)
	assert.Equal(t, model.ObjectiveTodo, task.Objectives[0].Status)

	_, err = store.GetBranch(ctx, "task/fix_auth_timeouts")
	require.NoError(t, err)

	_, err = engine.Create(ctx, CreateRequest{})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	// Same name collides on the branch.
	_, err = engine.Create(ctx, CreateRequest{Name: "Fix Auth Timeouts"})
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
}

func TestAssignAgent(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	task, err := engine.Create(ctx, CreateRequest{
		Name:       "parallel research",
		Objectives: []string{"survey", "benchmark"},
	})
	require.NoError(t, err)

	b, err := engine.AssignAgent(ctx, task.ID, "agent-1", "researcher")
	require.NoError(t, err)
	assert.Equal(t, task.Branch+"/agent_1", b.Name)
	assert.Equal(t, task.Branch, b.Parent)

	got, err := engine.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ObjectiveActive, got.Objectives[0].Status)
	assert.Equal(t, "agent-1", got.Objectives[0].AgentID)
	assert.Equal(t, model.ObjectiveTodo, got.Objectives[1].Status)

	// Second agent takes the next open objective.
	_, err = engine.AssignAgent(ctx, task.ID, "agent-2", "reviewer")
	require.NoError(t, err)
	got, err = engine.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-2", got.Objectives[1].AgentID)

	_, err = engine.AssignAgent(ctx, task.ID, "", "r")
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = engine.AssignAgent(ctx, "ghost", "agent-3", "r")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestCompleteAgentConsolidatesAndClosesObjectives(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	task, err := engine.Create(ctx, CreateRequest{Name: "dedupe", Objectives: []string{"scan"}})
	require.NoError(t, err)
	ab, err := engine.AssignAgent(ctx, task.ID, "agent-1", "worker")
	require.NoError(t, err)

	storeFact(t, store, ab.Name, "f1", "indexes are missing on the audit table", "performance", 0.6, nil)
	storeFact(t, store, ab.Name, "f2", "indexes are missing on the audit table today", "performance", 0.9, nil)

	rec, err := engine.CompleteAgent(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Deduplicated)

	got, err := engine.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ObjectiveDone, got.Objectives[0].Status)

	_, err = engine.CompleteAgent(ctx, task.ID, "never-assigned")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestCompleteWithoutMerge(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	task, err := engine.Create(ctx, CreateRequest{Name: "quiet task"})
	require.NoError(t, err)

	res, err := engine.Complete(ctx, task.ID, CompleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Task.Status)
	assert.Nil(t, res.Merge)
	assert.Nil(t, res.GateCounts)

	// Completion is not repeatable.
	_, err = engine.Complete(ctx, task.ID, CompleteOptions{})
	assert.Equal(t, memerr.KindPreconditionFailed, memerr.KindOf(err))
}

func TestCompleteWithMergePromotesDurableFacts(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	task, err := engine.Create(ctx, CreateRequest{Name: "promote"})
	require.NoError(t, err)

	// One durable fact survives task consolidation and merges up.
	storeFact(t, store, task.Branch, "keep", "the scheduler needs a jitter window", "architecture", 0.9, nil)
	storeFact(t, store, task.Branch, "drop", "scratch note", "chatter", 0.2, nil)

	res, err := engine.Complete(ctx, task.ID, CompleteOptions{Merge: true})
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, res.Task.Status)
	require.NotNil(t, res.Merge)
	assert.NotNil(t, res.GateCounts)

	merged, err := store.GetFact(ctx, "main", "keep")
	require.NoError(t, err)
	assert.Equal(t, model.FactActive, merged.Status)

	_, err = store.GetFact(ctx, "main", "drop")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))

	b, err := store.GetBranch(ctx, task.Branch)
	require.NoError(t, err)
	assert.Equal(t, model.BranchMerged, b.Status)
}

func TestCompleteMergeGateBlocks(t *testing.T) {
	engine, store := setup(t)
	ctx := context.Background()

	task, err := engine.Create(ctx, CreateRequest{Name: "gated"})
	require.NoError(t, err)

	storeFact(t, store, task.Branch, "bad", "wrong conclusion", "decision", 0.9,
		map[string]any{"verification_status": string(model.Invalidated)})

	res, err := engine.Complete(ctx, task.ID, CompleteOptions{Merge: true})
	assert.Equal(t, memerr.KindPreconditionFailed, memerr.KindOf(err))
	// The partial result still carries the gate counts for the caller.
	require.NotNil(t, res)
	require.NotNil(t, res.GateCounts)
	assert.Equal(t, 1, res.GateCounts.Invalidated)

	// The task closed as completed, not merged.
	got, err := engine.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	_, err = store.GetFact(ctx, "main", "bad")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}
