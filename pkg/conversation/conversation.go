// Package conversation implements episodic memory operations:
// conversation forking, cross-branch cherry-picks, replay bookkeeping
// and the three-layer semantic diff between two conversations.
package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
)

// Engine operates on conversations and their messages.
type Engine struct {
	store      *storage.SQL
	embed      embedder.Embedder
	rootBranch string
}

// NewEngine creates a conversation engine. The embedder may be nil; the
// semantic diff then scores reasoning similarity from stored embeddings
// only.
func NewEngine(store *storage.SQL, embed embedder.Embedder) *Engine {
	return &Engine{store: store, embed: embed, rootBranch: store.RootBranch()}
}

// Create starts a new conversation on a branch.
func (e *Engine) Create(ctx context.Context, branch string, c *model.Conversation) (*model.Conversation, error) {
	branch, err := e.resolveBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = &model.Conversation{}
	}
	c.ID = uuid.NewString()
	c.Branch = branch
	if c.Status == "" {
		c.Status = model.ConversationActive
	}
	c.MessageCount = 0
	c.TotalTokens = 0
	c.CreatedAt = time.Now().UTC()
	if err := e.store.InsertConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Fork copies messages 1..atSeq of a conversation into a new conversation
// on the same branch, keeping their sequence numbers so the fork can
// continue from atSeq+1. The fork records its origin.
func (e *Engine) Fork(ctx context.Context, branch, conversationID string, atSeq int) (*model.Conversation, error) {
	branch, err := e.resolveBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	src, err := e.store.GetConversation(ctx, branch, conversationID)
	if err != nil {
		return nil, err
	}
	if atSeq < 1 {
		return nil, memerr.New(memerr.KindInvalidArgument, "conversation.fork", "fork point must be at least 1")
	}
	msgs, err := e.store.ListMessages(ctx, branch, conversationID, 1, atSeq)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, memerr.Newf(memerr.KindInvalidArgument, "conversation.fork",
			"conversation %s has no messages at or before sequence %d", conversationID, atSeq)
	}
	forkPoint := msgs[len(msgs)-1]

	fork := &model.Conversation{
		ID:                   uuid.NewString(),
		SessionID:            src.SessionID,
		AgentID:              src.AgentID,
		TaskID:               src.TaskID,
		Branch:               branch,
		Title:                src.Title,
		Status:               model.ConversationActive,
		Model:                src.Model,
		ParentConversationID: src.ID,
		ForkPointMessageID:   forkPoint.ID,
		CreatedAt:            time.Now().UTC(),
	}
	if err := e.store.InsertConversation(ctx, fork); err != nil {
		return nil, err
	}

	copies := make([]*model.Message, len(msgs))
	tokens := 0
	for i, m := range msgs {
		nm := *m
		nm.ID = uuid.NewString()
		nm.ConversationID = fork.ID
		copies[i] = &nm
		tokens += m.TokenCount
	}
	if err := e.store.InsertMessages(ctx, branch, copies); err != nil {
		return nil, err
	}

	fork.MessageCount = len(copies)
	fork.TotalTokens = tokens
	if err := e.store.UpdateConversation(ctx, fork); err != nil {
		return nil, err
	}
	slog.Info("Conversation forked",
		"source", src.ID, "fork", fork.ID, "at_seq", atSeq)
	return fork, nil
}

// CherryPickRange bounds a cherry-pick. Zero values mean the full
// conversation.
type CherryPickRange struct {
	FromSeq int
	ToSeq   int
}

// CherryPick copies a conversation, or a contiguous message range of it,
// onto a target branch. Copied messages renumber from 1; source messages
// are flagged with a back-reference and otherwise untouched.
func (e *Engine) CherryPick(ctx context.Context, sourceBranch, conversationID, targetBranch string, rng CherryPickRange) (*model.Conversation, error) {
	sourceBranch, err := e.resolveBranch(ctx, sourceBranch)
	if err != nil {
		return nil, err
	}
	targetBranch, err = e.resolveBranch(ctx, targetBranch)
	if err != nil {
		return nil, err
	}
	if rng.FromSeq > 0 && rng.ToSeq > 0 && rng.FromSeq > rng.ToSeq {
		return nil, memerr.Newf(memerr.KindInvalidArgument, "conversation.cherry_pick",
			"invalid range [%d, %d]", rng.FromSeq, rng.ToSeq)
	}

	src, err := e.store.GetConversation(ctx, sourceBranch, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := e.store.ListMessages(ctx, sourceBranch, conversationID, rng.FromSeq, rng.ToSeq)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, memerr.Newf(memerr.KindInvalidArgument, "conversation.cherry_pick",
			"no messages in range for conversation %s", conversationID)
	}

	picked := &model.Conversation{
		ID:        uuid.NewString(),
		SessionID: src.SessionID,
		AgentID:   src.AgentID,
		TaskID:    src.TaskID,
		Branch:    targetBranch,
		Title:     src.Title,
		Status:    model.ConversationActive,
		Model:     src.Model,
		Metadata: map[string]any{
			"cherry_picked_from": src.ID,
			"source_branch":      sourceBranch,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.InsertConversation(ctx, picked); err != nil {
		return nil, err
	}

	copies := make([]*model.Message, len(msgs))
	sourceIDs := make([]string, len(msgs))
	tokens := 0
	for i, m := range msgs {
		nm := *m
		nm.ID = uuid.NewString()
		nm.ConversationID = picked.ID
		nm.Branch = targetBranch
		nm.SequenceNum = i + 1
		copies[i] = &nm
		sourceIDs[i] = m.ID
		tokens += m.TokenCount
	}
	if err := e.store.InsertMessages(ctx, targetBranch, copies); err != nil {
		return nil, err
	}
	picked.MessageCount = len(copies)
	picked.TotalTokens = tokens
	if err := e.store.UpdateConversation(ctx, picked); err != nil {
		return nil, err
	}

	if err := e.store.MarkMessagesCherryPicked(ctx, sourceBranch, sourceIDs, picked.ID); err != nil {
		return nil, err
	}
	slog.Info("Conversation cherry-picked",
		"source", src.ID, "copy", picked.ID,
		"source_branch", sourceBranch, "target_branch", targetBranch,
		"messages", len(copies))
	return picked, nil
}

// CreateReplay forks a conversation at forkAt and records the replay
// parameters for an external executor.
func (e *Engine) CreateReplay(ctx context.Context, branch, conversationID string, forkAt int, parameters map[string]any) (*model.Replay, error) {
	fork, err := e.Fork(ctx, branch, conversationID, forkAt)
	if err != nil {
		return nil, err
	}
	r := &model.Replay{
		ID:                   uuid.NewString(),
		SourceConversationID: conversationID,
		ReplayConversationID: fork.ID,
		ForkAt:               forkAt,
		Parameters:           parameters,
		Status:               "pending",
		CreatedAt:            time.Now().UTC(),
	}
	if err := e.store.InsertReplay(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ReplayContext returns the messages up to the fork point, in order,
// ready to seed the re-execution.
func (e *Engine) ReplayContext(ctx context.Context, branch, replayID string) (*model.Replay, []*model.Message, error) {
	branch, err := e.resolveBranch(ctx, branch)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.store.GetReplay(ctx, replayID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := e.store.ListMessages(ctx, branch, r.ReplayConversationID, 1, r.ForkAt)
	if err != nil {
		return nil, nil, err
	}
	return r, msgs, nil
}

// CompleteReplay marks a replay finished with the ids of the messages
// the executor appended.
func (e *Engine) CompleteReplay(ctx context.Context, replayID string, finalMessageIDs []string) error {
	return e.store.CompleteReplay(ctx, replayID, finalMessageIDs)
}

func (e *Engine) resolveBranch(ctx context.Context, branch string) (string, error) {
	if branch == "" || branch == e.rootBranch {
		return e.rootBranch, nil
	}
	b, err := e.store.GetBranch(ctx, branch)
	if err != nil {
		return "", err
	}
	if b.Status != model.BranchActive {
		return "", memerr.Newf(memerr.KindPreconditionFailed, "conversation", "branch %q is %s", branch, b.Status)
	}
	return branch, nil
}
