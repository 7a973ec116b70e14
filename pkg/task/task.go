// Package task coordinates multi-agent work. A task owns a branch; each
// assigned agent works on a sub-branch; completion runs consolidation
// and, when requested, a gated merge back toward the parent branch.
package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/consolidate"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/merge"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/verify"
)

// Task lifecycle states.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusMerged    = "merged"
)

// Engine drives the task lifecycle.
type Engine struct {
	store       *storage.SQL
	branches    *branch.Engine
	merges      *merge.Engine
	consolidate *consolidate.Engine
	verifier    *verify.Engine
}

// NewEngine wires the task engine to its collaborators.
func NewEngine(store *storage.SQL, branches *branch.Engine, merges *merge.Engine, cons *consolidate.Engine, verifier *verify.Engine) *Engine {
	return &Engine{
		store:       store,
		branches:    branches,
		merges:      merges,
		consolidate: cons,
		verifier:    verifier,
	}
}

// CreateRequest describes a new task.
type CreateRequest struct {
	Name         string
	Description  string
	Type         string
	Objectives   []string
	ParentBranch string
}

// Create registers a task and forks its branch, named task/<slug> under
// the parent.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.Task, error) {
	if req.Name == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "task.create", "name is required")
	}

	branchName := "task/" + model.BranchSlug(req.Name)
	if err := branch.ValidateName(branchName); err != nil {
		return nil, err
	}
	b, err := e.branches.Create(ctx, branchName, branch.CreateOptions{
		Parent:      req.ParentBranch,
		Description: "task branch: " + req.Name,
	})
	if err != nil {
		return nil, err
	}

	objectives := make([]model.Objective, len(req.Objectives))
	for i, desc := range req.Objectives {
		objectives[i] = model.Objective{Description: desc, Status: model.ObjectiveTodo}
	}

	t := &model.Task{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Description:  req.Description,
		Type:         req.Type,
		Objectives:   objectives,
		ParentBranch: b.Parent,
		Branch:       b.Name,
		Status:       StatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.InsertTask(ctx, t); err != nil {
		// The branch exists but the task row failed; archive the branch
		// so the half-created task does not look live.
		_ = e.branches.Archive(ctx, b.Name)
		return nil, err
	}
	slog.Info("Task created", "task", t.ID, "branch", t.Branch)
	return t, nil
}

// Get fetches a task.
func (e *Engine) Get(ctx context.Context, id string) (*model.Task, error) {
	return e.store.GetTask(ctx, id)
}

// AssignAgent creates the agent's sub-branch under the task branch and
// marks the first unassigned objective active for it.
func (e *Engine) AssignAgent(ctx context.Context, taskID, agentID, role string) (*model.Branch, error) {
	if agentID == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "task.assign_agent", "agent_id is required")
	}
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusActive {
		return nil, memerr.Newf(memerr.KindPreconditionFailed, "task.assign_agent", "task %s is %s", taskID, t.Status)
	}

	agentBranch := t.Branch + "/" + model.BranchSlug(agentID)
	b, err := e.branches.Create(ctx, agentBranch, branch.CreateOptions{
		Parent:      t.Branch,
		Description: "agent branch: " + agentID + " (" + role + ")",
		Metadata:    map[string]any{"agent_id": agentID, "role": role},
	})
	if err != nil {
		return nil, err
	}

	for i := range t.Objectives {
		if t.Objectives[i].Status == model.ObjectiveTodo && t.Objectives[i].AgentID == "" {
			t.Objectives[i].Status = model.ObjectiveActive
			t.Objectives[i].AgentID = agentID
			break
		}
	}
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	slog.Info("Agent assigned", "task", t.ID, "agent", agentID, "branch", b.Name)
	return b, nil
}

// CompleteAgent runs agent-level consolidation on the agent's branch and
// closes its objectives.
func (e *Engine) CompleteAgent(ctx context.Context, taskID, agentID string) (*model.ConsolidationRecord, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	agentBranch := t.Branch + "/" + model.BranchSlug(agentID)
	if _, err := e.store.GetBranch(ctx, agentBranch); err != nil {
		return nil, err
	}

	rec, err := e.consolidate.Run(ctx, model.LevelAgent, consolidate.Scope{
		Branch:       agentBranch,
		TaskID:       t.ID,
		AgentID:      agentID,
		TargetBranch: t.Branch,
	})
	if err != nil {
		return nil, err
	}

	for i := range t.Objectives {
		if t.Objectives[i].AgentID == agentID && t.Objectives[i].Status == model.ObjectiveActive {
			t.Objectives[i].Status = model.ObjectiveDone
		}
	}
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return rec, nil
}

// CompleteOptions controls task completion.
type CompleteOptions struct {
	// Merge promotes the task branch into its parent after consolidation.
	Merge bool

	// RequireVerified tightens the merge gate to verified-only facts.
	RequireVerified bool

	// Strategy for the optional merge. Defaults to auto.
	Strategy model.MergeStrategy

	// Policy for a native merge strategy.
	Policy model.ConflictPolicy
}

// CompleteResult reports what completion did.
type CompleteResult struct {
	Task          *model.Task                `json:"task"`
	Consolidation *model.ConsolidationRecord `json:"consolidation"`
	Merge         *merge.Result              `json:"merge,omitempty"`
	GateCounts    *verify.GateCounts         `json:"gate_counts,omitempty"`
}

// Complete runs task-level consolidation and optionally promotes the
// task branch into its parent, honoring the merge gate.
func (e *Engine) Complete(ctx context.Context, taskID string, opts CompleteOptions) (*CompleteResult, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusActive {
		return nil, memerr.Newf(memerr.KindPreconditionFailed, "task.complete", "task %s is %s", taskID, t.Status)
	}

	rec, err := e.consolidate.Run(ctx, model.LevelTask, consolidate.Scope{
		Branch:       t.Branch,
		TaskID:       t.ID,
		TargetBranch: t.ParentBranch,
	})
	if err != nil {
		return nil, err
	}

	res := &CompleteResult{Task: t, Consolidation: rec}
	t.Status = StatusCompleted

	if opts.Merge {
		ok, counts, err := e.verifier.CanMerge(ctx, t.Branch, opts.RequireVerified)
		if err != nil {
			return nil, err
		}
		res.GateCounts = &counts
		if !ok {
			if uerr := e.store.UpdateTask(ctx, t); uerr != nil {
				return nil, uerr
			}
			return res, memerr.Newf(memerr.KindPreconditionFailed, "task.complete",
				"merge gate blocked promotion of %s: %d invalidated, %d unverified",
				t.Branch, counts.Invalidated, counts.Unverified)
		}

		strategy := opts.Strategy
		if strategy == "" {
			strategy = model.MergeAuto
		}
		mres, err := e.merges.Merge(ctx, merge.Request{
			Source:   t.Branch,
			Target:   t.ParentBranch,
			Strategy: strategy,
			Policy:   opts.Policy,
		})
		if err != nil {
			return nil, err
		}
		res.Merge = mres
		t.Status = StatusMerged
		if err := e.store.UpdateBranchStatus(ctx, t.Branch, model.BranchMerged); err != nil {
			return nil, err
		}
	}

	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	slog.Info("Task completed", "task", t.ID, "status", t.Status)
	return res, nil
}
