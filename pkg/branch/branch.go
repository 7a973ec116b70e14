// Package branch implements the Git-like branch lifecycle over the
// per-branch table layout: create forks every memory table by bulk copy,
// diff compares rows between two branches, archive retires a branch
// without destroying its data.
package branch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/vector"
)

// reservedNames cannot be used as branch names.
var reservedNames = map[string]bool{
	"head":   true,
	"root":   true,
	"system": true,
}

// Engine manages the branch registry and the physical fork/diff
// operations behind it.
type Engine struct {
	store      *storage.SQL
	vectors    vector.Provider
	rootBranch string
}

// NewEngine creates a branch engine over the given store. The vector
// provider may be nil; archive then leaves no collections to clean up.
func NewEngine(store *storage.SQL, vectors vector.Provider) *Engine {
	return &Engine{store: store, vectors: vectors, rootBranch: store.RootBranch()}
}

// CreateOptions configures branch creation.
type CreateOptions struct {
	// Parent is the branch to fork from. Defaults to the root branch.
	Parent string

	// Entities restricts which entities are copied from the parent.
	// Entities not listed get empty tables, which is how curated branches
	// start blank and receive cherry-picked rows. Nil copies everything.
	Entities []string

	Description string
	Metadata    map[string]any
}

// Create forks a new branch from its parent: every branch-participating
// table is copied, then the registry entry is published. A failure midway
// rolls back by dropping whatever tables were already created, so a
// half-created branch is never visible.
func (e *Engine) Create(ctx context.Context, name string, opts CreateOptions) (*model.Branch, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	parent := opts.Parent
	if parent == "" {
		parent = e.rootBranch
	}
	if parent != e.rootBranch {
		pb, err := e.store.GetBranch(ctx, parent)
		if err != nil {
			return nil, err
		}
		if pb.Status != model.BranchActive {
			return nil, memerr.Newf(memerr.KindPreconditionFailed, "branch.create",
				"parent branch %q is %s", parent, pb.Status)
		}
	}
	if _, err := e.store.GetBranch(ctx, name); err == nil {
		return nil, memerr.Newf(memerr.KindInvalidArgument, "branch.create",
			"branch %q already exists", name)
	}

	var created []string
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			if err := e.store.DropTable(context.Background(), created[i]); err != nil {
				slog.Warn("Rollback failed to drop table", "table", created[i], "error", err)
			}
		}
	}

	forked := map[string]bool{}
	if opts.Entities == nil {
		for _, entity := range model.BranchEntities {
			forked[entity] = true
		}
	} else {
		for _, entity := range opts.Entities {
			if !isBranchEntity(entity) {
				return nil, memerr.Newf(memerr.KindInvalidArgument, "branch.create",
					"unknown entity %q", entity)
			}
			forked[entity] = true
		}
	}

	start := time.Now()
	for _, entity := range model.BranchEntities {
		src := e.store.TableFor(entity, parent)
		dst := e.store.TableFor(entity, name)
		var err error
		if forked[entity] {
			err = e.store.ForkEntityTable(ctx, entity, src, dst)
		} else {
			err = e.store.CreateEntityTable(ctx, entity, dst)
		}
		if err != nil {
			rollback()
			return nil, err
		}
		created = append(created, dst)
		if err := e.store.EnsureFulltext(ctx, entity, dst); err != nil {
			rollback()
			return nil, err
		}
	}

	b := &model.Branch{
		Name:        name,
		Parent:      parent,
		Status:      model.BranchActive,
		Description: opts.Description,
		Metadata:    opts.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.InsertBranch(ctx, b); err != nil {
		rollback()
		return nil, err
	}

	slog.Info("Branch created",
		"branch", name,
		"parent", parent,
		"duration", time.Since(start))
	return b, nil
}

// Get returns a branch registry entry. The root branch is always present
// even without a registry row.
func (e *Engine) Get(ctx context.Context, name string) (*model.Branch, error) {
	if name == e.rootBranch {
		if b, err := e.store.GetBranch(ctx, name); err == nil {
			return b, nil
		}
		return &model.Branch{Name: e.rootBranch, Status: model.BranchActive}, nil
	}
	return e.store.GetBranch(ctx, name)
}

// List returns branches with the given statuses, the root branch first if
// it has no registry row. Empty statuses means all.
func (e *Engine) List(ctx context.Context, statuses []model.BranchStatus) ([]*model.Branch, error) {
	branches, err := e.store.ListBranches(ctx, statuses)
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		if b.Name == e.rootBranch {
			return branches, nil
		}
	}
	if len(statuses) == 0 || containsStatus(statuses, model.BranchActive) {
		root := &model.Branch{Name: e.rootBranch, Status: model.BranchActive}
		branches = append([]*model.Branch{root}, branches...)
	}
	return branches, nil
}

// Archive retires a branch. Its tables stay in place for later diff or
// restore; archiving an already archived branch is a no-op. The root
// branch cannot be archived.
func (e *Engine) Archive(ctx context.Context, name string) error {
	if name == e.rootBranch {
		return memerr.New(memerr.KindInvalidArgument, "branch.archive", "cannot archive the root branch")
	}
	b, err := e.store.GetBranch(ctx, name)
	if err != nil {
		return err
	}
	if b.Status == model.BranchArchived {
		return nil
	}
	if b.Status == model.BranchMerged {
		return memerr.Newf(memerr.KindPreconditionFailed, "branch.archive",
			"branch %q is already merged", name)
	}
	if err := e.store.UpdateBranchStatus(ctx, name, model.BranchArchived); err != nil {
		return err
	}
	e.dropVectorCollections(ctx, name)
	slog.Info("Branch archived", "branch", name)
	return nil
}

// dropVectorCollections removes the archived branch's vector collections.
// The SQL tables keep the embeddings, so a later restore can rebuild the
// index; a cleanup failure is logged, not fatal.
func (e *Engine) dropVectorCollections(ctx context.Context, name string) {
	if e.vectors == nil {
		return
	}
	slug := model.BranchSlug(name)
	for _, entity := range model.BranchEntities {
		if err := e.vectors.DropCollection(ctx, vector.CollectionFor(entity, slug)); err != nil {
			slog.Warn("Failed to drop vector collection",
				"branch", name, "entity", entity, "error", err)
		}
	}
}

// EntityDiff is the row-level diff of one entity between two branches.
type EntityDiff struct {
	Entity string            `json:"entity"`
	Diffs  []storage.RowDiff `json:"diffs,omitempty"`
}

// Diff compares all branch entities between source and target, from the
// target's point of view: an insert is a row the source has and the
// target lacks.
func (e *Engine) Diff(ctx context.Context, source, target string) ([]EntityDiff, error) {
	if err := e.checkDiffPair(ctx, source, target); err != nil {
		return nil, err
	}
	var out []EntityDiff
	for _, entity := range model.BranchEntities {
		diffs, err := e.store.DiffRows(ctx, entity,
			e.store.TableFor(entity, source), e.store.TableFor(entity, target))
		if err != nil {
			return nil, err
		}
		out = append(out, EntityDiff{Entity: entity, Diffs: diffs})
	}
	return out, nil
}

// DiffCounts summarizes a Diff without materializing row contents.
type DiffCounts struct {
	Entity  string `json:"entity"`
	Inserts int    `json:"inserts"`
	Updates int    `json:"updates"`
	Deletes int    `json:"deletes"`
}

// DiffCount returns per-entity change counts between two branches.
func (e *Engine) DiffCount(ctx context.Context, source, target string) ([]DiffCounts, error) {
	if err := e.checkDiffPair(ctx, source, target); err != nil {
		return nil, err
	}
	var out []DiffCounts
	for _, entity := range model.BranchEntities {
		counts, err := e.store.DiffCount(ctx, entity,
			e.store.TableFor(entity, source), e.store.TableFor(entity, target))
		if err != nil {
			return nil, err
		}
		out = append(out, DiffCounts{
			Entity:  entity,
			Inserts: counts[storage.DiffInsert],
			Updates: counts[storage.DiffUpdate],
			Deletes: counts[storage.DiffDelete],
		})
	}
	return out, nil
}

func (e *Engine) checkDiffPair(ctx context.Context, source, target string) error {
	if source == target {
		return memerr.New(memerr.KindInvalidArgument, "branch.diff", "source and target are the same branch")
	}
	for _, name := range []string{source, target} {
		if name == e.rootBranch {
			continue
		}
		if _, err := e.store.GetBranch(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateName enforces the branch name grammar. Names are plain
// identifiers or slash-scoped paths like task/fix-auth/agent-1,
// template/python-expert or experiment/new-prompt. Segments are
// lowercase alphanumerics plus dash, dot and underscore.
func ValidateName(name string) error {
	if name == "" {
		return memerr.New(memerr.KindInvalidArgument, "branch.validate", "branch name is empty")
	}
	if len(name) > 200 {
		return memerr.New(memerr.KindInvalidArgument, "branch.validate", "branch name exceeds 200 characters")
	}
	if reservedNames[name] {
		return memerr.Newf(memerr.KindInvalidArgument, "branch.validate", "branch name %q is reserved", name)
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return memerr.New(memerr.KindInvalidArgument, "branch.validate", "branch name cannot start or end with a slash")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" {
			return memerr.New(memerr.KindInvalidArgument, "branch.validate", "branch name has an empty segment")
		}
		for _, c := range seg {
			valid := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
				c == '-' || c == '_' || c == '.'
			if !valid {
				return memerr.Newf(memerr.KindInvalidArgument, "branch.validate",
					"branch name segment %q contains invalid character %q", seg, string(c))
			}
		}
	}
	return nil
}

func isBranchEntity(entity string) bool {
	for _, e := range model.BranchEntities {
		if e == entity {
			return true
		}
	}
	return false
}

func containsStatus(statuses []model.BranchStatus, want model.BranchStatus) bool {
	for _, st := range statuses {
		if st == want {
			return true
		}
	}
	return false
}
