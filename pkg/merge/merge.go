// Package merge implements the four branch merge strategies: native
// row-diff merges with an explicit conflict policy, auto merges that skip
// semantic duplicates by embedding similarity, cherry-picks of explicit
// rows with id remapping, and squash merges that collapse a branch's
// facts into one synthesized fact.
package merge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/vector"
)

// DuplicateThreshold is the cosine similarity at or above which an auto
// merge treats a source fact as a duplicate of an existing target fact.
const DuplicateThreshold = 0.85

// Engine executes merges between two branches.
type Engine struct {
	store      *storage.SQL
	embed      embedder.Embedder
	vectors    vector.Provider
	rootBranch string
}

// NewEngine creates a merge engine. The embedder may be nil; squash then
// stores the synthesized fact without an embedding. The vector provider
// may be nil; auto merges then scan stored embeddings for duplicates.
func NewEngine(store *storage.SQL, embed embedder.Embedder, vectors vector.Provider) *Engine {
	return &Engine{store: store, embed: embed, vectors: vectors, rootBranch: store.RootBranch()}
}

// Request describes one merge.
type Request struct {
	Source   string
	Target   string
	Strategy model.MergeStrategy

	// Policy resolves native conflicts. Required for the native strategy.
	Policy model.ConflictPolicy

	// FactIDs and ConversationIDs select rows for cherry_pick.
	FactIDs         []string
	ConversationIDs []string
}

// Result reports what a merge did.
type Result struct {
	Record *model.MergeRecord `json:"record"`

	// CherryPickedIDs maps original ids to the newly allocated ids, for
	// cherry_pick merges.
	CherryPickedIDs map[string]string `json:"cherry_picked_ids,omitempty"`

	// SquashedFactID is the synthesized fact's id, for squash merges.
	SquashedFactID string `json:"squashed_fact_id,omitempty"`
}

// Merge runs one merge and appends its audit row. The source branch is
// never mutated; a merge only adds to or overwrites the target.
func (e *Engine) Merge(ctx context.Context, req Request) (*Result, error) {
	if err := e.checkBranches(ctx, req.Source, req.Target); err != nil {
		return nil, err
	}

	var (
		res *Result
		err error
	)
	start := time.Now()
	switch req.Strategy {
	case model.MergeNative:
		res, err = e.native(ctx, req)
	case model.MergeAuto:
		res, err = e.auto(ctx, req)
	case model.MergeCherryPick:
		res, err = e.cherryPick(ctx, req)
	case model.MergeSquash:
		res, err = e.squash(ctx, req)
	default:
		return nil, memerr.Newf(memerr.KindInvalidArgument, "merge", "unknown strategy %q", req.Strategy)
	}
	if err != nil {
		return nil, err
	}

	res.Record.Source = req.Source
	res.Record.Target = req.Target
	res.Record.Strategy = req.Strategy
	if err := e.store.InsertMergeRecord(ctx, res.Record); err != nil {
		return nil, err
	}

	slog.Info("Merge completed",
		"source", req.Source,
		"target", req.Target,
		"strategy", req.Strategy,
		"merged", res.Record.Merged,
		"skipped", res.Record.Skipped,
		"conflicted", res.Record.Conflicted,
		"duration", time.Since(start))
	return res, nil
}

func (e *Engine) checkBranches(ctx context.Context, source, target string) error {
	if source == target {
		return memerr.New(memerr.KindInvalidArgument, "merge", "source and target are the same branch")
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

// native applies the storage-level row diff per entity, resolving every
// change by the request policy: accept applies inserts and overwrites
// diverged rows, skip copies nothing and only counts what differs.
// Idempotent under accept: a second identical merge finds no diff.
func (e *Engine) native(ctx context.Context, req Request) (*Result, error) {
	switch req.Policy {
	case model.ConflictSkip, model.ConflictAccept:
	case "":
		return nil, memerr.New(memerr.KindConflict, "merge.native", "conflict policy required for native merge")
	default:
		return nil, memerr.Newf(memerr.KindInvalidArgument, "merge.native", "unknown conflict policy %q", req.Policy)
	}
	accept := req.Policy == model.ConflictAccept

	var total storage.MergeCounts
	for _, entity := range model.BranchEntities {
		counts, err := e.store.MergeRows(ctx, entity,
			e.store.TableFor(entity, req.Source), e.store.TableFor(entity, req.Target), accept, accept)
		if err != nil {
			return nil, err
		}
		total.Merged += counts.Merged
		total.Skipped += counts.Skipped
		total.Conflicted += counts.Conflicted
	}
	return &Result{Record: recordFromCounts(total)}, nil
}

// auto copies active source facts unless a semantically equivalent fact already
// exists in the target; near-duplicates count as conflicts and are
// skipped deterministically. Non-fact entities merge insert-only.
func (e *Engine) auto(ctx context.Context, req Request) (*Result, error) {
	srcFacts, err := e.store.ListFacts(ctx, storage.FactFilter{Branch: req.Source, Status: model.FactActive})
	if err != nil {
		return nil, err
	}
	dstFacts, err := e.store.ListFacts(ctx, storage.FactFilter{Branch: req.Target})
	if err != nil {
		return nil, err
	}
	dstByID := make(map[string]bool, len(dstFacts))
	for _, f := range dstFacts {
		dstByID[f.ID] = true
	}

	var total storage.MergeCounts
	for _, f := range srcFacts {
		if dstByID[f.ID] {
			continue
		}
		if sim := e.targetSimilarity(ctx, req.Target, f, dstFacts); sim >= DuplicateThreshold {
			total.Conflicted++
			total.Skipped++
			continue
		}
		copied := *f
		copied.Branch = req.Target
		if err := e.store.InsertFact(ctx, &copied); err != nil {
			return nil, err
		}
		total.Merged++
	}

	for _, entity := range model.BranchEntities {
		if entity == "facts" {
			continue
		}
		counts, err := e.store.MergeRows(ctx, entity,
			e.store.TableFor(entity, req.Source), e.store.TableFor(entity, req.Target), true, false)
		if err != nil {
			return nil, err
		}
		total.Merged += counts.Merged
		total.Skipped += counts.Skipped
		total.Conflicted += counts.Conflicted
	}
	return &Result{Record: recordFromCounts(total)}, nil
}

// targetSimilarity finds the best similarity between a source fact and
// any target fact, preferring the vector index when one is configured and
// falling back to a scan over stored embeddings.
func (e *Engine) targetSimilarity(ctx context.Context, target string, f *model.Fact, dstFacts []*model.Fact) float64 {
	if e.vectors != nil && len(f.Embedding) > 0 {
		collection := vector.CollectionFor("facts", model.BranchSlug(target))
		results, err := e.vectors.Search(ctx, collection, f.Embedding, 1)
		if err == nil && len(results) > 0 {
			return results[0].Score
		}
		if err != nil {
			slog.Warn("Vector index lookup failed, scanning stored embeddings", "error", err)
		}
	}
	return nearestSimilarity(f, dstFacts)
}

// nearestSimilarity returns the best cosine similarity between a fact and
// any candidate carrying an embedding. Facts without embeddings never
// match.
func nearestSimilarity(f *model.Fact, candidates []*model.Fact) float64 {
	if len(f.Embedding) == 0 {
		return 0
	}
	best := 0.0
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			continue
		}
		if sim := embedder.Cosine(f.Embedding, c.Embedding); sim > best {
			best = sim
		}
	}
	return best
}

// cherryPick copies the explicitly selected rows into the target under
// fresh ids, remapping message conversation ids and leaving a
// back-reference to the original in metadata.
func (e *Engine) cherryPick(ctx context.Context, req Request) (*Result, error) {
	if len(req.FactIDs) == 0 && len(req.ConversationIDs) == 0 {
		return nil, memerr.New(memerr.KindInvalidArgument, "merge.cherry_pick", "no ids selected")
	}

	var total storage.MergeCounts
	remapped := make(map[string]string)

	for _, id := range req.FactIDs {
		f, err := e.store.GetFact(ctx, req.Source, id)
		if err != nil {
			return nil, err
		}
		copied := *f
		copied.ID = uuid.NewString()
		copied.Branch = req.Target
		copied.Metadata = withBackRef(f.Metadata, f.ID, req.Source)
		if err := e.store.InsertFact(ctx, &copied); err != nil {
			return nil, err
		}
		remapped[f.ID] = copied.ID
		total.Merged++
	}

	for _, id := range req.ConversationIDs {
		conv, err := e.store.GetConversation(ctx, req.Source, id)
		if err != nil {
			return nil, err
		}
		msgs, err := e.store.ListMessages(ctx, req.Source, id, 0, 0)
		if err != nil {
			return nil, err
		}

		copied := *conv
		copied.ID = uuid.NewString()
		copied.Branch = req.Target
		copied.Metadata = withBackRef(conv.Metadata, conv.ID, req.Source)
		if err := e.store.InsertConversation(ctx, &copied); err != nil {
			return nil, err
		}
		remapped[conv.ID] = copied.ID
		total.Merged++

		newMsgs := make([]*model.Message, len(msgs))
		for i, m := range msgs {
			nm := *m
			nm.ID = uuid.NewString()
			nm.ConversationID = copied.ID
			nm.Branch = req.Target
			nm.Metadata = withBackRef(m.Metadata, m.ID, req.Source)
			remapped[m.ID] = nm.ID
			newMsgs[i] = &nm
		}
		if err := e.store.InsertMessages(ctx, req.Target, newMsgs); err != nil {
			return nil, err
		}
		total.Merged += len(newMsgs)
	}

	return &Result{Record: recordFromCounts(total), CherryPickedIDs: remapped}, nil
}

// squash collapses all active source facts into one synthesized fact on
// the target, concatenating texts and keeping the highest confidence.
// Other entities are not copied.
func (e *Engine) squash(ctx context.Context, req Request) (*Result, error) {
	facts, err := e.store.ListFacts(ctx, storage.FactFilter{
		Branch: req.Source,
		Status: model.FactActive,
	})
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return &Result{Record: recordFromCounts(storage.MergeCounts{})}, nil
	}

	texts := make([]string, len(facts))
	maxConfidence := 0.0
	for i, f := range facts {
		texts[i] = f.Text
		if f.Confidence > maxConfidence {
			maxConfidence = f.Confidence
		}
	}

	now := time.Now().UTC()
	squashed := &model.Fact{
		ID:         uuid.NewString(),
		Text:       strings.Join(texts, "\n"),
		Category:   "consolidation",
		Confidence: maxConfidence,
		Status:     model.FactActive,
		SourceType: "squash",
		Branch:     req.Target,
		Metadata: map[string]any{
			"squashed_from":  req.Source,
			"squashed_count": len(facts),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.embed != nil {
		if vec, err := e.embed.Embed(ctx, squashed.Text); err != nil {
			slog.Warn("Squash embedding failed, storing fact without vector", "error", err)
		} else {
			squashed.Embedding = vec
		}
	}
	if err := e.store.InsertFact(ctx, squashed); err != nil {
		return nil, err
	}

	counts := storage.MergeCounts{Merged: 1}
	return &Result{Record: recordFromCounts(counts), SquashedFactID: squashed.ID}, nil
}

func recordFromCounts(c storage.MergeCounts) *model.MergeRecord {
	return &model.MergeRecord{
		Merged:     c.Merged,
		Skipped:    c.Skipped,
		Conflicted: c.Conflicted,
	}
}

func withBackRef(meta map[string]any, originalID, sourceBranch string) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["cherry_picked_from"] = originalID
	out["source_branch"] = sourceBranch
	return out
}
