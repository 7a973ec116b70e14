// Package consolidate distills raw observations into facts and curates
// the fact population. Session consolidation turns meaningful
// observations into facts with duplicate suppression, agent consolidation
// collapses near-duplicate facts with union-find grouping, task
// consolidation classifies facts as durable or ephemeral.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
)

const (
	// SimilarityThreshold is the token Jaccard overlap at or above which
	// two texts are treated as duplicates.
	SimilarityThreshold = 0.85

	// InitialConfidence is assigned to facts distilled from observations.
	InitialConfidence = 0.7

	// DuplicateBoost is added to a fact's confidence on each collision.
	DuplicateBoost = 0.1
)

// meaningfulTypes are the observation types session consolidation distills.
var meaningfulTypes = []model.ObservationType{
	model.ObsInsight, model.ObsDecision, model.ObsDiscovery, model.ObsError,
}

// Engine runs consolidation passes.
type Engine struct {
	store *storage.SQL
	embed embedder.Embedder
}

// NewEngine creates a consolidation engine. The embedder may be nil.
func NewEngine(store *storage.SQL, embed embedder.Embedder) *Engine {
	return &Engine{store: store, embed: embed}
}

// Scope selects what one consolidation pass covers.
type Scope struct {
	Branch    string
	SessionID string
	TaskID    string
	AgentID   string

	// TargetBranch receives promoted knowledge where a level supports it.
	TargetBranch string
}

// Run dispatches one consolidation level and always appends an audit row,
// including for empty-input runs so the history shows the pass happened.
func (e *Engine) Run(ctx context.Context, level model.ConsolidationLevel, scope Scope) (*model.ConsolidationRecord, error) {
	if scope.Branch == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "consolidate", "branch is required")
	}

	var (
		rec *model.ConsolidationRecord
		err error
	)
	start := time.Now()
	switch level {
	case model.LevelSession:
		rec, err = e.session(ctx, scope)
	case model.LevelAgent:
		rec, err = e.agent(ctx, scope)
	case model.LevelTask:
		rec, err = e.task(ctx, scope)
	default:
		return nil, memerr.Newf(memerr.KindInvalidArgument, "consolidate", "unknown level %q", level)
	}
	if err != nil {
		return nil, err
	}

	rec.Level = level
	rec.SourceBranch = scope.Branch
	rec.TargetBranch = scope.TargetBranch
	if err := e.store.InsertConsolidationRecord(ctx, rec); err != nil {
		return nil, err
	}

	slog.Info("Consolidation completed",
		"level", level,
		"branch", scope.Branch,
		"created", rec.Created,
		"updated", rec.Updated,
		"deduplicated", rec.Deduplicated,
		"duration", time.Since(start))
	return rec, nil
}

// session distills one session's meaningful observations into facts.
// Observations matching an existing fact boost its confidence instead of
// creating a duplicate.
func (e *Engine) session(ctx context.Context, scope Scope) (*model.ConsolidationRecord, error) {
	if scope.SessionID == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "consolidate.session", "session_id is required")
	}
	obs, err := e.store.ListObservations(ctx, storage.ObservationFilter{
		Branch:    scope.Branch,
		SessionID: scope.SessionID,
		Types:     meaningfulTypes,
	})
	if err != nil {
		return nil, err
	}
	facts, err := e.store.ListFacts(ctx, storage.FactFilter{
		Branch: scope.Branch,
		Status: model.FactActive,
	})
	if err != nil {
		return nil, err
	}

	rec := &model.ConsolidationRecord{ObservationsProcessed: len(obs)}
	for _, o := range obs {
		if dup := findDuplicate(o.Summary, facts); dup != nil {
			boosted := model.Clamp01(dup.Confidence + DuplicateBoost)
			if err := e.store.UpdateFactConfidence(ctx, scope.Branch, dup.ID, boosted); err != nil {
				return nil, err
			}
			dup.Confidence = boosted
			rec.Deduplicated++
			rec.Updated++
			continue
		}

		now := time.Now().UTC()
		f := &model.Fact{
			ID:         uuid.NewString(),
			Text:       o.Summary,
			Category:   InferCategory(o.Summary, o.Type),
			Confidence: InitialConfidence,
			Status:     model.FactActive,
			SourceType: "observation",
			SourceID:   o.ID,
			SessionID:  o.SessionID,
			TaskID:     o.TaskID,
			AgentID:    o.AgentID,
			Branch:     scope.Branch,
			Embedding:  o.Embedding,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if len(f.Embedding) == 0 && e.embed != nil {
			if vec, err := e.embed.Embed(ctx, f.Text); err == nil {
				f.Embedding = vec
			}
		}
		if err := e.store.InsertFact(ctx, f); err != nil {
			return nil, err
		}
		facts = append(facts, f)
		rec.Created++
	}
	rec.Summary = fmt.Sprintf("session %s: %d observations, %d facts created, %d duplicates boosted",
		scope.SessionID, len(obs), rec.Created, rec.Deduplicated)
	return rec, nil
}

// agent collapses near-duplicate facts on an agent's branch. Union-find
// groups similar facts, the highest-confidence member represents each
// group and absorbs the rest; a summary fact records the pass.
func (e *Engine) agent(ctx context.Context, scope Scope) (*model.ConsolidationRecord, error) {
	filter := storage.FactFilter{Branch: scope.Branch, Status: model.FactActive}
	if scope.AgentID != "" {
		filter.AgentID = scope.AgentID
	}
	facts, err := e.store.ListFacts(ctx, filter)
	if err != nil {
		return nil, err
	}

	rec := &model.ConsolidationRecord{}
	if len(facts) == 0 {
		rec.Summary = "agent consolidation: no facts"
		return rec, nil
	}

	uf := newUnionFind(len(facts))
	for i := 0; i < len(facts); i++ {
		for j := i + 1; j < len(facts); j++ {
			if TokenJaccard(facts[i].Text, facts[j].Text) >= SimilarityThreshold {
				uf.union(i, j)
			}
		}
	}

	groups := map[int][]int{}
	for i := range facts {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	var repTexts []string
	for _, members := range groups {
		rep := members[0]
		for _, idx := range members[1:] {
			if facts[idx].Confidence > facts[rep].Confidence {
				rep = idx
			}
		}
		repTexts = append(repTexts, facts[rep].Text)
		if len(members) == 1 {
			continue
		}

		boosted := facts[rep].Confidence
		for _, idx := range members {
			if idx == rep {
				continue
			}
			absorbed := facts[idx]
			absorbed.Status = model.FactArchived
			absorbed.UpdatedAt = time.Now().UTC()
			if err := e.store.UpdateFact(ctx, absorbed); err != nil {
				return nil, err
			}
			boosted = model.Clamp01(boosted + DuplicateBoost)
			rec.Deduplicated++
		}
		if boosted != facts[rep].Confidence {
			if err := e.store.UpdateFactConfidence(ctx, scope.Branch, facts[rep].ID, boosted); err != nil {
				return nil, err
			}
			rec.Updated++
		}
	}

	summary := fmt.Sprintf("agent consolidation: %d facts in %d groups, %d absorbed",
		len(facts), len(groups), rec.Deduplicated)
	now := time.Now().UTC()
	sf := &model.Fact{
		ID:         uuid.NewString(),
		Text:       summary,
		Category:   "consolidation",
		Confidence: InitialConfidence,
		Status:     model.FactActive,
		SourceType: "consolidation",
		AgentID:    scope.AgentID,
		TaskID:     scope.TaskID,
		Branch:     scope.Branch,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if e.embed != nil {
		if vec, err := e.embed.Embed(ctx, strings.Join(repTexts, "\n")); err == nil {
			sf.Embedding = vec
		}
	}
	if err := e.store.InsertFact(ctx, sf); err != nil {
		return nil, err
	}
	rec.Created++
	rec.Summary = summary
	return rec, nil
}

// task classifies every active fact on a task branch as durable or
// ephemeral. Durable facts are tagged for promotion; ephemeral facts are
// archived so merges carry only lasting knowledge.
func (e *Engine) task(ctx context.Context, scope Scope) (*model.ConsolidationRecord, error) {
	filter := storage.FactFilter{Branch: scope.Branch, Status: model.FactActive}
	if scope.TaskID != "" {
		filter.TaskID = scope.TaskID
	}
	facts, err := e.store.ListFacts(ctx, filter)
	if err != nil {
		return nil, err
	}

	rec := &model.ConsolidationRecord{}
	durable := 0
	for _, f := range facts {
		if IsDurable(f) {
			if f.Metadata == nil {
				f.Metadata = map[string]any{}
			}
			f.Metadata["durability"] = "durable"
			durable++
		} else {
			f.Status = model.FactArchived
		}
		f.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateFact(ctx, f); err != nil {
			return nil, err
		}
		rec.Updated++
	}
	rec.Summary = fmt.Sprintf("task consolidation: %d facts, %d durable, %d ephemeral",
		len(facts), durable, len(facts)-durable)
	return rec, nil
}

// IsDurable reports whether a fact survives task-level consolidation.
func IsDurable(f *model.Fact) bool {
	return f.Confidence >= model.DurableConfidence && model.DurableCategories[f.Category]
}

// InferCategory derives a fact category from an observation summary via
// keyword rules, defaulting to the observation's type.
func InferCategory(summary string, typ model.ObservationType) string {
	lower := strings.ToLower(summary)
	switch {
	case containsAny(lower, "bug", "error", "fix"):
		return "bug_fix"
	case containsAny(lower, "architect", "design", "structure"):
		return "architecture"
	case containsAny(lower, "security", "auth", "vulnerabilit"):
		return "security"
	case containsAny(lower, "performance", "slow", "latency", "optimiz"):
		return "performance"
	}
	switch typ {
	case model.ObsDecision:
		return "decision"
	case model.ObsError:
		return "bug_fix"
	default:
		return string(typ)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// findDuplicate returns the first fact whose text overlaps the summary at
// or above the similarity threshold.
func findDuplicate(summary string, facts []*model.Fact) *model.Fact {
	for _, f := range facts {
		if TokenJaccard(summary, f.Text) >= SimilarityThreshold {
			return f
		}
	}
	return nil
}

// TokenJaccard is the token set overlap of two texts in [0, 1].
func TokenJaccard(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for t := range as {
		if bs[t] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, t := range storage.Tokenize(text) {
		set[t] = true
	}
	return set
}

// unionFind is a plain disjoint-set with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
