// Package search ranks facts and observations with a hybrid score:
// weighted keyword and vector similarity plus an exponential temporal
// bonus that favors recent knowledge.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/vector"
)

// Mode selects which signals contribute to the score.
type Mode string

const (
	ModeHybrid  Mode = "hybrid"
	ModeKeyword Mode = "keyword"
	ModeVector  Mode = "vector"
)

const (
	keywordWeight = 0.3
	vectorWeight  = 0.7

	// Temporal decay: bonus = exp(-age/lambda) * omega.
	decayLambda = 7 * 24 * time.Hour
	decayOmega  = 0.1

	// DefaultLimit caps results when the caller does not.
	DefaultLimit = 10

	// candidateCap bounds the per-branch scan.
	candidateCap = 1000
)

// Engine scores and ranks memory rows.
type Engine struct {
	store   *storage.SQL
	embed   embedder.Embedder
	vectors vector.Provider
}

// NewEngine creates a search engine. The embedder may be nil; vector
// scoring then contributes zero and hybrid degrades to keyword order.
// The vector provider may be nil; similarity then comes from the
// embeddings stored alongside each row.
func NewEngine(store *storage.SQL, embed embedder.Embedder, vectors vector.Provider) *Engine {
	return &Engine{store: store, embed: embed, vectors: vectors}
}

// Query is one search request.
type Query struct {
	Text     string
	Branch   string
	Category string
	Mode     Mode
	Limit    int

	// TimeWindow restricts candidates to rows created within the window
	// ending now. Zero means unbounded.
	TimeWindow time.Duration
}

// FactHit is a ranked fact.
type FactHit struct {
	Fact  *model.Fact `json:"fact"`
	Score float64     `json:"score"`
}

// ObservationHit is a ranked observation.
type ObservationHit struct {
	Observation *model.Observation `json:"observation"`
	Score       float64            `json:"score"`
}

// BranchHits groups cross-branch results by origin.
type BranchHits struct {
	Branch string    `json:"branch"`
	Hits   []FactHit `json:"hits"`
}

// Facts ranks facts on one branch.
func (e *Engine) Facts(ctx context.Context, q Query) ([]FactHit, error) {
	if err := normalizeQuery(&q); err != nil {
		return nil, err
	}

	filter := storage.FactFilter{
		Branch:   q.Branch,
		Category: q.Category,
		Status:   model.FactActive,
		Limit:    candidateCap,
	}
	if q.TimeWindow > 0 {
		after := time.Now().UTC().Add(-q.TimeWindow)
		filter.CreatedAfter = &after
	}
	facts, err := e.store.ListFacts(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}

	kwScores := e.keywordScores(ctx, "facts", q, len(facts))
	queryVec := e.queryEmbedding(ctx, q)
	vecScores := e.vectorScores(ctx, "facts", q, queryVec, len(facts))

	now := time.Now().UTC()
	hits := make([]FactHit, 0, len(facts))
	seen := make(map[string]bool, len(facts))
	for _, f := range facts {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true

		kw := 0.0
		if q.Mode != ModeVector {
			kw = e.keywordScore(kwScores, f.ID, q.Text, f.Text)
		}
		vec := 0.0
		if q.Mode != ModeKeyword {
			if s, ok := vecScores[f.ID]; ok {
				vec = s
			} else if queryVec != nil && len(f.Embedding) > 0 {
				vec = embedder.Cosine(queryVec, f.Embedding)
			}
		}
		score := fuse(q.Mode, kw, vec) + temporalBonus(now, f.CreatedAt)
		if score <= 0 {
			continue
		}
		hits = append(hits, FactHit{Fact: f, Score: score})
	}

	sortFactHits(hits)
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// CrossBranch fans the query out over several branches concurrently and
// returns both the per-branch hits and a merged global top-K.
func (e *Engine) CrossBranch(ctx context.Context, q Query, branches []string) ([]BranchHits, []FactHit, error) {
	if len(branches) == 0 {
		return nil, nil, memerr.New(memerr.KindInvalidArgument, "search.cross_branch", "no branches given")
	}
	if err := normalizeQuery(&q); err != nil {
		return nil, nil, err
	}

	perBranch := make([][]FactHit, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range branches {
		bq := q
		bq.Branch = branch
		g.Go(func() error {
			hits, err := e.Facts(gctx, bq)
			if err != nil {
				return err
			}
			perBranch[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var grouped []BranchHits
	var merged []FactHit
	for i, branch := range branches {
		grouped = append(grouped, BranchHits{Branch: branch, Hits: perBranch[i]})
		merged = append(merged, perBranch[i]...)
	}
	sortFactHits(merged)
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return grouped, merged, nil
}

// Observations ranks observations on one branch using summary as the
// text field.
func (e *Engine) Observations(ctx context.Context, q Query) ([]ObservationHit, error) {
	if err := normalizeQuery(&q); err != nil {
		return nil, err
	}

	filter := storage.ObservationFilter{Branch: q.Branch, Limit: candidateCap}
	if q.TimeWindow > 0 {
		after := time.Now().UTC().Add(-q.TimeWindow)
		filter.CreatedAfter = &after
	}
	obs, err := e.store.ListObservations(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, nil
	}

	kwScores := e.keywordScores(ctx, "observations", q, len(obs))
	queryVec := e.queryEmbedding(ctx, q)
	vecScores := e.vectorScores(ctx, "observations", q, queryVec, len(obs))

	now := time.Now().UTC()
	hits := make([]ObservationHit, 0, len(obs))
	seen := make(map[string]bool, len(obs))
	for _, o := range obs {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true

		kw := 0.0
		if q.Mode != ModeVector {
			kw = e.keywordScore(kwScores, o.ID, q.Text, o.Summary)
		}
		vec := 0.0
		if q.Mode != ModeKeyword {
			if s, ok := vecScores[o.ID]; ok {
				vec = s
			} else if queryVec != nil && len(o.Embedding) > 0 {
				vec = embedder.Cosine(queryVec, o.Embedding)
			}
		}
		score := fuse(q.Mode, kw, vec) + temporalBonus(now, o.CreatedAt)
		if score <= 0 {
			continue
		}
		hits = append(hits, ObservationHit{Observation: o, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		a, b := hits[i].Observation, hits[j].Observation
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func normalizeQuery(q *Query) error {
	if q.Text == "" {
		return memerr.New(memerr.KindInvalidArgument, "search", "query text is empty")
	}
	if q.Mode == "" {
		q.Mode = ModeHybrid
	}
	switch q.Mode {
	case ModeHybrid, ModeKeyword, ModeVector:
	default:
		return memerr.Newf(memerr.KindInvalidArgument, "search", "unknown mode %q", q.Mode)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	return nil
}

// keywordScores fetches fulltext rankings in one round trip when the
// backend supports it; nil means the caller should score per row in Go.
func (e *Engine) keywordScores(ctx context.Context, entity string, q Query, candidates int) map[string]float64 {
	if q.Mode == ModeVector || !e.store.FulltextAvailable() {
		return nil
	}
	table := e.store.TableFor(entity, q.Branch)
	scores, err := e.store.FulltextScores(ctx, entity, table, q.Text, candidates)
	if err != nil {
		return nil
	}
	return scores
}

// vectorScores queries the vector index in one round trip; nil means the
// caller should fall back to cosine over stored embeddings. Index errors
// only degrade ranking, they never fail the search.
func (e *Engine) vectorScores(ctx context.Context, entity string, q Query, queryVec []float32, candidates int) map[string]float64 {
	if q.Mode == ModeKeyword || e.vectors == nil || queryVec == nil {
		return nil
	}
	collection := vector.CollectionFor(entity, model.BranchSlug(q.Branch))
	results, err := e.vectors.Search(ctx, collection, queryVec, candidates)
	if err != nil {
		return nil
	}
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		scores[r.ID] = r.Score
	}
	return scores
}

func (e *Engine) keywordScore(precomputed map[string]float64, id, query, text string) float64 {
	if precomputed != nil {
		return precomputed[id]
	}
	return JaccardScore(query, text)
}

func (e *Engine) queryEmbedding(ctx context.Context, q Query) []float32 {
	if q.Mode == ModeKeyword || e.embed == nil {
		return nil
	}
	vec, err := e.embed.Embed(ctx, q.Text)
	if err != nil {
		// Embedding outage degrades to keyword-only ordering.
		return nil
	}
	return vec
}

func fuse(mode Mode, kw, vec float64) float64 {
	switch mode {
	case ModeKeyword:
		return keywordWeight * kw
	case ModeVector:
		return vectorWeight * vec
	default:
		return keywordWeight*kw + vectorWeight*vec
	}
}

func temporalBonus(now, createdAt time.Time) float64 {
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return math.Exp(-age.Seconds()/decayLambda.Seconds()) * decayOmega
}

// JaccardScore is the LIKE-fallback keyword score: token set overlap
// between query and text, in [0, 1].
func JaccardScore(query, text string) float64 {
	qTokens := storage.Tokenize(query)
	tTokens := storage.Tokenize(text)
	if len(qTokens) == 0 || len(tTokens) == 0 {
		return 0
	}
	qSet := make(map[string]bool, len(qTokens))
	for _, t := range qTokens {
		qSet[t] = true
	}
	tSet := make(map[string]bool, len(tTokens))
	for _, t := range tTokens {
		tSet[t] = true
	}
	inter := 0
	for t := range qSet {
		if tSet[t] {
			inter++
		}
	}
	union := len(qSet) + len(tSet) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func sortFactHits(hits []FactHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		a, b := hits[i].Fact, hits[j].Fact
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
