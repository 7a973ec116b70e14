// Package verify scores facts for quality and guards branch promotion.
// An LLM judge produces the scores when available; a deterministic
// heuristic takes over otherwise, so verification always yields a
// verdict.
package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/memtree/pkg/judge"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
)

const (
	// VerifiedThreshold is the minimum average score for a verified verdict.
	VerifiedThreshold = 0.6

	// InvalidatedThreshold is the average below which a fact is invalidated.
	InvalidatedThreshold = 0.3

	// specificityTarget is the text length that scores full specificity
	// under the heuristic, roughly eight words.
	specificityTarget = 160
)

// Engine verifies facts and evaluates the merge gate.
type Engine struct {
	store *storage.SQL
	judge judge.Judge
}

// NewEngine creates a verification engine. A nil judge means every
// verification uses the heuristic.
func NewEngine(store *storage.SQL, j judge.Judge) *Engine {
	return &Engine{store: store, judge: j}
}

// Verdict is the outcome of one verification.
type Verdict struct {
	FactID  string                   `json:"fact_id"`
	Status  model.VerificationStatus `json:"status"`
	Average float64                  `json:"average"`
	Scores  judge.Scores             `json:"scores"`
	Scorer  model.Scorer             `json:"scorer"`
}

// VerifyFact scores one fact, stores the score rows and writes the
// verdict into the fact's metadata.
func (e *Engine) VerifyFact(ctx context.Context, branch, factID string) (*Verdict, error) {
	f, err := e.store.GetFact(ctx, branch, factID)
	if err != nil {
		return nil, err
	}
	return e.verify(ctx, branch, f)
}

// VerifyBranch verifies every active fact on a branch.
func (e *Engine) VerifyBranch(ctx context.Context, branch string) ([]*Verdict, error) {
	facts, err := e.store.ListFacts(ctx, storage.FactFilter{
		Branch: branch,
		Status: model.FactActive,
	})
	if err != nil {
		return nil, err
	}
	verdicts := make([]*Verdict, 0, len(facts))
	for _, f := range facts {
		v, err := e.verify(ctx, branch, f)
		if err != nil {
			return verdicts, err
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

func (e *Engine) verify(ctx context.Context, branch string, f *model.Fact) (*Verdict, error) {
	scorer := model.ScorerLLMJudge
	var scores *judge.Scores
	if e.judge != nil {
		var err error
		scores, err = e.judge.Evaluate(ctx, f)
		if err != nil {
			if memerr.KindOf(err) != memerr.KindJudgeUnavailable {
				return nil, err
			}
			slog.Warn("Judge unavailable, using heuristic scores", "fact", f.ID, "error", err)
			scores = nil
		}
	}
	if scores == nil {
		scorer = model.ScorerHeuristic
		scores = Heuristic(f)
	}

	avg := (scores.Accuracy + scores.Relevance + scores.Specificity) / 3
	status := model.Unverified
	switch {
	case avg >= VerifiedThreshold:
		status = model.Verified
	case avg < InvalidatedThreshold:
		status = model.Invalidated
	}

	now := time.Now().UTC()
	for _, dim := range []struct {
		name  string
		value float64
	}{
		{"accuracy", scores.Accuracy},
		{"relevance", scores.Relevance},
		{"specificity", scores.Specificity},
	} {
		sc := &model.Score{
			TargetType:  "fact",
			TargetID:    f.ID,
			Dimension:   dim.name,
			Value:       dim.value,
			Scorer:      scorer,
			Explanation: scores.Explanation,
			CreatedAt:   now,
		}
		if err := e.store.InsertScore(ctx, sc); err != nil {
			return nil, err
		}
	}

	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	f.Metadata["verification_status"] = string(status)
	f.Metadata["verified_at"] = now.Format(time.RFC3339)
	f.Metadata["scores"] = []any{
		map[string]any{"dimension": "accuracy", "value": scores.Accuracy},
		map[string]any{"dimension": "relevance", "value": scores.Relevance},
		map[string]any{"dimension": "specificity", "value": scores.Specificity},
	}
	f.UpdatedAt = now
	if err := e.store.UpdateFact(ctx, f); err != nil {
		return nil, err
	}

	return &Verdict{
		FactID:  f.ID,
		Status:  status,
		Average: avg,
		Scores:  *scores,
		Scorer:  scorer,
	}, nil
}

// Heuristic is the judge-free fallback: accuracy mirrors the stored
// confidence, relevance favors the high-value categories, specificity
// rewards concrete, longer statements.
func Heuristic(f *model.Fact) *judge.Scores {
	relevance := 0.5
	if f.Category == "bug_fix" || f.Category == "architecture" {
		relevance = 0.7
	}
	specificity := float64(len(f.Text)) / specificityTarget
	if specificity > 1 {
		specificity = 1
	}
	return &judge.Scores{
		Accuracy:    f.Confidence,
		Relevance:   relevance,
		Specificity: specificity,
		Explanation: "heuristic fallback",
	}
}

// GateCounts summarizes a merge-gate evaluation.
type GateCounts struct {
	Total       int `json:"total"`
	Verified    int `json:"verified"`
	Unverified  int `json:"unverified"`
	Invalidated int `json:"invalidated"`
}

// CanMerge evaluates the advisory merge gate for a source branch: any
// invalidated fact blocks, and with requireVerified every fact must be
// verified. The gate never blocks an empty branch.
func (e *Engine) CanMerge(ctx context.Context, sourceBranch string, requireVerified bool) (bool, GateCounts, error) {
	facts, err := e.store.ListFacts(ctx, storage.FactFilter{
		Branch: sourceBranch,
		Status: model.FactActive,
	})
	if err != nil {
		return false, GateCounts{}, err
	}

	counts := GateCounts{Total: len(facts)}
	for _, f := range facts {
		switch verificationStatus(f) {
		case model.Verified:
			counts.Verified++
		case model.Invalidated:
			counts.Invalidated++
		default:
			counts.Unverified++
		}
	}

	if counts.Invalidated > 0 {
		return false, counts, nil
	}
	if requireVerified && counts.Unverified > 0 {
		return false, counts, nil
	}
	return true, counts, nil
}

func verificationStatus(f *model.Fact) model.VerificationStatus {
	s, _ := f.Metadata["verification_status"].(string)
	switch model.VerificationStatus(s) {
	case model.Verified:
		return model.Verified
	case model.Invalidated:
		return model.Invalidated
	default:
		return model.Unverified
	}
}
