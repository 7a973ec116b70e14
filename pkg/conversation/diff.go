package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/model"
)

// divergenceThreshold flags the first reasoning pair below this cosine
// similarity as the divergence point.
const divergenceThreshold = 0.7

// Diff verdict values.
const (
	VerdictEquivalent = "equivalent"
	VerdictSimilar    = "similar"
	VerdictDivergent  = "divergent"
	VerdictMixed      = "mixed"
)

// ActionDiff compares the tool-call traces of two conversations.
type ActionDiff struct {
	ToolSetOverlap float64            `json:"tool_set_overlap"`
	OrderingMatch  float64            `json:"ordering_match"`
	ArgumentDiffs  map[string]int     `json:"argument_diffs,omitempty"`
	ErrorCounts    map[string]int     `json:"error_counts"`
	ToolsA         []string           `json:"tools_a,omitempty"`
	ToolsB         []string           `json:"tools_b,omitempty"`
}

// ReasoningDiff compares assistant texts pairwise by embedding cosine.
type ReasoningDiff struct {
	MeanSimilarity  float64   `json:"mean_similarity"`
	PairSimilarity  []float64 `json:"pair_similarity,omitempty"`
	DivergencePoint int       `json:"divergence_point"`
}

// OutcomeDiff compares conversation totals.
type OutcomeDiff struct {
	MessagesA int `json:"messages_a"`
	MessagesB int `json:"messages_b"`
	TokensA   int `json:"tokens_a"`
	TokensB   int `json:"tokens_b"`
	ErrorsA   int `json:"errors_a"`
	ErrorsB   int `json:"errors_b"`

	MessageDelta int `json:"message_delta"`
	TokenDelta   int `json:"token_delta"`
	ErrorDelta   int `json:"error_delta"`
}

// SemanticDiffResult is the full three-layer comparison.
type SemanticDiffResult struct {
	Action             ActionDiff    `json:"action"`
	Reasoning          ReasoningDiff `json:"reasoning"`
	Outcome            OutcomeDiff   `json:"outcome"`
	Verdict            string        `json:"verdict"`
	SharedPrefixLength int           `json:"shared_prefix_length"`
}

// SemanticDiff compares two conversations on the same branch across
// their action traces, reasoning traces and outcomes.
func (e *Engine) SemanticDiff(ctx context.Context, branch, convA, convB string) (*SemanticDiffResult, error) {
	branch, err := e.resolveBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetConversation(ctx, branch, convA); err != nil {
		return nil, err
	}
	if _, err := e.store.GetConversation(ctx, branch, convB); err != nil {
		return nil, err
	}
	msgsA, err := e.store.ListMessages(ctx, branch, convA, 0, 0)
	if err != nil {
		return nil, err
	}
	msgsB, err := e.store.ListMessages(ctx, branch, convB, 0, 0)
	if err != nil {
		return nil, err
	}

	res := &SemanticDiffResult{
		Action:             diffActions(msgsA, msgsB),
		Reasoning:          e.diffReasoning(ctx, msgsA, msgsB),
		Outcome:            diffOutcomes(msgsA, msgsB),
		SharedPrefixLength: sharedPrefix(msgsA, msgsB),
	}
	res.Verdict = verdict(res.Action.OrderingMatch, res.Reasoning.MeanSimilarity)
	return res, nil
}

func verdict(actionMatch, reasoningSimilarity float64) string {
	switch {
	case actionMatch > 0.8 && reasoningSimilarity > 0.8:
		return VerdictEquivalent
	case actionMatch > 0.5 && reasoningSimilarity > 0.5:
		return VerdictSimilar
	case actionMatch < 0.3:
		return VerdictDivergent
	default:
		return VerdictMixed
	}
}

func diffActions(msgsA, msgsB []*model.Message) ActionDiff {
	toolsA, errsA := toolTrace(msgsA)
	toolsB, errsB := toolTrace(msgsB)

	setA := toSet(toolsA)
	setB := toSet(toolsB)
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	overlap := 1.0
	if union > 0 {
		overlap = float64(inter) / float64(union)
	}

	argDiffs := map[string]int{}
	argsA := toolArguments(msgsA)
	argsB := toolArguments(msgsB)
	for tool := range setA {
		if !setB[tool] {
			continue
		}
		if argsA[tool] != argsB[tool] {
			argDiffs[tool]++
		}
	}

	return ActionDiff{
		ToolSetOverlap: overlap,
		OrderingMatch:  bigramJaccard(toolsA, toolsB),
		ArgumentDiffs:  argDiffs,
		ErrorCounts:    map[string]int{"a": errsA, "b": errsB},
		ToolsA:         toolsA,
		ToolsB:         toolsB,
	}
}

func toolTrace(msgs []*model.Message) ([]string, int) {
	var tools []string
	errs := 0
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			tools = append(tools, tc.Name)
			if tc.IsError {
				errs++
			}
		}
	}
	return tools, errs
}

// toolArguments fingerprints the concatenated argument payloads per tool.
func toolArguments(msgs []*model.Message) map[string]string {
	out := map[string]string{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			out[tc.Name] += model.MarshalMeta(tc.Arguments)
		}
	}
	for tool, blob := range out {
		sum := sha256.Sum256([]byte(blob))
		out[tool] = hex.EncodeToString(sum[:8])
	}
	return out
}

// bigramJaccard compares two orderings by the overlap of their adjacent
// pairs. Identical sequences score 1; both empty also score 1.
func bigramJaccard(a, b []string) float64 {
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 && len(bb) == 0 {
		if len(a) == 0 && len(b) == 0 {
			return 1
		}
		// Single-element traces have no bigrams; compare the elements.
		if len(a) == 1 && len(b) == 1 && a[0] == b[0] {
			return 1
		}
		return 0
	}
	inter := 0
	for g := range ba {
		if bb[g] {
			inter++
		}
	}
	union := len(ba) + len(bb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(items []string) map[string]bool {
	out := map[string]bool{}
	for _, it := range items {
		out[it] = true
	}
	return out
}

func bigrams(seq []string) map[string]bool {
	out := map[string]bool{}
	for i := 0; i+1 < len(seq); i++ {
		out[seq[i]+"\x00"+seq[i+1]] = true
	}
	return out
}

// diffReasoning aligns assistant messages positionally and averages
// their embedding similarity. Pairs without embeddings use the stored
// ones when present and are skipped otherwise.
func (e *Engine) diffReasoning(ctx context.Context, msgsA, msgsB []*model.Message) ReasoningDiff {
	textsA := assistantMessages(msgsA)
	textsB := assistantMessages(msgsB)

	n := len(textsA)
	if len(textsB) < n {
		n = len(textsB)
	}
	res := ReasoningDiff{DivergencePoint: -1}
	if n == 0 {
		if len(textsA) == 0 && len(textsB) == 0 {
			res.MeanSimilarity = 1
		}
		return res
	}

	sum := 0.0
	scored := 0
	for i := 0; i < n; i++ {
		va := e.messageVector(ctx, textsA[i])
		vb := e.messageVector(ctx, textsB[i])
		if va == nil || vb == nil {
			continue
		}
		sim := embedder.Cosine(va, vb)
		res.PairSimilarity = append(res.PairSimilarity, sim)
		sum += sim
		scored++
		if res.DivergencePoint < 0 && sim < divergenceThreshold {
			res.DivergencePoint = i
		}
	}
	if scored > 0 {
		res.MeanSimilarity = sum / float64(scored)
	}
	return res
}

func (e *Engine) messageVector(ctx context.Context, m *model.Message) []float32 {
	if len(m.Embedding) > 0 {
		return m.Embedding
	}
	if e.embed == nil {
		return nil
	}
	vec, err := e.embed.Embed(ctx, m.Content)
	if err != nil {
		return nil
	}
	return vec
}

func assistantMessages(msgs []*model.Message) []*model.Message {
	var out []*model.Message
	for _, m := range msgs {
		if m.Role == model.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func diffOutcomes(msgsA, msgsB []*model.Message) OutcomeDiff {
	tokensA, errsA := totals(msgsA)
	tokensB, errsB := totals(msgsB)
	return OutcomeDiff{
		MessagesA:    len(msgsA),
		MessagesB:    len(msgsB),
		TokensA:      tokensA,
		TokensB:      tokensB,
		ErrorsA:      errsA,
		ErrorsB:      errsB,
		MessageDelta: len(msgsB) - len(msgsA),
		TokenDelta:   tokensB - tokensA,
		ErrorDelta:   errsB - errsA,
	}
}

func totals(msgs []*model.Message) (tokens, errs int) {
	for _, m := range msgs {
		tokens += m.TokenCount
		for _, tc := range m.ToolCalls {
			if tc.IsError {
				errs++
			}
		}
	}
	return tokens, errs
}

// sharedPrefix is the longest k such that the first k messages match on
// role and content hash.
func sharedPrefix(msgsA, msgsB []*model.Message) int {
	n := len(msgsA)
	if len(msgsB) < n {
		n = len(msgsB)
	}
	for i := 0; i < n; i++ {
		if msgsA[i].Role != msgsB[i].Role || contentHash(msgsA[i]) != contentHash(msgsB[i]) {
			return i
		}
	}
	return n
}

func contentHash(m *model.Message) string {
	sum := sha256.Sum256([]byte(m.Content))
	return hex.EncodeToString(sum[:])
}
