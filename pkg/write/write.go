// Package write implements the four write paths for facts, messages,
// observations and relations. Every path shares the same pipeline:
// validate, embed best-effort, persist in one transaction. Embedding
// outages never block persistence; rows are written without a vector and
// picked up later by Backfill.
package write

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/vector"
)

// tokenEncoding is the tiktoken encoding used for message token counts.
const tokenEncoding = "cl100k_base"

// Engine persists memory writes.
type Engine struct {
	store      *storage.SQL
	embed      embedder.Embedder
	vectors    vector.Provider
	rootBranch string
	encoder    *tiktoken.Tiktoken
}

// NewEngine creates a write engine. The embedder and vector provider may
// be nil; writes then land without embeddings or index entries.
func NewEngine(store *storage.SQL, embed embedder.Embedder, vectors vector.Provider) *Engine {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		slog.Warn("Token encoder unavailable, falling back to byte estimate", "error", err)
		enc = nil
	}
	return &Engine{
		store:      store,
		embed:      embed,
		vectors:    vectors,
		rootBranch: store.RootBranch(),
		encoder:    enc,
	}
}

// CountTokens estimates the token footprint of a text.
func (e *Engine) CountTokens(text string) int {
	if e.encoder != nil {
		return len(e.encoder.Encode(text, nil, nil))
	}
	// Rough fallback: one token per four bytes.
	return (len(text) + 3) / 4
}

// FactRequest creates one fact.
type FactRequest struct {
	Text       string
	Category   string
	Confidence float64
	SourceType string
	SourceID   string
	SessionID  string
	TaskID     string
	AgentID    string
	Branch     string
	Metadata   map[string]any
}

// WriteFact validates, embeds best-effort and persists a fact.
func (e *Engine) WriteFact(ctx context.Context, req FactRequest) (*model.Fact, error) {
	if req.Text == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "write.fact", "text is empty")
	}
	branch, err := e.resolveBranch(ctx, req.Branch)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	f := &model.Fact{
		ID:         uuid.NewString(),
		Text:       req.Text,
		Category:   req.Category,
		Confidence: model.Clamp01(req.Confidence),
		Status:     model.FactActive,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
		AgentID:    req.AgentID,
		Branch:     branch,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	f.Embedding = e.tryEmbed(ctx, "fact", f.Text)

	if err := e.store.InsertFact(ctx, f); err != nil {
		return nil, err
	}
	e.index(ctx, "facts", branch, f.ID, f.Embedding, map[string]any{"category": f.Category})
	return f, nil
}

// SupersedeFact atomically retires an existing fact and writes its
// replacement, linked by parent id.
func (e *Engine) SupersedeFact(ctx context.Context, branch, oldID string, req FactRequest) (*model.Fact, error) {
	if req.Text == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "write.supersede", "text is empty")
	}
	branch, err := e.resolveBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	old, err := e.store.GetFact(ctx, branch, oldID)
	if err != nil {
		return nil, err
	}
	if old.Status != model.FactActive {
		return nil, memerr.Newf(memerr.KindPreconditionFailed, "write.supersede",
			"fact %s is %s", oldID, old.Status)
	}

	now := time.Now().UTC()
	newer := &model.Fact{
		ID:         uuid.NewString(),
		Text:       req.Text,
		Category:   firstNonEmpty(req.Category, old.Category),
		Confidence: model.Clamp01(req.Confidence),
		Status:     model.FactActive,
		ParentID:   old.ID,
		SourceType: firstNonEmpty(req.SourceType, old.SourceType),
		SourceID:   req.SourceID,
		SessionID:  firstNonEmpty(req.SessionID, old.SessionID),
		TaskID:     firstNonEmpty(req.TaskID, old.TaskID),
		AgentID:    firstNonEmpty(req.AgentID, old.AgentID),
		Branch:     branch,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	newer.Embedding = e.tryEmbed(ctx, "fact", newer.Text)

	if err := e.store.SupersedeFact(ctx, branch, oldID, newer); err != nil {
		return nil, err
	}
	e.deindex(ctx, "facts", branch, oldID)
	e.index(ctx, "facts", branch, newer.ID, newer.Embedding, map[string]any{"category": newer.Category})
	return newer, nil
}

// ObservationRequest captures one sensory record.
type ObservationRequest struct {
	SessionID string
	Type      model.ObservationType
	ToolName  string
	Summary   string
	RawInput  string
	RawOutput string
	Outcome   model.ObservationOutcome
	TaskID    string
	AgentID   string
	Branch    string
}

// WriteObservation persists an observation, truncating oversized raw
// payloads instead of rejecting them.
func (e *Engine) WriteObservation(ctx context.Context, req ObservationRequest) (*model.Observation, error) {
	if req.Summary == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "write.observation", "summary is empty")
	}
	switch req.Type {
	case model.ObsToolUse, model.ObsDiscovery, model.ObsDecision, model.ObsError, model.ObsInsight:
	default:
		return nil, memerr.Newf(memerr.KindInvalidArgument, "write.observation", "unknown type %q", req.Type)
	}
	branch, err := e.resolveBranch(ctx, req.Branch)
	if err != nil {
		return nil, err
	}

	o := &model.Observation{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Type:      req.Type,
		ToolName:  req.ToolName,
		Summary:   req.Summary,
		RawInput:  model.Truncate(req.RawInput, model.RawTruncateLimit),
		RawOutput: model.Truncate(req.RawOutput, model.RawTruncateLimit),
		Outcome:   req.Outcome,
		Branch:    branch,
		TaskID:    req.TaskID,
		AgentID:   req.AgentID,
		CreatedAt: time.Now().UTC(),
	}
	o.Embedding = e.tryEmbed(ctx, "observation", o.Summary)

	if err := e.store.InsertObservation(ctx, o); err != nil {
		return nil, err
	}
	e.index(ctx, "observations", branch, o.ID, o.Embedding, map[string]any{"type": string(o.Type)})
	return o, nil
}

// MessageRequest appends one message to a conversation.
type MessageRequest struct {
	ConversationID string
	Role           model.MessageRole
	Content        string
	Thinking       string
	ToolCalls      []model.ToolCall
	Model          string
	SessionID      string
	AgentID        string
	Branch         string
	Metadata       map[string]any
}

// WriteMessage appends a message with the next sequence number and a
// token count, bumping the conversation counters in the same transaction.
func (e *Engine) WriteMessage(ctx context.Context, req MessageRequest) (*model.Message, error) {
	if req.ConversationID == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "write.message", "conversation_id is empty")
	}
	if req.Content == "" && len(req.ToolCalls) == 0 {
		return nil, memerr.New(memerr.KindInvalidArgument, "write.message", "message has no content")
	}
	branch, err := e.resolveBranch(ctx, req.Branch)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetConversation(ctx, branch, req.ConversationID); err != nil {
		return nil, err
	}
	seq, err := e.store.NextSequenceNum(ctx, branch, req.ConversationID)
	if err != nil {
		return nil, err
	}

	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Content:        req.Content,
		Thinking:       req.Thinking,
		ToolCalls:      req.ToolCalls,
		Model:          req.Model,
		SequenceNum:    seq,
		TokenCount:     e.CountTokens(req.Content),
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
		Branch:         branch,
		Metadata:       req.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	m.Embedding = e.tryEmbed(ctx, "message", m.Content)

	if err := e.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RelationRequest links two entities.
type RelationRequest struct {
	SourceEntity string
	TargetEntity string
	Type         string
	Properties   map[string]any
	Confidence   float64
	Branch       string
	ValidFrom    time.Time
}

// WriteRelation persists a typed edge between two entities.
func (e *Engine) WriteRelation(ctx context.Context, req RelationRequest) (*model.Relation, error) {
	if req.SourceEntity == "" || req.TargetEntity == "" || req.Type == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "write.relation", "source, target and type are required")
	}
	branch, err := e.resolveBranch(ctx, req.Branch)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	r := &model.Relation{
		ID:           uuid.NewString(),
		SourceEntity: req.SourceEntity,
		TargetEntity: req.TargetEntity,
		Type:         req.Type,
		Properties:   req.Properties,
		Confidence:   model.Clamp01(req.Confidence),
		Branch:       branch,
		ValidFrom:    validFrom,
		CreatedAt:    now,
	}
	if err := e.store.InsertRelation(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Backfill embeds facts that were persisted during an embedding outage.
// Returns how many rows were filled.
func (e *Engine) Backfill(ctx context.Context, branch string, limit int) (int, error) {
	if e.embed == nil {
		return 0, memerr.New(memerr.KindEmbeddingUnavailable, "write.backfill", "no embedder configured")
	}
	branch, err := e.resolveBranch(ctx, branch)
	if err != nil {
		return 0, err
	}
	facts, err := e.store.ListFacts(ctx, storage.FactFilter{
		Branch:        branch,
		NullEmbedding: true,
		Limit:         limit,
	})
	if err != nil {
		return 0, err
	}
	if len(facts) == 0 {
		return 0, nil
	}

	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Text
	}
	vecs, err := e.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, memerr.Wrap(memerr.KindEmbeddingUnavailable, "write.backfill", err)
	}

	filled := 0
	for i, f := range facts {
		if i >= len(vecs) || len(vecs[i]) == 0 {
			continue
		}
		if err := e.store.UpdateFactEmbedding(ctx, branch, f.ID, vecs[i]); err != nil {
			return filled, err
		}
		e.index(ctx, "facts", branch, f.ID, vecs[i], map[string]any{"category": f.Category})
		filled++
	}
	slog.Info("Embedding backfill completed", "branch", branch, "filled", filled)
	return filled, nil
}

// resolveBranch defaults empty to the root branch and requires the
// branch to exist and be active otherwise.
func (e *Engine) resolveBranch(ctx context.Context, branch string) (string, error) {
	if branch == "" || branch == e.rootBranch {
		return e.rootBranch, nil
	}
	b, err := e.store.GetBranch(ctx, branch)
	if err != nil {
		return "", err
	}
	if b.Status != model.BranchActive {
		return "", memerr.Newf(memerr.KindPreconditionFailed, "write", "branch %q is %s", branch, b.Status)
	}
	return branch, nil
}

// tryEmbed never fails the write path.
func (e *Engine) tryEmbed(ctx context.Context, kind, text string) []float32 {
	if e.embed == nil {
		return nil
	}
	vec, err := e.embed.Embed(ctx, text)
	if err != nil {
		slog.Warn("Embedding failed, persisting without vector", "kind", kind, "error", err)
		return nil
	}
	return vec
}

// index mirrors an embedding into the vector provider, best-effort.
func (e *Engine) index(ctx context.Context, entity, branch, id string, vec []float32, meta map[string]any) {
	if e.vectors == nil || len(vec) == 0 {
		return
	}
	col := vector.CollectionFor(entity, model.BranchSlug(branch))
	if err := e.vectors.Upsert(ctx, col, id, vec, meta); err != nil {
		slog.Warn("Vector index update failed", "entity", entity, "branch", branch, "error", err)
	}
}

// deindex removes a retired row's vector so it stops surfacing in
// similarity lookups, best-effort.
func (e *Engine) deindex(ctx context.Context, entity, branch, id string) {
	if e.vectors == nil {
		return
	}
	col := vector.CollectionFor(entity, model.BranchSlug(branch))
	if err := e.vectors.Delete(ctx, col, id); err != nil {
		slog.Warn("Vector index delete failed", "entity", entity, "branch", branch, "error", err)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
