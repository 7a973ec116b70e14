package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/consolidate"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/merge"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
)

// Session, template, bundle, handoff and analytics operations. These sit
// on the facade because each composes several engines rather than
// belonging to one.

// StartSession opens a session against a branch.
func (s *Service) StartSession(ctx context.Context, branchName, taskID, agentID, parentSessionID string) (*model.Session, error) {
	if branchName == "" {
		branchName = s.Store.RootBranch()
	}
	if _, err := s.Branches.Get(ctx, branchName); err != nil {
		return nil, err
	}
	sess := &model.Session{
		ID:              uuid.NewString(),
		ParentSessionID: parentSessionID,
		Branch:          branchName,
		TaskID:          taskID,
		AgentID:         agentID,
		Status:          "active",
		StartedAt:       time.Now().UTC(),
	}
	if err := s.Store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// EndSession closes a session with a summary and runs session-level
// consolidation over its observations.
func (s *Service) EndSession(ctx context.Context, sessionID, summary string) (*model.ConsolidationRecord, error) {
	sess, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Store.CloseSession(ctx, sessionID, summary, time.Now().UTC()); err != nil {
		return nil, err
	}
	rec, err := s.Consolidator.Run(ctx, model.LevelSession, consolidate.Scope{
		Branch:    sess.Branch,
		SessionID: sess.ID,
		TaskID:    sess.TaskID,
		AgentID:   sess.AgentID,
	})
	s.Metrics.RecordConsolidation(ctx, string(model.LevelSession), err)
	return rec, err
}

// CreateTemplate snapshots a branch and registers it as a reusable,
// versioned template. Re-creating an existing name bumps the version.
func (s *Service) CreateTemplate(ctx context.Context, name, sourceBranch string, taskTypes, tags []string) (*model.Template, error) {
	if name == "" {
		return nil, memerr.New(memerr.KindInvalidArgument, "service.create_template", "name is required")
	}
	snap, err := s.Snapshots.Create(ctx, sourceBranch, "template:"+name)
	if err != nil {
		return nil, err
	}

	version := 1
	if prev, err := s.Store.GetTemplate(ctx, name); err == nil {
		version = prev.Version + 1
	}
	t := &model.Template{
		ID:           uuid.NewString(),
		Name:         name,
		SourceBranch: sourceBranch,
		SnapshotID:   snap.ID,
		Version:      version,
		TaskTypes:    taskTypes,
		Tags:         tags,
		Status:       model.TemplateActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Store.InsertTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ApplyTemplate creates a branch seeded from a template's snapshot.
func (s *Service) ApplyTemplate(ctx context.Context, templateName, branchName string) (*model.Branch, error) {
	t, err := s.Store.GetTemplate(ctx, templateName)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TemplateActive {
		return nil, memerr.Newf(memerr.KindPreconditionFailed, "service.apply_template",
			"template %q is %s", templateName, t.Status)
	}

	b, err := s.Branches.Create(ctx, branchName, branch.CreateOptions{
		Entities:    []string{},
		Description: "from template " + templateName,
		Metadata:    map[string]any{"template": templateName, "template_version": t.Version},
	})
	if err != nil {
		return nil, err
	}
	if err := s.Snapshots.RestoreInto(ctx, t.SnapshotID, b.Name); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBundle exports a branch's knowledge as a portable payload.
// verifiedOnly restricts facts to those carrying a verified verdict.
func (s *Service) CreateBundle(ctx context.Context, name, branchName string, verifiedOnly bool) (*model.Bundle, error) {
	if _, err := s.Branches.Get(ctx, branchName); err != nil {
		return nil, err
	}
	facts, err := s.Store.ListFacts(ctx, storage.FactFilter{
		Branch: branchName,
		Status: model.FactActive,
	})
	if err != nil {
		return nil, err
	}

	payload := model.BundlePayload{}
	for _, f := range facts {
		if verifiedOnly {
			status, _ := f.Metadata["verification_status"].(string)
			if model.VerificationStatus(status) != model.Verified {
				continue
			}
		}
		payload.Facts = append(payload.Facts, *f)
	}
	relations, err := s.Store.ListRelations(ctx, storage.RelationFilter{Branch: branchName})
	if err != nil {
		return nil, err
	}
	for _, r := range relations {
		payload.Relations = append(payload.Relations, *r)
	}
	convs, err := s.Store.ListConversations(ctx, branchName, "", 0)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		payload.Conversations = append(payload.Conversations, *c)
		msgs, err := s.Store.ListMessages(ctx, branchName, c.ID, 0, 0)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			payload.Messages = append(payload.Messages, *m)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindFatal, "service.create_bundle", err)
	}
	b := &model.Bundle{
		ID:           uuid.NewString(),
		Name:         name,
		Payload:      string(body),
		VerifiedOnly: verifiedOnly,
		FactCount:    len(payload.Facts),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Store.InsertBundle(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ImportBundle writes a bundle's rows onto a target branch under fresh
// ids. Returns how many facts landed.
func (s *Service) ImportBundle(ctx context.Context, bundleID, targetBranch string) (int, error) {
	b, err := s.Store.GetBundle(ctx, bundleID)
	if err != nil {
		return 0, err
	}
	if _, err := s.Branches.Get(ctx, targetBranch); err != nil {
		return 0, err
	}

	var payload model.BundlePayload
	if err := json.Unmarshal([]byte(b.Payload), &payload); err != nil {
		return 0, memerr.Wrap(memerr.KindInvalidArgument, "service.import_bundle", err)
	}

	imported := 0
	for i := range payload.Facts {
		f := payload.Facts[i]
		f.ID = uuid.NewString()
		f.Branch = targetBranch
		if f.Metadata == nil {
			f.Metadata = map[string]any{}
		}
		f.Metadata["imported_from"] = bundleID
		if err := s.Store.InsertFact(ctx, &f); err != nil {
			return imported, err
		}
		imported++
	}
	for i := range payload.Relations {
		r := payload.Relations[i]
		r.ID = uuid.NewString()
		r.Branch = targetBranch
		if err := s.Store.InsertRelation(ctx, &r); err != nil {
			return imported, err
		}
	}

	convRemap := map[string]string{}
	for i := range payload.Conversations {
		c := payload.Conversations[i]
		oldID := c.ID
		c.ID = uuid.NewString()
		c.Branch = targetBranch
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		c.Metadata["imported_from"] = bundleID
		if err := s.Store.InsertConversation(ctx, &c); err != nil {
			return imported, err
		}
		convRemap[oldID] = c.ID
	}
	var msgs []*model.Message
	for i := range payload.Messages {
		m := payload.Messages[i]
		newConv, ok := convRemap[m.ConversationID]
		if !ok {
			continue
		}
		m.ID = uuid.NewString()
		m.ConversationID = newConv
		m.Branch = targetBranch
		msgs = append(msgs, &m)
	}
	if len(msgs) > 0 {
		if err := s.Store.InsertMessages(ctx, targetBranch, msgs); err != nil {
			return imported, err
		}
	}
	return imported, nil
}

// CreateHandoff cherry-picks the selected knowledge onto the target
// branch and records the transfer.
func (s *Service) CreateHandoff(ctx context.Context, sourceBranch, targetBranch, handoffType string, factIDs, conversationIDs []string, contextSummary string) (*model.Handoff, error) {
	if len(factIDs) == 0 && len(conversationIDs) == 0 {
		return nil, memerr.New(memerr.KindInvalidArgument, "service.create_handoff", "nothing to hand off")
	}
	res, err := s.Merges.Merge(ctx, merge.Request{
		Source:          sourceBranch,
		Target:          targetBranch,
		Strategy:        model.MergeCherryPick,
		FactIDs:         factIDs,
		ConversationIDs: conversationIDs,
	})
	if err != nil {
		return nil, err
	}

	status := model.Unverified
	if allVerified, err := s.factsVerified(ctx, sourceBranch, factIDs); err == nil && allVerified {
		status = model.Verified
	}
	h := &model.Handoff{
		ID:                 uuid.NewString(),
		SourceBranch:       sourceBranch,
		TargetBranch:       targetBranch,
		Type:               handoffType,
		FactIDs:            remappedIDs(factIDs, res.CherryPickedIDs),
		ConversationIDs:    remappedIDs(conversationIDs, res.CherryPickedIDs),
		ContextSummary:     contextSummary,
		VerificationStatus: status,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.Store.InsertHandoff(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// GetHandoff fetches a handoff record.
func (s *Service) GetHandoff(ctx context.Context, id string) (*model.Handoff, error) {
	return s.Store.GetHandoff(ctx, id)
}

// Analytics summarizes a branch's memory population.
type Analytics struct {
	Branch         string         `json:"branch"`
	FactCount      int            `json:"fact_count"`
	ByCategory     map[string]int `json:"by_category"`
	ByStatus       map[string]int `json:"by_status"`
	AvgConfidence  float64        `json:"avg_confidence"`
	VerifiedCount  int            `json:"verified_count"`
	BranchCount    int            `json:"branch_count"`
	MergeCount     int            `json:"merge_count"`
	Consolidations int            `json:"consolidations"`
}

// BranchAnalytics computes population statistics for one branch.
func (s *Service) BranchAnalytics(ctx context.Context, branchName string) (*Analytics, error) {
	if branchName == "" {
		branchName = s.Store.RootBranch()
	}
	if _, err := s.Branches.Get(ctx, branchName); err != nil {
		return nil, err
	}

	facts, err := s.Store.ListFacts(ctx, storage.FactFilter{Branch: branchName})
	if err != nil {
		return nil, err
	}
	a := &Analytics{
		Branch:     branchName,
		FactCount:  len(facts),
		ByCategory: map[string]int{},
		ByStatus:   map[string]int{},
	}
	sum := 0.0
	for _, f := range facts {
		if f.Category != "" {
			a.ByCategory[f.Category]++
		}
		a.ByStatus[string(f.Status)]++
		sum += f.Confidence
		if status, _ := f.Metadata["verification_status"].(string); model.VerificationStatus(status) == model.Verified {
			a.VerifiedCount++
		}
	}
	if len(facts) > 0 {
		a.AvgConfidence = sum / float64(len(facts))
	}

	branches, err := s.Store.ListBranches(ctx, nil)
	if err != nil {
		return nil, err
	}
	a.BranchCount = len(branches)

	merges, err := s.Store.ListMergeRecords(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	a.MergeCount = len(merges)

	cons, err := s.Store.ListConsolidationRecords(ctx, branchName, 0)
	if err != nil {
		return nil, err
	}
	a.Consolidations = len(cons)
	return a, nil
}

func (s *Service) factsVerified(ctx context.Context, branchName string, ids []string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	for _, id := range ids {
		f, err := s.Store.GetFact(ctx, branchName, id)
		if err != nil {
			return false, err
		}
		status, _ := f.Metadata["verification_status"].(string)
		if model.VerificationStatus(status) != model.Verified {
			return false, nil
		}
	}
	return true, nil
}

func remappedIDs(originals []string, remap map[string]string) []string {
	if len(originals) == 0 {
		return nil
	}
	out := make([]string, 0, len(originals))
	for _, id := range originals {
		if nid, ok := remap[id]; ok {
			out = append(out, nid)
		} else {
			out = append(out, id)
		}
	}
	return out
}
