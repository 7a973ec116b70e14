package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/service"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/testutils"
	"github.com/kadirpekel/memtree/pkg/write"
)

func newService(t *testing.T) *service.Service {
	t.Helper()
	svc, err := service.New(context.Background(), testutils.TestConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestSessionLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := testutils.TestContext(t)

	sess, err := svc.StartSession(ctx, "", "", "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, "main", sess.Branch)
	assert.Equal(t, "active", sess.Status)

	for _, summary := range []string{
		"auth timeouts trace back to pool exhaustion",
		"raising the pool cap removed the timeouts",
	} {
		_, err := svc.Writes.WriteObservation(ctx, write.ObservationRequest{
			SessionID: sess.ID,
			Type:      model.ObsInsight,
			Summary:   summary,
			Outcome:   model.OutcomeSuccess,
		})
		require.NoError(t, err)
	}
	_, err = svc.Writes.WriteObservation(ctx, write.ObservationRequest{
		SessionID: sess.ID,
		Type:      model.ObsToolUse,
		ToolName:  "bash",
		Summary:   "ran the migration script",
		Outcome:   model.OutcomeSuccess,
	})
	require.NoError(t, err)

	rec, err := svc.EndSession(ctx, sess.ID, "pool sizing investigation done")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Created)

	closed, err := svc.Store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "ended", closed.Status)
	assert.Equal(t, "pool sizing investigation done", closed.Summary)
	require.NotNil(t, closed.EndedAt)
}

func TestSessionValidation(t *testing.T) {
	svc := newService(t)
	ctx := testutils.TestContext(t)

	_, err := svc.StartSession(ctx, "ghost/branch", "", "", "")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))

	_, err = svc.EndSession(ctx, "missing-session", "")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestTemplateLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := testutils.TestContext(t)

	_, err := svc.Writes.WriteFact(ctx, write.FactRequest{
		Text:       "prefer table driven tests for parsers",
		Category:   "decision",
		Confidence: 0.9,
	})
	require.NoError(t, err)

	tpl, err := svc.CreateTemplate(ctx, "python-expert", "main",
		[]string{"coding"}, []string{"python"})
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.Version)
	assert.Equal(t, model.TemplateActive, tpl.Status)

	b, err := svc.ApplyTemplate(ctx, "python-expert", "team/py")
	require.NoError(t, err)
	assert.Equal(t, "team/py", b.Name)

	facts, err := svc.Store.ListFacts(ctx, storage.FactFilter{Branch: "team/py"})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "prefer table driven tests for parsers", facts[0].Text)

	// Re-creating a name bumps the version instead of failing.
	tpl2, err := svc.CreateTemplate(ctx, "python-expert", "main", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tpl2.Version)

	require.NoError(t, svc.Store.DeprecateTemplate(ctx, "python-expert"))
	_, err = svc.ApplyTemplate(ctx, "python-expert", "team/py2")
	assert.Equal(t, memerr.KindPreconditionFailed, memerr.KindOf(err))
}

func TestTemplateValidation(t *testing.T) {
	svc := newService(t)
	ctx := testutils.TestContext(t)

	_, err := svc.CreateTemplate(ctx, "", "main", nil, nil)
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))

	_, err = svc.ApplyTemplate(ctx, "no-such-template", "team/x")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestBundleExportImport(t *testing.T) {
	svc := newService(t)
	ctx := testutils.TestContext(t)

	_, err := svc.Branches.Create(ctx, "task/bundle", branch.CreateOptions{})
	require.NoError(t, err)

	_, err = svc.Writes.WriteFact(ctx, write.FactRequest{
		Text:       "redis keys expire after one hour",
		Category:   "architecture",
		Confidence: 0.8,
		Branch:     "task/bundle",
		Metadata:   map[string]any{"verification_status": "verified"},
	})
	require.NoError(t, err)
	_, err = svc.Writes.WriteFact(ctx, write.FactRequest{
		Text:       "cache misses spike on deploys",
		Category:   "performance",
		Confidence: 0.6,
		Branch:     "task/bundle",
	})
	require.NoError(t, err)

	all, err := svc.CreateBundle(ctx, "cache-knowledge", "task/bundle", false)
	require.NoError(t, err)
	assert.Equal(t, 2, all.FactCount)

	verified, err := svc.CreateBundle(ctx, "cache-verified", "task/bundle", true)
	require.NoError(t, err)
	assert.Equal(t, 1, verified.FactCount)

	_, err = svc.Branches.Create(ctx, "team/import", branch.CreateOptions{})
	require.NoError(t, err)

	n, err := svc.ImportBundle(ctx, all.ID, "team/import")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	imported, err := svc.Store.ListFacts(ctx, storage.FactFilter{Branch: "team/import"})
	require.NoError(t, err)
	require.Len(t, imported, 2)
	for _, f := range imported {
		assert.Equal(t, all.ID, f.Metadata["imported_from"])
	}
}

func TestBundleValidation(t *testing.T) {
	svc := newService(t)
	ctx := testutils.TestContext(t)

	_, err := svc.CreateBundle(ctx, "x", "ghost/branch", false)
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))

	_, err = svc.ImportBundle(ctx, "no-such-bundle", "main")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestHandoffCherryPicksFacts(t *testing.T) {
	svc := newService(t)
	ctx := testutils.TestContext(t)

	_, err := svc.Branches.Create(ctx, "task/src", branch.CreateOptions{})
	require.NoError(t, err)
	_, err = svc.Branches.Create(ctx, "task/dst", branch.CreateOptions{})
	require.NoError(t, err)

	plain, err := svc.Writes.WriteFact(ctx, write.FactRequest{
		Text:       "ingest retries use exponential backoff",
		Category:   "architecture",
		Confidence: 0.8,
		Branch:     "task/src",
	})
	require.NoError(t, err)

	h, err := svc.CreateHandoff(ctx, "task/src", "task/dst", "context",
		[]string{plain.ID}, nil, "backoff decision for the ingest team")
	require.NoError(t, err)
	assert.Equal(t, model.Unverified, h.VerificationStatus)
	require.Len(t, h.FactIDs, 1)

	landed, err := svc.Store.GetFact(ctx, "task/dst", h.FactIDs[0])
	require.NoError(t, err)
	assert.Equal(t, plain.Text, landed.Text)

	checked, err := svc.Writes.WriteFact(ctx, write.FactRequest{
		Text:       "backoff caps at thirty seconds",
		Category:   "architecture",
		Confidence: 0.9,
		Branch:     "task/src",
		Metadata:   map[string]any{"verification_status": "verified"},
	})
	require.NoError(t, err)

	h2, err := svc.CreateHandoff(ctx, "task/src", "task/dst", "context",
		[]string{checked.ID}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, model.Verified, h2.VerificationStatus)

	got, err := svc.GetHandoff(ctx, h2.ID)
	require.NoError(t, err)
	assert.Equal(t, h2.ID, got.ID)

	_, err = svc.CreateHandoff(ctx, "task/src", "task/dst", "context", nil, nil, "")
	assert.Equal(t, memerr.KindInvalidArgument, memerr.KindOf(err))
}

func TestBranchAnalytics(t *testing.T) {
	svc := newService(t)
	ctx := testutils.TestContext(t)

	for _, f := range []write.FactRequest{
		{Text: "split the billing service", Category: "architecture", Confidence: 0.8,
			Metadata: map[string]any{"verification_status": "verified"}},
		{Text: "billing writes go through the outbox", Category: "architecture", Confidence: 0.6},
		{Text: "invoice rounding bug in v2", Category: "bug_fix", Confidence: 0.4},
	} {
		_, err := svc.Writes.WriteFact(ctx, f)
		require.NoError(t, err)
	}

	a, err := svc.BranchAnalytics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "main", a.Branch)
	assert.Equal(t, 3, a.FactCount)
	assert.Equal(t, 2, a.ByCategory["architecture"])
	assert.Equal(t, 1, a.ByCategory["bug_fix"])
	assert.Equal(t, 3, a.ByStatus[string(model.FactActive)])
	assert.InDelta(t, 0.6, a.AvgConfidence, 1e-9)
	assert.Equal(t, 1, a.VerifiedCount)

	_, err = svc.BranchAnalytics(ctx, "ghost/branch")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}
