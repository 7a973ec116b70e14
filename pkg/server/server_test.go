package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memtree/pkg/config"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/service"
	"github.com/kadirpekel/memtree/pkg/testutils"
)

func newTestHandler(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg := testutils.TestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := service.New(testutils.TestContext(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return New(svc).router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealthIsAlwaysOpen(t *testing.T) {
	h := newTestHandler(t, func(c *config.Config) { c.APIKey = "secret" })

	rec := doJSON(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestBearerAuth(t *testing.T) {
	h := newTestHandler(t, func(c *config.Config) { c.APIKey = "secret" })

	rec := doJSON(t, h, http.MethodGet, "/api/v1/branches", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/branches", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/branches", nil,
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteFetchAndSearchFact(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/facts", map[string]any{
		"text":     "retry queue drains in fifo order",
		"category": "decision",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Fact
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "main", created.Branch)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/facts/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched model.Fact
	decodeBody(t, rec, &fetched)
	assert.Equal(t, created.Text, fetched.Text)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/search", map[string]any{
		"text": "retry queue fifo",
		"mode": "keyword",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Hits []struct {
			Fact model.Fact `json:"fact"`
		} `json:"hits"`
	}
	decodeBody(t, rec, &res)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, created.ID, res.Hits[0].Fact.ID)
}

func TestErrorEnvelope(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/facts/does-not-exist", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "not_found", body.Kind)
	assert.NotEmpty(t, body.Error)
}

func TestUnknownJSONFieldRejected(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/facts", map[string]any{
		"txt": "a typo in the field name",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "invalid_argument", body.Kind)
}

func TestBranchLifecycle(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/branches", map[string]any{
		"name":        "task/fix-auth",
		"description": "auth timeout investigation",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Branch
	decodeBody(t, rec, &created)
	assert.Equal(t, "task/fix-auth", created.Name)
	assert.Equal(t, "main", created.Parent)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/branches", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Branches []model.Branch `json:"branches"`
	}
	decodeBody(t, rec, &list)
	names := make([]string, 0, len(list.Branches))
	for _, b := range list.Branches {
		names = append(names, b.Name)
	}
	assert.Contains(t, names, "main")
	assert.Contains(t, names, "task/fix-auth")

	// Slash scoped names travel through the catch-all route.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/branches/task/fix-auth", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched model.Branch
	decodeBody(t, rec, &fetched)
	assert.Equal(t, "task/fix-auth", fetched.Name)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/branches/task/fix-auth", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var archived map[string]string
	decodeBody(t, rec, &archived)
	assert.Equal(t, string(model.BranchArchived), archived["status"])
}

func TestMergeEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/branches", map[string]any{"name": "task/merge-me"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/facts", map[string]any{
		"text":   "connection pool capped at fifty",
		"branch": "task/merge-me",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/merge", map[string]any{
		"source":   "task/merge-me",
		"target":   "main",
		"strategy": "auto",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Record *model.MergeRecord `json:"record"`
	}
	decodeBody(t, rec, &res)
	require.NotNil(t, res.Record)
	assert.NotEmpty(t, res.Record.ID)
	assert.Equal(t, 1, res.Record.Merged)
}

func TestMergeGateEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/merge/gate", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/branches", map[string]any{"name": "task/clean"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/merge/gate?source=task/clean", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var gate struct {
		CanMerge bool `json:"can_merge"`
	}
	decodeBody(t, rec, &gate)
	assert.True(t, gate.CanMerge)
}

func TestBackfillWithoutEmbedder(t *testing.T) {
	svc, err := service.New(testutils.TestContext(t), testutils.TestConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	svc.Embedder = nil
	h := New(svc).router()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/backfill", map[string]any{}, nil)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "precondition_failed", body.Kind)
}

func TestRateLimitAppliesToAPIOnly(t *testing.T) {
	h := newTestHandler(t, func(c *config.Config) { c.RateLimit = 1 })

	rec := doJSON(t, h, http.MethodGet, "/api/v1/branches", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/branches", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = doJSON(t, h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
