package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 0.5, Clamp01(0.5))
	assert.Equal(t, 1.0, Clamp01(1.5))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc", Truncate("abcdef", 3))

	// Multibyte runes are never split.
	got := Truncate("héllo wörld", 7)
	assert.LessOrEqual(t, len(got), 7)
	for _, r := range got {
		assert.NotEqual(t, '�', r)
	}
}

func TestBranchSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"main", "main"},
		{"task/fix-auth/agent-1", "task_fix_auth_agent_1"},
		{"Template/Python.Expert", "template_python_expert"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BranchSlug(tt.in))
	}
}

func TestMetaRoundTrip(t *testing.T) {
	assert.Equal(t, "", MarshalMeta(nil))
	assert.Nil(t, UnmarshalMeta(""))
	assert.Nil(t, UnmarshalMeta("{not json"))

	m := map[string]any{"source": "obs-1", "pinned": true}
	got := UnmarshalMeta(MarshalMeta(m))
	assert.Equal(t, "obs-1", got["source"])
	assert.Equal(t, true, got["pinned"])
}

func TestEmbeddingRoundTrip(t *testing.T) {
	assert.Equal(t, "", MarshalEmbedding(nil))
	assert.Nil(t, UnmarshalEmbedding(""))

	vec := []float32{0.25, -1, 0}
	assert.Equal(t, vec, UnmarshalEmbedding(MarshalEmbedding(vec)))
}

func TestJSONListRoundTrip(t *testing.T) {
	assert.Equal(t, "", MarshalJSONList[string](nil))
	assert.Nil(t, UnmarshalJSONList[string](""))

	ids := []string{"a", "b"}
	assert.Equal(t, ids, UnmarshalJSONList[string](MarshalJSONList(ids)))
}
