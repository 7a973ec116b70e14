package model

import (
	"encoding/json"
	"strings"
)

// Clamp01 bounds a score or confidence to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Truncate shortens s to at most limit bytes on a rune boundary.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	for len(string(r)) > limit {
		r = r[:len(r)-1]
	}
	return string(r)
}

// BranchSlug converts a branch name into a table suffix.
// "task/fix-auth/agent_1" becomes "task_fix_auth_agent_1".
func BranchSlug(branch string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(branch) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// MarshalMeta serializes metadata as text. JSON columns are stored as text
// so row-level diff works uniformly across dialects; empty maps serialize
// to the empty string.
func MarshalMeta(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// UnmarshalMeta parses metadata text back into a map. Malformed or empty
// text yields nil.
func UnmarshalMeta(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// MarshalEmbedding serializes an embedding vector as JSON text.
// Nil vectors serialize to the empty string (stored as NULL).
func MarshalEmbedding(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// UnmarshalEmbedding parses embedding text back into a vector.
func UnmarshalEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// MarshalJSONList serializes an arbitrary list-valued column as text.
func MarshalJSONList[T any](list []T) string {
	if len(list) == 0 {
		return ""
	}
	data, err := json.Marshal(list)
	if err != nil {
		return ""
	}
	return string(data)
}

// UnmarshalJSONList parses a list-valued text column.
func UnmarshalJSONList[T any](s string) []T {
	if s == "" {
		return nil
	}
	var list []T
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil
	}
	return list
}
