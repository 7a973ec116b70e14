package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/memtree/pkg/memerr"
)

// Fulltext support. On SQLite with FTS5 compiled in, every facts and
// observations branch table gets a shadow index table kept in sync by
// triggers, and keyword ranking uses bm25(). Everywhere else the engines
// fall back to tokenized LIKE candidate scans scored in Go.

// probeFulltext detects FTS5 by creating and dropping a scratch table.
func (s *SQL) probeFulltext(ctx context.Context) {
	if s.dialect != "sqlite" {
		return
	}
	err := s.ExecDDL(ctx,
		"CREATE VIRTUAL TABLE IF NOT EXISTS _fts_probe USING fts5(x)",
		"DROP TABLE IF EXISTS _fts_probe")
	if err != nil {
		slog.Info("FTS5 unavailable, keyword search uses LIKE fallback", "error", err)
		return
	}
	s.fulltext = true
}

// ftsTextColumn maps an entity to its indexed text field.
func ftsTextColumn(entity string) string {
	if entity == "observations" {
		return "summary"
	}
	return "text"
}

// EnsureFulltext creates the shadow index and sync triggers for a branch
// table. Idempotent; no-op when fulltext is unavailable or the entity has
// no indexed text field.
func (s *SQL) EnsureFulltext(ctx context.Context, entity, table string) error {
	if !s.fulltext {
		return nil
	}
	if entity != "facts" && entity != "observations" {
		return nil
	}
	col := ftsTextColumn(entity)
	fts := table + "_fts"

	stmts := []string{
		fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s, content='%s', content_rowid='rowid')", fts, col, table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ai AFTER INSERT ON %s BEGIN
INSERT INTO %s(rowid, %s) VALUES (new.rowid, new.%s); END`, fts, table, fts, col, col),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ad AFTER DELETE ON %s BEGIN
INSERT INTO %s(%s, rowid, %s) VALUES ('delete', old.rowid, old.%s); END`, fts, table, fts, fts, col, col),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_au AFTER UPDATE ON %s BEGIN
INSERT INTO %s(%s, rowid, %s) VALUES ('delete', old.rowid, old.%s);
INSERT INTO %s(rowid, %s) VALUES (new.rowid, new.%s); END`, fts, table, fts, fts, col, col, fts, col, col),
		fmt.Sprintf("INSERT INTO %s(rowid, %s) SELECT rowid, %s FROM %s WHERE rowid NOT IN (SELECT rowid FROM %s)", fts, col, col, table, fts),
	}
	return s.ExecDDL(ctx, stmts...)
}

// DropFulltext removes the shadow index alongside a dropped branch table.
func (s *SQL) DropFulltext(ctx context.Context, table string) error {
	if !s.fulltext {
		return nil
	}
	return s.ExecDDL(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s_fts", table))
}

// FulltextScores runs a BM25 match over the shadow index and returns
// normalized scores in (0, 1] keyed by row id. bm25() reports
// better-is-lower; 1/(1+rank) folds it into the fused score range.
func (s *SQL) FulltextScores(ctx context.Context, entity, table, query string, limit int) (map[string]float64, error) {
	if !s.fulltext {
		return nil, memerr.New(memerr.KindBackendUnavailable, "storage.fulltext", "fulltext not available")
	}
	match := ftsMatchQuery(query)
	if match == "" {
		return map[string]float64{}, nil
	}
	fts := table + "_fts"
	stmt := fmt.Sprintf(`SELECT t.id, bm25(%s) FROM %s
JOIN %s t ON t.rowid = %s.rowid WHERE %s MATCH ? ORDER BY bm25(%s) LIMIT %d`,
		fts, fts, table, fts, fts, fts, limit)

	rows, err := s.db.QueryContext(ctx, stmt, match)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.fulltext", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.fulltext", err)
		}
		if rank < 0 {
			rank = -rank
		}
		out[id] = 1.0 / (1.0 + rank)
	}
	return out, rows.Err()
}

// ftsMatchQuery builds an OR match expression from the query's word
// tokens, quoted to disarm FTS5 operators.
func ftsMatchQuery(query string) string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, "") + `"`
	}
	return strings.Join(quoted, " OR ")
}

// Tokenize splits text into lowercased alphanumeric word tokens. Shared by
// the LIKE fallback, keyword scoring and consolidation similarity.
func Tokenize(text string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, c := range strings.ToLower(text) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			cur = append(cur, c)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
