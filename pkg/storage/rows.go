package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/kadirpekel/memtree/pkg/memerr"
)

// Row is a dialect-neutral materialized table row. Values are normalized
// to strings so two rows compare equal iff the storage rows are equal.
type Row struct {
	ID   string
	Vals map[string]string
	Nils map[string]bool
}

// DiffKind labels one row difference between two branch tables.
type DiffKind string

const (
	DiffInsert DiffKind = "insert"
	DiffUpdate DiffKind = "update"
	DiffDelete DiffKind = "delete"
)

// RowDiff is one labelled difference. For insert and update the row is the
// source side; for delete it is the target row absent from the source.
type RowDiff struct {
	Kind DiffKind
	Row  Row
}

// MergeCounts summarizes one table merge.
type MergeCounts struct {
	Merged     int `json:"merged"`
	Skipped    int `json:"skipped"`
	Conflicted int `json:"conflicted"`
}

// normalizeValue folds driver-specific scan results into a comparable
// string form.
func normalizeValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", true
	case []byte:
		return string(val), false
	case string:
		return val, false
	case int64:
		return strconv.FormatInt(val, 10), false
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), false
	case bool:
		if val {
			return "1", false
		}
		return "0", false
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), false
	default:
		return fmt.Sprintf("%v", val), false
	}
}

// readRows materializes an entity table keyed by id.
func (s *SQL) readRows(ctx context.Context, entity, table string) (map[string]Row, error) {
	cols := entityColumns[entity]
	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s", joinColumns(cols), table))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.read_rows", err)
	}
	defer rows.Close()

	out := make(map[string]Row)
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.read_rows", err)
		}

		r := Row{Vals: make(map[string]string, len(cols)), Nils: make(map[string]bool)}
		for i, col := range cols {
			v, isNil := normalizeValue(raw[i])
			if isNil {
				r.Nils[col] = true
				continue
			}
			r.Vals[col] = v
		}
		r.ID = r.Vals["id"]
		out[r.ID] = r
	}
	return out, rows.Err()
}

// rowsEqual compares two normalized rows column by column.
func rowsEqual(entity string, a, b Row) bool {
	for _, col := range entityColumns[entity] {
		if a.Nils[col] != b.Nils[col] {
			return false
		}
		if a.Vals[col] != b.Vals[col] {
			return false
		}
	}
	return true
}

// DiffRows labels every row difference between two branch tables of the
// same entity. src rows absent from dst are inserts, differing rows are
// updates, dst rows absent from src are deletes.
func (s *SQL) DiffRows(ctx context.Context, entity, srcTable, dstTable string) ([]RowDiff, error) {
	src, err := s.readRows(ctx, entity, srcTable)
	if err != nil {
		return nil, err
	}
	dst, err := s.readRows(ctx, entity, dstTable)
	if err != nil {
		return nil, err
	}

	var diffs []RowDiff
	for id, row := range src {
		other, ok := dst[id]
		if !ok {
			diffs = append(diffs, RowDiff{Kind: DiffInsert, Row: row})
			continue
		}
		if !rowsEqual(entity, row, other) {
			diffs = append(diffs, RowDiff{Kind: DiffUpdate, Row: row})
		}
	}
	for id, row := range dst {
		if _, ok := src[id]; !ok {
			diffs = append(diffs, RowDiff{Kind: DiffDelete, Row: row})
		}
	}
	return diffs, nil
}

// DiffCount returns per-kind counts without materializing row payloads to
// the caller.
func (s *SQL) DiffCount(ctx context.Context, entity, srcTable, dstTable string) (map[DiffKind]int, error) {
	diffs, err := s.DiffRows(ctx, entity, srcTable, dstTable)
	if err != nil {
		return nil, err
	}
	counts := map[DiffKind]int{}
	for _, d := range diffs {
		counts[d.Kind]++
	}
	return counts, nil
}

// insertRowTx inserts a normalized row inside a transaction.
func (s *SQL) insertRowTx(ctx context.Context, tx *sql.Tx, entity, table string, row Row) error {
	cols := entityColumns[entity]
	args := make([]any, len(cols))
	for i, col := range cols {
		if row.Nils[col] {
			args[i] = nil
			continue
		}
		args[i] = row.Vals[col]
	}
	query := s.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, joinColumns(cols), placeholders(len(cols))))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_row", err)
	}
	return nil
}

// updateRowTx overwrites every non-id column of an existing row.
func (s *SQL) updateRowTx(ctx context.Context, tx *sql.Tx, entity, table string, row Row) error {
	cols := entityColumns[entity]
	set := ""
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		if col == "id" {
			continue
		}
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		if row.Nils[col] {
			args = append(args, nil)
		} else {
			args = append(args, row.Vals[col])
		}
	}
	args = append(args, row.ID)
	query := s.rebind(fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, set))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.update_row", err)
	}
	return nil
}

// MergeRows applies the row diff of srcTable into dstTable in a single
// transaction. applyInserts gates source-only rows, acceptConflicts gates
// diverged rows (which always count as conflicts); a gated-off change is
// counted as skipped. Deletes never propagate, a merge only adds or
// overwrites.
func (s *SQL) MergeRows(ctx context.Context, entity, srcTable, dstTable string, applyInserts, acceptConflicts bool) (MergeCounts, error) {
	diffs, err := s.DiffRows(ctx, entity, srcTable, dstTable)
	if err != nil {
		return MergeCounts{}, err
	}

	var counts MergeCounts
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, d := range diffs {
			switch d.Kind {
			case DiffInsert:
				if !applyInserts {
					counts.Skipped++
					continue
				}
				if err := s.insertRowTx(ctx, tx, entity, dstTable, d.Row); err != nil {
					return err
				}
				counts.Merged++
			case DiffUpdate:
				counts.Conflicted++
				if acceptConflicts {
					if err := s.updateRowTx(ctx, tx, entity, dstTable, d.Row); err != nil {
						return err
					}
					counts.Merged++
				} else {
					counts.Skipped++
				}
			case DiffDelete:
				// Merges copy knowledge; they never remove target rows.
			}
		}
		return nil
	})
	if err != nil {
		return MergeCounts{}, err
	}
	return counts, nil
}

// ForkEntityTable creates dst with the entity schema and copies every row
// of src into it. Runs on the autocommit channel because of the DDL.
func (s *SQL) ForkEntityTable(ctx context.Context, entity, srcTable, dstTable string) error {
	if err := s.CreateEntityTable(ctx, entity, dstTable); err != nil {
		return err
	}
	cols := joinColumns(entityColumns[entity])
	copyStmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", dstTable, cols, cols, srcTable)
	return s.ExecDDL(ctx, copyStmt)
}

// DropTable removes a branch table. Idempotent.
func (s *SQL) DropTable(ctx context.Context, table string) error {
	return s.ExecDDL(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table))
}

// TableExists probes for a physical table.
func (s *SQL) TableExists(ctx context.Context, table string) (bool, error) {
	var query string
	switch s.dialect {
	case "sqlite":
		query = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	case "postgres":
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?"
	default:
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), table).Scan(&n); err != nil {
		return false, memerr.Wrap(memerr.KindBackendUnavailable, "storage.table_exists", err)
	}
	return n > 0, nil
}

// ReplaceRows atomically rewrites a branch table to the given row set.
// Used by snapshot restore; one transaction per entity table.
func (s *SQL) ReplaceRows(ctx context.Context, entity, table string, rows []Row) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return memerr.Wrap(memerr.KindBackendUnavailable, "storage.replace_rows", err)
		}
		for _, row := range rows {
			if err := s.insertRowTx(ctx, tx, entity, table, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadTable materializes a branch table as a row list, for snapshots.
func (s *SQL) ReadTable(ctx context.Context, entity, table string) ([]Row, error) {
	m, err := s.readRows(ctx, entity, table)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out, nil
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
