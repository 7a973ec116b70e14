package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
)

// InsertBranch publishes a branch registry entry. Callers create the
// physical tables first; the entry is written last so concurrent listing
// never sees a half-created branch.
func (s *SQL) InsertBranch(ctx context.Context, b *model.Branch) error {
	query := s.rebind(`INSERT INTO branch_registry
(name, parent, status, description, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?)`)

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			b.Name, nullable(b.Parent), string(b.Status),
			nullable(b.Description), nullable(model.MarshalMeta(b.Metadata)),
			b.CreatedAt.UTC())
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") ||
				strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				return memerr.Newf(memerr.KindInvalidArgument, "storage.insert_branch", "branch %q already exists", b.Name)
			}
			return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_branch", err)
		}
		return nil
	})
}

// GetBranch fetches one registry entry.
func (s *SQL) GetBranch(ctx context.Context, name string) (*model.Branch, error) {
	query := s.rebind(`SELECT name, parent, status, description, metadata, created_at
FROM branch_registry WHERE name = ?`)

	var b model.Branch
	var parent, description, metadata sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&b.Name, &parent, &status, &description, &metadata, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_branch", "branch", name)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_branch", err)
	}
	b.Status = model.BranchStatus(status)
	b.Parent = parent.String
	b.Description = description.String
	b.Metadata = model.UnmarshalMeta(metadata.String)
	return &b, nil
}

// ListBranches returns registry entries, optionally filtered by status.
func (s *SQL) ListBranches(ctx context.Context, statuses []model.BranchStatus) ([]*model.Branch, error) {
	query := "SELECT name, parent, status, description, metadata, created_at FROM branch_registry"
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY created_at ASC, name ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_branches", err)
	}
	defer rows.Close()

	var out []*model.Branch
	for rows.Next() {
		var b model.Branch
		var parent, description, metadata sql.NullString
		var status string
		if err := rows.Scan(&b.Name, &parent, &status, &description, &metadata, &b.CreatedAt); err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_branches", err)
		}
		b.Status = model.BranchStatus(status)
		b.Parent = parent.String
		b.Description = description.String
		b.Metadata = model.UnmarshalMeta(metadata.String)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// UpdateBranchStatus advances a branch's lifecycle state.
func (s *SQL) UpdateBranchStatus(ctx context.Context, name string, status model.BranchStatus) error {
	query := s.rebind("UPDATE branch_registry SET status = ? WHERE name = ?")
	res, err := s.db.ExecContext(ctx, query, string(status), name)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.update_branch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.NotFound("storage.update_branch", "branch", name)
	}
	return nil
}

// DeleteBranch removes a registry entry. Used only to roll back a failed
// branch creation; archival keeps the entry.
func (s *SQL) DeleteBranch(ctx context.Context, name string) error {
	query := s.rebind("DELETE FROM branch_registry WHERE name = ?")
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.delete_branch", err)
	}
	return nil
}

// InsertMergeRecord appends an immutable merge audit row.
func (s *SQL) InsertMergeRecord(ctx context.Context, rec *model.MergeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO merge_history
(id, source, target, strategy, merged, skipped, conflicted, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Source, rec.Target, string(rec.Strategy),
		rec.Merged, rec.Skipped, rec.Conflicted, rec.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_merge_record", err)
	}
	return nil
}

// ListMergeRecords returns merge history, newest first, optionally
// filtered by target branch.
func (s *SQL) ListMergeRecords(ctx context.Context, target string, limit int) ([]*model.MergeRecord, error) {
	query := "SELECT id, source, target, strategy, merged, skipped, conflicted, created_at FROM merge_history"
	var args []any
	if target != "" {
		query += " WHERE target = ?"
		args = append(args, target)
	}
	query += " ORDER BY created_at DESC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_merge_records", err)
	}
	defer rows.Close()

	var out []*model.MergeRecord
	for rows.Next() {
		var rec model.MergeRecord
		var strategy string
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Target, &strategy,
			&rec.Merged, &rec.Skipped, &rec.Conflicted, &rec.CreatedAt); err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_merge_records", err)
		}
		rec.Strategy = model.MergeStrategy(strategy)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// InsertConsolidationRecord appends an immutable consolidation audit row.
func (s *SQL) InsertConsolidationRecord(ctx context.Context, rec *model.ConsolidationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO consolidation_history
(id, level, source_branch, target_branch, created_count, updated_count,
deduplicated_count, observations_processed, summary_text, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, string(rec.Level), rec.SourceBranch, nullable(rec.TargetBranch),
		rec.Created, rec.Updated, rec.Deduplicated, rec.ObservationsProcessed,
		nullable(rec.Summary), rec.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_consolidation_record", err)
	}
	return nil
}

// ListConsolidationRecords returns consolidation history, newest first.
func (s *SQL) ListConsolidationRecords(ctx context.Context, sourceBranch string, limit int) ([]*model.ConsolidationRecord, error) {
	query := `SELECT id, level, source_branch, target_branch, created_count,
updated_count, deduplicated_count, observations_processed, summary_text, created_at
FROM consolidation_history`
	var args []any
	if sourceBranch != "" {
		query += " WHERE source_branch = ?"
		args = append(args, sourceBranch)
	}
	query += " ORDER BY created_at DESC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_consolidation_records", err)
	}
	defer rows.Close()

	var out []*model.ConsolidationRecord
	for rows.Next() {
		var rec model.ConsolidationRecord
		var level string
		var targetBranch, summary sql.NullString
		if err := rows.Scan(&rec.ID, &level, &rec.SourceBranch, &targetBranch,
			&rec.Created, &rec.Updated, &rec.Deduplicated,
			&rec.ObservationsProcessed, &summary, &rec.CreatedAt); err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_consolidation_records", err)
		}
		rec.Level = model.ConsolidationLevel(level)
		rec.TargetBranch = targetBranch.String
		rec.Summary = summary.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}
