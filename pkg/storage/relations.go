package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
)

const relationSelectColumns = `id, source_entity, target_entity, type,
properties, confidence, branch, valid_from, valid_to, created_at`

// RelationFilter selects relations on one branch.
type RelationFilter struct {
	Branch       string
	SourceEntity string
	TargetEntity string
	Type         string
	ValidAt      *time.Time
	Limit        int
}

// InsertRelation writes a relation row in a single transaction.
func (s *SQL) InsertRelation(ctx context.Context, r *model.Relation) error {
	table := s.TableFor("relations", r.Branch)
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, relationSelectColumns))

	var validTo any
	if r.ValidTo != nil {
		validTo = r.ValidTo.UTC()
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			r.ID, r.SourceEntity, r.TargetEntity, r.Type,
			nullable(model.MarshalMeta(r.Properties)), r.Confidence, r.Branch,
			r.ValidFrom.UTC(), validTo, r.CreatedAt.UTC())
		if err != nil {
			return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_relation", err)
		}
		return nil
	})
}

// ListRelations returns relations matching the filter.
func (s *SQL) ListRelations(ctx context.Context, filter RelationFilter) ([]*model.Relation, error) {
	table := s.TableFor("relations", filter.Branch)

	var conds []string
	var args []any
	if filter.SourceEntity != "" {
		conds = append(conds, "source_entity = ?")
		args = append(args, filter.SourceEntity)
	}
	if filter.TargetEntity != "" {
		conds = append(conds, "target_entity = ?")
		args = append(args, filter.TargetEntity)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.ValidAt != nil {
		conds = append(conds, "valid_from <= ? AND (valid_to IS NULL OR valid_to >= ?)")
		args = append(args, filter.ValidAt.UTC(), filter.ValidAt.UTC())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at DESC, id ASC", relationSelectColumns, table, where)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_relations", err)
	}
	defer rows.Close()

	var out []*model.Relation
	for rows.Next() {
		var rel model.Relation
		var properties sql.NullString
		var validTo sql.NullTime
		err := rows.Scan(&rel.ID, &rel.SourceEntity, &rel.TargetEntity,
			&rel.Type, &properties, &rel.Confidence, &rel.Branch,
			&rel.ValidFrom, &validTo, &rel.CreatedAt)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_relations", err)
		}
		rel.Properties = model.UnmarshalMeta(properties.String)
		if validTo.Valid {
			t := validTo.Time
			rel.ValidTo = &t
		}
		out = append(out, &rel)
	}
	return out, rows.Err()
}

// ExpireRelation closes a relation's validity range at the given time.
func (s *SQL) ExpireRelation(ctx context.Context, branch, id string, at time.Time) error {
	table := s.TableFor("relations", branch)
	query := s.rebind(fmt.Sprintf("UPDATE %s SET valid_to = ? WHERE id = ? AND valid_to IS NULL", table))
	res, err := s.db.ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.expire_relation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.NotFound("storage.expire_relation", "open relation", id)
	}
	return nil
}
