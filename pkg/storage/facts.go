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

const factSelectColumns = `id, text, category, confidence, status, parent_id,
source_type, source_id, session_id, task_id, agent_id, branch, embedding,
metadata, created_at, updated_at`

// FactFilter selects facts on one branch.
type FactFilter struct {
	Branch        string
	Category      string
	Status        model.FactStatus
	SessionID     string
	TaskID        string
	AgentID       string
	Tokens        []string // OR-matched LIKE tokens against text
	CreatedAfter  *time.Time
	CreatedBefore *time.Time // AS-OF emulation upper bound
	NullEmbedding bool
	Limit         int
}

// InsertFact writes a fact row in a single transaction.
func (s *SQL) InsertFact(ctx context.Context, f *model.Fact) error {
	table := s.TableFor("facts", f.Branch)
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insertFactTx(ctx, tx, table, f)
	})
}

func (s *SQL) insertFactTx(ctx context.Context, tx *sql.Tx, table string, f *model.Fact) error {
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, factSelectColumns))
	_, err := tx.ExecContext(ctx, query,
		f.ID, f.Text, nullable(f.Category), f.Confidence, string(f.Status),
		nullable(f.ParentID), nullable(f.SourceType), nullable(f.SourceID),
		nullable(f.SessionID), nullable(f.TaskID), nullable(f.AgentID),
		f.Branch, nullable(model.MarshalEmbedding(f.Embedding)),
		nullable(model.MarshalMeta(f.Metadata)), f.CreatedAt.UTC(), f.UpdatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_fact", err)
	}
	return nil
}

// GetFact fetches a fact by id on a branch.
func (s *SQL) GetFact(ctx context.Context, branch, id string) (*model.Fact, error) {
	table := s.TableFor("facts", branch)
	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", factSelectColumns, table))

	f, err := scanFact(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_fact", "fact", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_fact", err)
	}
	return f, nil
}

// ListFacts returns facts matching the filter, newest first.
func (s *SQL) ListFacts(ctx context.Context, filter FactFilter) ([]*model.Fact, error) {
	table := s.TableFor("facts", filter.Branch)

	where, args := factWhere(filter)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at DESC, id ASC", factSelectColumns, table, where)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_facts", err)
	}
	defer rows.Close()

	var out []*model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_facts", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFact overwrites the mutable columns of a fact.
func (s *SQL) UpdateFact(ctx context.Context, f *model.Fact) error {
	table := s.TableFor("facts", f.Branch)
	query := s.rebind(fmt.Sprintf(`UPDATE %s SET
text = ?, category = ?, confidence = ?, status = ?, parent_id = ?,
embedding = ?, metadata = ?, updated_at = ? WHERE id = ?`, table))

	res, err := s.db.ExecContext(ctx, query,
		f.Text, nullable(f.Category), f.Confidence, string(f.Status),
		nullable(f.ParentID), nullable(model.MarshalEmbedding(f.Embedding)),
		nullable(model.MarshalMeta(f.Metadata)), time.Now().UTC(), f.ID)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.update_fact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.NotFound("storage.update_fact", "fact", f.ID)
	}
	return nil
}

// SupersedeFact atomically marks old as superseded and inserts the new
// version pointing back at it. Exactly one of the two stays active.
func (s *SQL) SupersedeFact(ctx context.Context, branch, oldID string, newer *model.Fact) error {
	table := s.TableFor("facts", branch)
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(fmt.Sprintf(
			"UPDATE %s SET status = ?, updated_at = ? WHERE id = ? AND status = ?", table)),
			string(model.FactSuperseded), time.Now().UTC(), oldID, string(model.FactActive))
		if err != nil {
			return memerr.Wrap(memerr.KindBackendUnavailable, "storage.supersede", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound("storage.supersede", "active fact", oldID)
		}
		newer.ParentID = oldID
		newer.Status = model.FactActive
		return s.insertFactTx(ctx, tx, table, newer)
	})
}

// UpdateFactConfidence adjusts confidence in place, clamped to [0, 1].
func (s *SQL) UpdateFactConfidence(ctx context.Context, branch, id string, confidence float64) error {
	table := s.TableFor("facts", branch)
	query := s.rebind(fmt.Sprintf("UPDATE %s SET confidence = ?, updated_at = ? WHERE id = ?", table))
	_, err := s.db.ExecContext(ctx, query, model.Clamp01(confidence), time.Now().UTC(), id)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.update_confidence", err)
	}
	return nil
}

// UpdateFactEmbedding backfills an embedding column.
func (s *SQL) UpdateFactEmbedding(ctx context.Context, branch, id string, vec []float32) error {
	table := s.TableFor("facts", branch)
	query := s.rebind(fmt.Sprintf("UPDATE %s SET embedding = ? WHERE id = ?", table))
	_, err := s.db.ExecContext(ctx, query, nullable(model.MarshalEmbedding(vec)), id)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.update_embedding", err)
	}
	return nil
}

func factWhere(filter FactFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(filter.Tokens) > 0 {
		var likes []string
		for _, tok := range filter.Tokens {
			likes = append(likes, "lower(text) LIKE ?")
			args = append(args, "%"+strings.ToLower(tok)+"%")
		}
		conds = append(conds, "("+strings.Join(likes, " OR ")+")")
	}
	if filter.CreatedAfter != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.CreatedAfter.UTC())
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.CreatedBefore.UTC())
	}
	if filter.NullEmbedding {
		conds = append(conds, "embedding IS NULL")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(r rowScanner) (*model.Fact, error) {
	var f model.Fact
	var category, parentID, sourceType, sourceID, sessionID, taskID, agentID, embedding, metadata sql.NullString
	var status string

	err := r.Scan(&f.ID, &f.Text, &category, &f.Confidence, &status,
		&parentID, &sourceType, &sourceID, &sessionID, &taskID, &agentID,
		&f.Branch, &embedding, &metadata, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	f.Status = model.FactStatus(status)
	f.Category = category.String
	f.ParentID = parentID.String
	f.SourceType = sourceType.String
	f.SourceID = sourceID.String
	f.SessionID = sessionID.String
	f.TaskID = taskID.String
	f.AgentID = agentID.String
	f.Embedding = model.UnmarshalEmbedding(embedding.String)
	f.Metadata = model.UnmarshalMeta(metadata.String)
	return &f, nil
}

// nullable converts empty strings to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
