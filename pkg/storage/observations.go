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

const obsSelectColumns = `id, session_id, type, tool_name, summary, raw_input,
raw_output, outcome, branch, task_id, agent_id, embedding, created_at`

// ObservationFilter selects observations on one branch.
type ObservationFilter struct {
	Branch        string
	SessionID     string
	TaskID        string
	AgentID       string
	Types         []model.ObservationType
	Tokens        []string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// InsertObservation writes an observation row in a single transaction.
func (s *SQL) InsertObservation(ctx context.Context, o *model.Observation) error {
	table := s.TableFor("observations", o.Branch)
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, obsSelectColumns))

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			o.ID, nullable(o.SessionID), string(o.Type), nullable(o.ToolName),
			o.Summary, nullable(o.RawInput), nullable(o.RawOutput),
			nullable(string(o.Outcome)), o.Branch, nullable(o.TaskID),
			nullable(o.AgentID), nullable(model.MarshalEmbedding(o.Embedding)),
			o.CreatedAt.UTC())
		if err != nil {
			return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_observation", err)
		}
		return nil
	})
}

// ListObservations returns observations matching the filter, oldest first
// so consolidation processes them in capture order.
func (s *SQL) ListObservations(ctx context.Context, filter ObservationFilter) ([]*model.Observation, error) {
	table := s.TableFor("observations", filter.Branch)

	var conds []string
	var args []any
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
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(marks, ",")+")")
	}
	if len(filter.Tokens) > 0 {
		var likes []string
		for _, tok := range filter.Tokens {
			likes = append(likes, "lower(summary) LIKE ?")
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

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at ASC, id ASC", obsSelectColumns, table, where)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_observations", err)
	}
	defer rows.Close()

	var out []*model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_observations", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanObservation(r rowScanner) (*model.Observation, error) {
	var o model.Observation
	var sessionID, toolName, rawInput, rawOutput, outcome, taskID, agentID, embedding sql.NullString
	var typ string

	err := r.Scan(&o.ID, &sessionID, &typ, &toolName, &o.Summary,
		&rawInput, &rawOutput, &outcome, &o.Branch, &taskID, &agentID,
		&embedding, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	o.Type = model.ObservationType(typ)
	o.SessionID = sessionID.String
	o.ToolName = toolName.String
	o.RawInput = rawInput.String
	o.RawOutput = rawOutput.String
	o.Outcome = model.ObservationOutcome(outcome.String)
	o.TaskID = taskID.String
	o.AgentID = agentID.String
	o.Embedding = model.UnmarshalEmbedding(embedding.String)
	return &o, nil
}
