package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
)

// Branch-independent entity CRUD: tasks, sessions, snapshots, scores,
// templates, bundles, handoffs, replays. These are small, audit-flavored
// tables; every writer commits a single row.

// InsertTask writes a task row.
func (s *SQL) InsertTask(ctx context.Context, t *model.Task) error {
	query := s.rebind(`INSERT INTO tasks
(id, name, description, type, objectives, parent_branch, branch, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, nullable(t.Description), nullable(t.Type),
		nullable(model.MarshalJSONList(t.Objectives)), t.ParentBranch,
		t.Branch, t.Status, t.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_task", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *SQL) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT id, name, description, type, objectives,
parent_branch, branch, status, created_at FROM tasks WHERE id = ?`)

	var t model.Task
	var description, typ, objectives sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name,
		&description, &typ, &objectives, &t.ParentBranch, &t.Branch,
		&t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_task", "task", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_task", err)
	}
	t.Description = description.String
	t.Type = typ.String
	t.Objectives = model.UnmarshalJSONList[model.Objective](objectives.String)
	return &t, nil
}

// UpdateTask overwrites a task's objectives and status.
func (s *SQL) UpdateTask(ctx context.Context, t *model.Task) error {
	query := s.rebind("UPDATE tasks SET objectives = ?, status = ? WHERE id = ?")
	res, err := s.db.ExecContext(ctx, query,
		nullable(model.MarshalJSONList(t.Objectives)), t.Status, t.ID)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.update_task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.NotFound("storage.update_task", "task", t.ID)
	}
	return nil
}

// InsertSession writes a session row.
func (s *SQL) InsertSession(ctx context.Context, sess *model.Session) error {
	query := s.rebind(`INSERT INTO sessions
(id, parent_session_id, branch, task_id, agent_id, status, summary, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	var endedAt any
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, nullable(sess.ParentSessionID), sess.Branch,
		nullable(sess.TaskID), nullable(sess.AgentID), sess.Status,
		nullable(sess.Summary), sess.StartedAt.UTC(), endedAt)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_session", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *SQL) GetSession(ctx context.Context, id string) (*model.Session, error) {
	query := s.rebind(`SELECT id, parent_session_id, branch, task_id, agent_id,
status, summary, started_at, ended_at FROM sessions WHERE id = ?`)

	var sess model.Session
	var parentID, taskID, agentID, summary sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(&sess.ID, &parentID,
		&sess.Branch, &taskID, &agentID, &sess.Status, &summary,
		&sess.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_session", "session", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_session", err)
	}
	sess.ParentSessionID = parentID.String
	sess.TaskID = taskID.String
	sess.AgentID = agentID.String
	sess.Summary = summary.String
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

// CloseSession marks a session ended with a summary.
func (s *SQL) CloseSession(ctx context.Context, id, summary string, at time.Time) error {
	query := s.rebind("UPDATE sessions SET status = 'ended', summary = ?, ended_at = ? WHERE id = ?")
	res, err := s.db.ExecContext(ctx, query, nullable(summary), at.UTC(), id)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.close_session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.NotFound("storage.close_session", "session", id)
	}
	return nil
}

// InsertSnapshot writes a snapshot registry row.
func (s *SQL) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	query := s.rebind(`INSERT INTO snapshots
(id, branch, label, payload, native, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		snap.ID, snap.Branch, nullable(snap.Label), nullable(snap.Payload),
		nullable(snap.Native), snap.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_snapshot", err)
	}
	return nil
}

// GetSnapshot fetches a snapshot by id, payload included.
func (s *SQL) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	query := s.rebind("SELECT id, branch, label, payload, native, created_at FROM snapshots WHERE id = ?")

	var snap model.Snapshot
	var label, payload, native sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&snap.ID, &snap.Branch,
		&label, &payload, &native, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_snapshot", "snapshot", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_snapshot", err)
	}
	snap.Label = label.String
	snap.Payload = payload.String
	snap.Native = native.String
	return &snap, nil
}

// ListSnapshots returns snapshot registry rows without payloads, newest
// first, optionally scoped to a branch.
func (s *SQL) ListSnapshots(ctx context.Context, branch string, limit int) ([]*model.Snapshot, error) {
	query := "SELECT id, branch, label, native, created_at FROM snapshots"
	var args []any
	if branch != "" {
		query += " WHERE branch = ?"
		args = append(args, branch)
	}
	query += " ORDER BY created_at DESC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_snapshots", err)
	}
	defer rows.Close()

	var out []*model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		var label, native sql.NullString
		if err := rows.Scan(&snap.ID, &snap.Branch, &label, &native, &snap.CreatedAt); err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_snapshots", err)
		}
		snap.Label = label.String
		snap.Native = native.String
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// InsertScore appends an immutable score row.
func (s *SQL) InsertScore(ctx context.Context, sc *model.Score) error {
	query := s.rebind(`INSERT INTO scores
(id, target_type, target_id, dimension, value, scorer, explanation, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		sc.ID, sc.TargetType, sc.TargetID, sc.Dimension, sc.Value,
		string(sc.Scorer), nullable(sc.Explanation), sc.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_score", err)
	}
	return nil
}

// ListScores returns scores for a target, newest first.
func (s *SQL) ListScores(ctx context.Context, targetType, targetID string) ([]*model.Score, error) {
	query := s.rebind(`SELECT id, target_type, target_id, dimension, value,
scorer, explanation, created_at FROM scores
WHERE target_type = ? AND target_id = ? ORDER BY created_at DESC, id ASC`)

	rows, err := s.db.QueryContext(ctx, query, targetType, targetID)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_scores", err)
	}
	defer rows.Close()

	var out []*model.Score
	for rows.Next() {
		var sc model.Score
		var scorer string
		var explanation sql.NullString
		if err := rows.Scan(&sc.ID, &sc.TargetType, &sc.TargetID, &sc.Dimension,
			&sc.Value, &scorer, &explanation, &sc.CreatedAt); err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_scores", err)
		}
		sc.Scorer = model.Scorer(scorer)
		sc.Explanation = explanation.String
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// InsertTemplate writes a template row.
func (s *SQL) InsertTemplate(ctx context.Context, t *model.Template) error {
	query := s.rebind(`INSERT INTO templates
(id, name, source_branch, snapshot_id, version, task_types, tags, status, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.SourceBranch, t.SnapshotID, t.Version,
		nullable(model.MarshalJSONList(t.TaskTypes)),
		nullable(model.MarshalJSONList(t.Tags)), string(t.Status),
		nullable(model.MarshalMeta(t.Metadata)), t.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_template", err)
	}
	return nil
}

// GetTemplate fetches the newest version of a named template.
func (s *SQL) GetTemplate(ctx context.Context, name string) (*model.Template, error) {
	query := s.rebind(`SELECT id, name, source_branch, snapshot_id, version,
task_types, tags, status, metadata, created_at FROM templates
WHERE name = ? ORDER BY version DESC LIMIT 1`)

	t, err := scanTemplate(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_template", "template", name)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_template", err)
	}
	return t, nil
}

// ListTemplates returns the newest version of every template.
func (s *SQL) ListTemplates(ctx context.Context) ([]*model.Template, error) {
	query := `SELECT id, name, source_branch, snapshot_id, version, task_types,
tags, status, metadata, created_at FROM templates t
WHERE version = (SELECT MAX(version) FROM templates WHERE name = t.name)
ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_templates", err)
	}
	defer rows.Close()

	var out []*model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_templates", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeprecateTemplate marks every version of a template deprecated.
func (s *SQL) DeprecateTemplate(ctx context.Context, name string) error {
	query := s.rebind("UPDATE templates SET status = ? WHERE name = ?")
	res, err := s.db.ExecContext(ctx, query, string(model.TemplateDeprecated), name)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.deprecate_template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.NotFound("storage.deprecate_template", "template", name)
	}
	return nil
}

func scanTemplate(r rowScanner) (*model.Template, error) {
	var t model.Template
	var taskTypes, tags, metadata sql.NullString
	var status string
	err := r.Scan(&t.ID, &t.Name, &t.SourceBranch, &t.SnapshotID, &t.Version,
		&taskTypes, &tags, &status, &metadata, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TemplateStatus(status)
	t.TaskTypes = model.UnmarshalJSONList[string](taskTypes.String)
	t.Tags = model.UnmarshalJSONList[string](tags.String)
	t.Metadata = model.UnmarshalMeta(metadata.String)
	return &t, nil
}

// InsertBundle writes a bundle row.
func (s *SQL) InsertBundle(ctx context.Context, b *model.Bundle) error {
	query := s.rebind(`INSERT INTO bundles
(id, name, payload, verified_only, fact_count, created_at)
VALUES (?, ?, ?, ?, ?, ?)`)
	verified := 0
	if b.VerifiedOnly {
		verified = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.Name, b.Payload, verified, b.FactCount, b.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_bundle", err)
	}
	return nil
}

// GetBundle fetches a bundle by id, payload included.
func (s *SQL) GetBundle(ctx context.Context, id string) (*model.Bundle, error) {
	query := s.rebind("SELECT id, name, payload, verified_only, fact_count, created_at FROM bundles WHERE id = ?")

	var b model.Bundle
	var verified int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.Name,
		&b.Payload, &verified, &b.FactCount, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_bundle", "bundle", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_bundle", err)
	}
	b.VerifiedOnly = verified != 0
	return &b, nil
}

// InsertHandoff writes a handoff row.
func (s *SQL) InsertHandoff(ctx context.Context, h *model.Handoff) error {
	query := s.rebind(`INSERT INTO handoffs
(id, source_branch, target_branch, type, fact_ids, conversation_ids,
context_summary, verification_status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		h.ID, h.SourceBranch, h.TargetBranch, nullable(h.Type),
		nullable(model.MarshalJSONList(h.FactIDs)),
		nullable(model.MarshalJSONList(h.ConversationIDs)),
		nullable(h.ContextSummary), nullable(string(h.VerificationStatus)),
		h.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_handoff", err)
	}
	return nil
}

// GetHandoff fetches a handoff by id.
func (s *SQL) GetHandoff(ctx context.Context, id string) (*model.Handoff, error) {
	query := s.rebind(`SELECT id, source_branch, target_branch, type, fact_ids,
conversation_ids, context_summary, verification_status, created_at
FROM handoffs WHERE id = ?`)

	var h model.Handoff
	var typ, factIDs, convIDs, summary, status sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&h.ID, &h.SourceBranch,
		&h.TargetBranch, &typ, &factIDs, &convIDs, &summary, &status, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_handoff", "handoff", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_handoff", err)
	}
	h.Type = typ.String
	h.FactIDs = model.UnmarshalJSONList[string](factIDs.String)
	h.ConversationIDs = model.UnmarshalJSONList[string](convIDs.String)
	h.ContextSummary = summary.String
	h.VerificationStatus = model.VerificationStatus(status.String)
	return &h, nil
}

// InsertReplay writes a replay row.
func (s *SQL) InsertReplay(ctx context.Context, r *model.Replay) error {
	query := s.rebind(`INSERT INTO replays
(id, source_conversation_id, replay_conversation_id, fork_at, parameters,
status, final_message_ids, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.SourceConversationID, r.ReplayConversationID, r.ForkAt,
		nullable(model.MarshalMeta(r.Parameters)), r.Status,
		nullable(model.MarshalJSONList(r.FinalMessageIDs)), r.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_replay", err)
	}
	return nil
}

// GetReplay fetches a replay by id.
func (s *SQL) GetReplay(ctx context.Context, id string) (*model.Replay, error) {
	query := s.rebind(`SELECT id, source_conversation_id, replay_conversation_id,
fork_at, parameters, status, final_message_ids, created_at FROM replays WHERE id = ?`)

	var r model.Replay
	var params, finalIDs sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID,
		&r.SourceConversationID, &r.ReplayConversationID, &r.ForkAt,
		&params, &r.Status, &finalIDs, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_replay", "replay", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_replay", err)
	}
	r.Parameters = model.UnmarshalMeta(params.String)
	r.FinalMessageIDs = model.UnmarshalJSONList[string](finalIDs.String)
	return &r, nil
}

// CompleteReplay marks a replay complete with its final message ids.
func (s *SQL) CompleteReplay(ctx context.Context, id string, finalMessageIDs []string) error {
	query := s.rebind("UPDATE replays SET status = 'completed', final_message_ids = ? WHERE id = ?")
	res, err := s.db.ExecContext(ctx, query, nullable(model.MarshalJSONList(finalMessageIDs)), id)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.complete_replay", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.NotFound("storage.complete_replay", "replay", id)
	}
	return nil
}
