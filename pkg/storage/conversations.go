package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
)

const convSelectColumns = `id, session_id, agent_id, task_id, branch, title,
status, model, message_count, total_tokens, parent_conversation_id,
fork_point_message_id, metadata, created_at`

const msgSelectColumns = `id, conversation_id, role, content, thinking,
tool_calls, model, sequence_num, token_count, session_id, agent_id, branch,
embedding, metadata, created_at`

// InsertConversation writes a conversation row.
func (s *SQL) InsertConversation(ctx context.Context, c *model.Conversation) error {
	table := s.TableFor("conversations", c.Branch)
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, convSelectColumns))

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			c.ID, nullable(c.SessionID), nullable(c.AgentID), nullable(c.TaskID),
			c.Branch, nullable(c.Title), string(c.Status), nullable(c.Model),
			c.MessageCount, c.TotalTokens, nullable(c.ParentConversationID),
			nullable(c.ForkPointMessageID), nullable(model.MarshalMeta(c.Metadata)),
			c.CreatedAt.UTC())
		if err != nil {
			return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_conversation", err)
		}
		return nil
	})
}

// GetConversation fetches a conversation by id on a branch.
func (s *SQL) GetConversation(ctx context.Context, branch, id string) (*model.Conversation, error) {
	table := s.TableFor("conversations", branch)
	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", convSelectColumns, table))

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("storage.get_conversation", "conversation", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.get_conversation", err)
	}
	return c, nil
}

// ListConversations returns conversations on a branch, newest first.
func (s *SQL) ListConversations(ctx context.Context, branch, sessionID string, limit int) ([]*model.Conversation, error) {
	table := s.TableFor("conversations", branch)
	query := fmt.Sprintf("SELECT %s FROM %s", convSelectColumns, table)
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_conversations", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_conversations", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversation overwrites the mutable columns of a conversation.
func (s *SQL) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	table := s.TableFor("conversations", c.Branch)
	query := s.rebind(fmt.Sprintf(`UPDATE %s SET
title = ?, status = ?, message_count = ?, total_tokens = ?, metadata = ?
WHERE id = ?`, table))

	res, err := s.db.ExecContext(ctx, query,
		nullable(c.Title), string(c.Status), c.MessageCount, c.TotalTokens,
		nullable(model.MarshalMeta(c.Metadata)), c.ID)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.update_conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.NotFound("storage.update_conversation", "conversation", c.ID)
	}
	return nil
}

// InsertMessage appends a message and bumps the conversation counters in
// the same transaction.
func (s *SQL) InsertMessage(ctx context.Context, m *model.Message) error {
	msgTable := s.TableFor("messages", m.Branch)
	convTable := s.TableFor("conversations", m.Branch)

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertMessageTx(ctx, tx, msgTable, m); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(fmt.Sprintf(
			"UPDATE %s SET message_count = message_count + 1, total_tokens = total_tokens + ? WHERE id = ?",
			convTable)), m.TokenCount, m.ConversationID)
		if err != nil {
			return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_message", err)
		}
		return nil
	})
}

func (s *SQL) insertMessageTx(ctx context.Context, tx *sql.Tx, table string, m *model.Message) error {
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, msgSelectColumns))
	_, err := tx.ExecContext(ctx, query,
		m.ID, m.ConversationID, string(m.Role), m.Content, nullable(m.Thinking),
		nullable(model.MarshalJSONList(m.ToolCalls)), nullable(m.Model),
		m.SequenceNum, m.TokenCount, nullable(m.SessionID), nullable(m.AgentID),
		m.Branch, nullable(model.MarshalEmbedding(m.Embedding)),
		nullable(model.MarshalMeta(m.Metadata)), m.CreatedAt.UTC())
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.insert_message", err)
	}
	return nil
}

// InsertMessages appends a batch atomically, without touching counters.
// Callers that copy whole conversations set counters explicitly.
func (s *SQL) InsertMessages(ctx context.Context, branch string, msgs []*model.Message) error {
	table := s.TableFor("messages", branch)
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			if err := s.insertMessageTx(ctx, tx, table, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListMessages returns a conversation's messages in sequence order.
// fromSeq/toSeq bound the range when positive.
func (s *SQL) ListMessages(ctx context.Context, branch, conversationID string, fromSeq, toSeq int) ([]*model.Message, error) {
	table := s.TableFor("messages", branch)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE conversation_id = ?", msgSelectColumns, table)
	args := []any{conversationID}
	if fromSeq > 0 {
		query += " AND sequence_num >= ?"
		args = append(args, fromSeq)
	}
	if toSeq > 0 {
		query += " AND sequence_num <= ?"
		args = append(args, toSeq)
	}
	query += " ORDER BY sequence_num ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_messages", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.list_messages", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// NextSequenceNum returns the next message sequence for a conversation.
func (s *SQL) NextSequenceNum(ctx context.Context, branch, conversationID string) (int, error) {
	table := s.TableFor("messages", branch)
	query := s.rebind(fmt.Sprintf(
		"SELECT COALESCE(MAX(sequence_num), 0) FROM %s WHERE conversation_id = ?", table))
	var max int
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&max); err != nil {
		return 0, memerr.Wrap(memerr.KindBackendUnavailable, "storage.next_sequence", err)
	}
	return max + 1, nil
}

// MarkMessagesCherryPicked flags source messages and appends a
// back-reference to the copy in their metadata.
func (s *SQL) MarkMessagesCherryPicked(ctx context.Context, branch string, ids []string, targetConversationID string) error {
	if len(ids) == 0 {
		return nil
	}
	table := s.TableFor("messages", branch)
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var metaText sql.NullString
			query := s.rebind(fmt.Sprintf("SELECT metadata FROM %s WHERE id = ?", table))
			if err := tx.QueryRowContext(ctx, query, id).Scan(&metaText); err != nil {
				return memerr.Wrap(memerr.KindBackendUnavailable, "storage.mark_cherry_picked", err)
			}
			meta := model.UnmarshalMeta(metaText.String)
			if meta == nil {
				meta = map[string]any{}
			}
			meta["is_cherry_picked"] = true
			refs, _ := meta["cherry_pick_refs"].([]any)
			meta["cherry_pick_refs"] = append(refs, targetConversationID)

			update := s.rebind(fmt.Sprintf("UPDATE %s SET metadata = ? WHERE id = ?", table))
			if _, err := tx.ExecContext(ctx, update, model.MarshalMeta(meta), id); err != nil {
				return memerr.Wrap(memerr.KindBackendUnavailable, "storage.mark_cherry_picked", err)
			}
		}
		return nil
	})
}

func scanConversation(r rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var sessionID, agentID, taskID, title, mdl, parentID, forkPoint, metadata sql.NullString
	var status string

	err := r.Scan(&c.ID, &sessionID, &agentID, &taskID, &c.Branch, &title,
		&status, &mdl, &c.MessageCount, &c.TotalTokens, &parentID, &forkPoint,
		&metadata, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	c.Status = model.ConversationStatus(status)
	c.SessionID = sessionID.String
	c.AgentID = agentID.String
	c.TaskID = taskID.String
	c.Title = title.String
	c.Model = mdl.String
	c.ParentConversationID = parentID.String
	c.ForkPointMessageID = forkPoint.String
	c.Metadata = model.UnmarshalMeta(metadata.String)
	return &c, nil
}

func scanMessage(r rowScanner) (*model.Message, error) {
	var m model.Message
	var thinking, toolCalls, mdl, sessionID, agentID, embedding, metadata sql.NullString
	var role string

	err := r.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &thinking,
		&toolCalls, &mdl, &m.SequenceNum, &m.TokenCount, &sessionID, &agentID,
		&m.Branch, &embedding, &metadata, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Role = model.MessageRole(role)
	m.Thinking = thinking.String
	m.ToolCalls = model.UnmarshalJSONList[model.ToolCall](toolCalls.String)
	m.Model = mdl.String
	m.SessionID = sessionID.String
	m.AgentID = agentID.String
	m.Embedding = model.UnmarshalEmbedding(embedding.String)
	m.Metadata = model.UnmarshalMeta(metadata.String)
	return &m, nil
}
