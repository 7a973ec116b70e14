package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/memtree/pkg/model"
)

// Entity column lists, in declaration order. Shared by generic row
// operations so insert statements line up with the DDL below.
var entityColumns = map[string][]string{
	"facts": {
		"id", "text", "category", "confidence", "status", "parent_id",
		"source_type", "source_id", "session_id", "task_id", "agent_id",
		"branch", "embedding", "metadata", "created_at", "updated_at",
	},
	"relations": {
		"id", "source_entity", "target_entity", "type", "properties",
		"confidence", "branch", "valid_from", "valid_to", "created_at",
	},
	"observations": {
		"id", "session_id", "type", "tool_name", "summary", "raw_input",
		"raw_output", "outcome", "branch", "task_id", "agent_id",
		"embedding", "created_at",
	},
	"conversations": {
		"id", "session_id", "agent_id", "task_id", "branch", "title",
		"status", "model", "message_count", "total_tokens",
		"parent_conversation_id", "fork_point_message_id", "metadata",
		"created_at",
	},
	"messages": {
		"id", "conversation_id", "role", "content", "thinking",
		"tool_calls", "model", "sequence_num", "token_count", "session_id",
		"agent_id", "branch", "embedding", "metadata", "created_at",
	},
}

// entityDDL renders the CREATE TABLE for a branch-participating entity at
// an arbitrary physical table name.
func (s *SQL) entityDDL(entity, table string) string {
	switch entity {
	case "facts":
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id VARCHAR(64) PRIMARY KEY,
    text TEXT NOT NULL,
    category VARCHAR(64),
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    parent_id VARCHAR(64),
    source_type VARCHAR(64),
    source_id VARCHAR(64),
    session_id VARCHAR(64),
    task_id VARCHAR(64),
    agent_id VARCHAR(64),
    branch VARCHAR(255) NOT NULL,
    embedding TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`, table)
	case "relations":
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id VARCHAR(64) PRIMARY KEY,
    source_entity VARCHAR(255) NOT NULL,
    target_entity VARCHAR(255) NOT NULL,
    type VARCHAR(64) NOT NULL,
    properties TEXT,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    branch VARCHAR(255) NOT NULL,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    created_at TIMESTAMP NOT NULL
)`, table)
	case "observations":
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64),
    type VARCHAR(32) NOT NULL,
    tool_name VARCHAR(255),
    summary TEXT NOT NULL,
    raw_input TEXT,
    raw_output TEXT,
    outcome VARCHAR(32),
    branch VARCHAR(255) NOT NULL,
    task_id VARCHAR(64),
    agent_id VARCHAR(64),
    embedding TEXT,
    created_at TIMESTAMP NOT NULL
)`, table)
	case "conversations":
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64),
    agent_id VARCHAR(64),
    task_id VARCHAR(64),
    branch VARCHAR(255) NOT NULL,
    title TEXT,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    model VARCHAR(255),
    message_count INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    parent_conversation_id VARCHAR(64),
    fork_point_message_id VARCHAR(64),
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
)`, table)
	case "messages":
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id VARCHAR(64) PRIMARY KEY,
    conversation_id VARCHAR(64) NOT NULL,
    role VARCHAR(32) NOT NULL,
    content TEXT NOT NULL,
    thinking TEXT,
    tool_calls TEXT,
    model VARCHAR(255),
    sequence_num INTEGER NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    session_id VARCHAR(64),
    agent_id VARCHAR(64),
    branch VARCHAR(255) NOT NULL,
    embedding TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
)`, table)
	default:
		panic("unknown entity: " + entity)
	}
}

// entityIndexDDL renders secondary indexes for an entity table.
func entityIndexDDL(entity, table string) []string {
	ix := func(col string) string {
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", table, col, table, col)
	}
	switch entity {
	case "facts":
		return []string{ix("status"), ix("category"), ix("session_id"), ix("created_at")}
	case "relations":
		return []string{ix("source_entity"), ix("type")}
	case "observations":
		return []string{ix("session_id"), ix("type"), ix("created_at")}
	case "conversations":
		return []string{ix("session_id"), ix("status")}
	case "messages":
		return []string{
			ix("conversation_id"),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_seq ON %s(conversation_id, sequence_num)", table, table),
		}
	default:
		return nil
	}
}

const branchRegistryDDL = `
CREATE TABLE IF NOT EXISTS branch_registry (
    name VARCHAR(255) PRIMARY KEY,
    parent VARCHAR(255),
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    description TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
)`

const mergeHistoryDDL = `
CREATE TABLE IF NOT EXISTS merge_history (
    id VARCHAR(64) PRIMARY KEY,
    source VARCHAR(255) NOT NULL,
    target VARCHAR(255) NOT NULL,
    strategy VARCHAR(32) NOT NULL,
    merged INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    conflicted INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
)`

const consolidationHistoryDDL = `
CREATE TABLE IF NOT EXISTS consolidation_history (
    id VARCHAR(64) PRIMARY KEY,
    level VARCHAR(32) NOT NULL,
    source_branch VARCHAR(255) NOT NULL,
    target_branch VARCHAR(255),
    created_count INTEGER NOT NULL DEFAULT 0,
    updated_count INTEGER NOT NULL DEFAULT 0,
    deduplicated_count INTEGER NOT NULL DEFAULT 0,
    observations_processed INTEGER NOT NULL DEFAULT 0,
    summary_text TEXT,
    created_at TIMESTAMP NOT NULL
)`

const tasksDDL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    type VARCHAR(64),
    objectives TEXT,
    parent_branch VARCHAR(255) NOT NULL,
    branch VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL
)`

const sessionsDDL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(64) PRIMARY KEY,
    parent_session_id VARCHAR(64),
    branch VARCHAR(255) NOT NULL,
    task_id VARCHAR(64),
    agent_id VARCHAR(64),
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    summary TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
)`

const snapshotsDDL = `
CREATE TABLE IF NOT EXISTS snapshots (
    id VARCHAR(64) PRIMARY KEY,
    branch VARCHAR(255) NOT NULL,
    label VARCHAR(255),
    payload TEXT,
    native VARCHAR(255),
    created_at TIMESTAMP NOT NULL
)`

const scoresDDL = `
CREATE TABLE IF NOT EXISTS scores (
    id VARCHAR(64) PRIMARY KEY,
    target_type VARCHAR(64) NOT NULL,
    target_id VARCHAR(64) NOT NULL,
    dimension VARCHAR(64) NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    scorer VARCHAR(32) NOT NULL,
    explanation TEXT,
    created_at TIMESTAMP NOT NULL
)`

const templatesDDL = `
CREATE TABLE IF NOT EXISTS templates (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    source_branch VARCHAR(255) NOT NULL,
    snapshot_id VARCHAR(64) NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    task_types TEXT,
    tags TEXT,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
)`

const bundlesDDL = `
CREATE TABLE IF NOT EXISTS bundles (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    payload TEXT NOT NULL,
    verified_only INTEGER NOT NULL DEFAULT 0,
    fact_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
)`

const handoffsDDL = `
CREATE TABLE IF NOT EXISTS handoffs (
    id VARCHAR(64) PRIMARY KEY,
    source_branch VARCHAR(255) NOT NULL,
    target_branch VARCHAR(255) NOT NULL,
    type VARCHAR(64),
    fact_ids TEXT,
    conversation_ids TEXT,
    context_summary TEXT,
    verification_status VARCHAR(32),
    created_at TIMESTAMP NOT NULL
)`

const replaysDDL = `
CREATE TABLE IF NOT EXISTS replays (
    id VARCHAR(64) PRIMARY KEY,
    source_conversation_id VARCHAR(64) NOT NULL,
    replay_conversation_id VARCHAR(64) NOT NULL,
    fork_at INTEGER NOT NULL,
    parameters TEXT,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    final_message_ids TEXT,
    created_at TIMESTAMP NOT NULL
)`

// initSchema creates root branch tables and every branch-independent table.
func (s *SQL) initSchema(ctx context.Context) error {
	var stmts []string

	for _, entity := range model.BranchEntities {
		table := s.TableFor(entity, s.rootBranch)
		stmts = append(stmts, s.entityDDL(entity, table))
		stmts = append(stmts, entityIndexDDL(entity, table)...)
	}

	stmts = append(stmts,
		branchRegistryDDL, mergeHistoryDDL, consolidationHistoryDDL,
		tasksDDL, sessionsDDL, snapshotsDDL, scoresDDL, templatesDDL,
		bundlesDDL, handoffsDDL, replaysDDL,
	)

	for i, stmt := range stmts {
		stmts[i] = s.adaptDDL(stmt)
	}
	return s.ExecDDL(ctx, stmts...)
}

// CreateEntityTable creates one branch table (DDL, autocommit channel).
func (s *SQL) CreateEntityTable(ctx context.Context, entity, table string) error {
	stmts := []string{s.adaptDDL(s.entityDDL(entity, table))}
	for _, ix := range entityIndexDDL(entity, table) {
		stmts = append(stmts, s.adaptDDL(ix))
	}
	return s.ExecDDL(ctx, stmts...)
}

// adaptDDL patches dialect differences in the shared DDL strings.
func (s *SQL) adaptDDL(stmt string) string {
	if s.dialect == "mysql" {
		// MySQL before 8.0.29 rejects IF NOT EXISTS on indexes; tolerated
		// on the versions the drivers target. DOUBLE PRECISION is valid.
		return stmt
	}
	if s.dialect == "sqlite" {
		stmt = strings.ReplaceAll(stmt, "DOUBLE PRECISION", "REAL")
	}
	return stmt
}
