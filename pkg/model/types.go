// Package model defines the entities stored by the memory layer.
//
// Five entities participate in branching: Fact, Relation, Observation,
// Conversation and Message. Each branch materializes one physical table per
// participating entity; everything else lives in single branch-independent
// tables and carries explicit branch/task/session attributes instead.
package model

import (
	"time"
)

// Branch-participating entity names, in dependency order.
const (
	EntityFacts         = "facts"
	EntityRelations     = "relations"
	EntityObservations  = "observations"
	EntityConversations = "conversations"
	EntityMessages      = "messages"
)

// BranchEntities lists the branch-participating entity tables.
// Order matters for restore: conversations before messages.
var BranchEntities = []string{
	EntityFacts,
	EntityRelations,
	EntityObservations,
	EntityConversations,
	EntityMessages,
}

// FactStatus is the lifecycle state of a fact.
type FactStatus string

const (
	FactActive     FactStatus = "active"
	FactSuperseded FactStatus = "superseded"
	FactArchived   FactStatus = "archived"
)

// Fact categories that make a high-confidence fact durable during task
// consolidation.
var DurableCategories = map[string]bool{
	"bug_fix":      true,
	"architecture": true,
	"pattern":      true,
	"decision":     true,
	"security":     true,
	"performance":  true,
}

// DurableConfidence is the minimum confidence for task-level promotion.
const DurableConfidence = 0.8

// Fact is a unit of distilled knowledge. Supersede chains form a DAG via
// ParentID; rows are never linked in memory, only by id.
type Fact struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Category   string         `json:"category,omitempty"`
	Confidence float64        `json:"confidence"`
	Status     FactStatus     `json:"status"`
	ParentID   string         `json:"parent_id,omitempty"`
	SourceType string         `json:"source_type,omitempty"`
	SourceID   string         `json:"source_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Branch     string         `json:"branch"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Relation links two entities with a typed, temporally bounded edge.
// Relations are created and expired, never mutated.
type Relation struct {
	ID           string         `json:"id"`
	SourceEntity string         `json:"source_entity"`
	TargetEntity string         `json:"target_entity"`
	Type         string         `json:"type"`
	Properties   map[string]any `json:"properties,omitempty"`
	Confidence   float64        `json:"confidence"`
	Branch       string         `json:"branch"`
	ValidFrom    time.Time      `json:"valid_from"`
	ValidTo      *time.Time     `json:"valid_to,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ObservationType classifies a sensory record.
type ObservationType string

const (
	ObsToolUse   ObservationType = "tool_use"
	ObsDiscovery ObservationType = "discovery"
	ObsDecision  ObservationType = "decision"
	ObsError     ObservationType = "error"
	ObsInsight   ObservationType = "insight"
)

// ObservationOutcome is the result of the observed action.
type ObservationOutcome string

const (
	OutcomeSuccess ObservationOutcome = "success"
	OutcomeError   ObservationOutcome = "error"
	OutcomeTimeout ObservationOutcome = "timeout"
)

// RawTruncateLimit bounds stored raw tool inputs and outputs.
const RawTruncateLimit = 2000

// Observation is an append-only sensory record captured from agent activity.
type Observation struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Type      ObservationType    `json:"type"`
	ToolName  string             `json:"tool_name,omitempty"`
	Summary   string             `json:"summary"`
	RawInput  string             `json:"raw_input,omitempty"`
	RawOutput string             `json:"raw_output,omitempty"`
	Outcome   ObservationOutcome `json:"outcome,omitempty"`
	Branch    string             `json:"branch"`
	TaskID    string             `json:"task_id,omitempty"`
	AgentID   string             `json:"agent_id,omitempty"`
	Embedding []float32          `json:"embedding,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationArchived  ConversationStatus = "archived"
)

// Conversation is an episodic container of messages. Forks record their
// origin via ParentConversationID and ForkPointMessageID.
type Conversation struct {
	ID                   string             `json:"id"`
	SessionID            string             `json:"session_id,omitempty"`
	AgentID              string             `json:"agent_id,omitempty"`
	TaskID               string             `json:"task_id,omitempty"`
	Branch               string             `json:"branch"`
	Title                string             `json:"title,omitempty"`
	Status               ConversationStatus `json:"status"`
	Model                string             `json:"model,omitempty"`
	MessageCount         int                `json:"message_count"`
	TotalTokens          int                `json:"total_tokens"`
	ParentConversationID string             `json:"parent_conversation_id,omitempty"`
	ForkPointMessageID   string             `json:"fork_point_message_id,omitempty"`
	Metadata             map[string]any     `json:"metadata,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
}

// MessageRole is the author role of a message.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleSystem     MessageRole = "system"
	RoleToolCall   MessageRole = "tool_call"
	RoleToolResult MessageRole = "tool_result"
)

// ToolCall is one tool invocation recorded on a message.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Message is an append-only entry in a conversation. SequenceNum is strictly
// increasing per conversation, starting at 1.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           MessageRole    `json:"role"`
	Content        string         `json:"content"`
	Thinking       string         `json:"thinking,omitempty"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	Model          string         `json:"model,omitempty"`
	SequenceNum    int            `json:"sequence_num"`
	TokenCount     int            `json:"token_count"`
	SessionID      string         `json:"session_id,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	Branch         string         `json:"branch"`
	Embedding      []float32      `json:"embedding,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// BranchStatus is the lifecycle state of a branch registry entry.
// Transitions only move forward: active -> merged -> archived.
type BranchStatus string

const (
	BranchActive   BranchStatus = "active"
	BranchMerged   BranchStatus = "merged"
	BranchArchived BranchStatus = "archived"
)

// Branch is a registry entry owning the physical tables of one branch.
type Branch struct {
	Name        string         `json:"name"`
	Parent      string         `json:"parent,omitempty"`
	Status      BranchStatus   `json:"status"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MergeStrategy selects the merge algorithm.
type MergeStrategy string

const (
	MergeNative     MergeStrategy = "native"
	MergeAuto       MergeStrategy = "auto"
	MergeCherryPick MergeStrategy = "cherry_pick"
	MergeSquash     MergeStrategy = "squash"
)

// ConflictPolicy resolves row conflicts during a native merge.
type ConflictPolicy string

const (
	ConflictSkip   ConflictPolicy = "skip"
	ConflictAccept ConflictPolicy = "accept"
)

// MergeRecord is an immutable audit row for one merge operation.
type MergeRecord struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Target     string        `json:"target"`
	Strategy   MergeStrategy `json:"strategy"`
	Merged     int           `json:"merged"`
	Skipped    int           `json:"skipped"`
	Conflicted int           `json:"conflicted"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ObjectiveStatus is the state of one task objective.
type ObjectiveStatus string

const (
	ObjectiveTodo    ObjectiveStatus = "todo"
	ObjectiveActive  ObjectiveStatus = "active"
	ObjectiveDone    ObjectiveStatus = "done"
	ObjectiveBlocked ObjectiveStatus = "blocked"
)

// Objective is one unit of work inside a task.
type Objective struct {
	Description string          `json:"description"`
	Status      ObjectiveStatus `json:"status"`
	AgentID     string          `json:"agent_id,omitempty"`
}

// Task coordinates multi-agent work rooted at a task branch.
type Task struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Type         string      `json:"type,omitempty"`
	Objectives   []Objective `json:"objectives,omitempty"`
	ParentBranch string      `json:"parent_branch"`
	Branch       string      `json:"branch"`
	Status       string      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Session tracks one agent session against a branch.
type Session struct {
	ID              string     `json:"id"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	Branch          string     `json:"branch"`
	TaskID          string     `json:"task_id,omitempty"`
	AgentID         string     `json:"agent_id,omitempty"`
	Status          string     `json:"status"`
	Summary         string     `json:"summary,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Snapshot is an immutable point-in-time capture of a branch.
// Payload holds either serialized branch state or a storage-native
// snapshot identifier.
type Snapshot struct {
	ID        string    `json:"id"`
	Branch    string    `json:"branch"`
	Label     string    `json:"label,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Native    string    `json:"native,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Scorer identifies who produced a score.
type Scorer string

const (
	ScorerLLMJudge     Scorer = "llm_judge"
	ScorerHeuristic    Scorer = "heuristic"
	ScorerHuman        Scorer = "human"
	ScorerVerification Scorer = "verification"
)

// Score is an immutable quality measurement of a target entity.
type Score struct {
	ID          string    `json:"id"`
	TargetType  string    `json:"target_type"`
	TargetID    string    `json:"target_id"`
	Dimension   string    `json:"dimension"`
	Value       float64   `json:"value"`
	Scorer      Scorer    `json:"scorer"`
	Explanation string    `json:"explanation,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// VerificationStatus is the verdict stored in fact metadata.
type VerificationStatus string

const (
	Verified    VerificationStatus = "verified"
	Unverified  VerificationStatus = "unverified"
	Invalidated VerificationStatus = "invalidated"
)

// TemplateStatus is the lifecycle state of a template.
type TemplateStatus string

const (
	TemplateActive     TemplateStatus = "active"
	TemplateDeprecated TemplateStatus = "deprecated"
)

// Template is a versioned, reusable snapshot of a branch applicable to
// future tasks. Updates bump Version.
type Template struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	SourceBranch string         `json:"source_branch"`
	SnapshotID   string         `json:"snapshot_id"`
	Version      int            `json:"version"`
	TaskTypes    []string       `json:"task_types,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Status       TemplateStatus `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

/// Bundle is an immutable export of knowledge: facts, conversations and
// relations serialized together for transfer between deployments.
type Bundle struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Payload      string    `json:"payload"`
	VerifiedOnly bool      `json:"verified_only"`
	FactCount    int       `json:"fact_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// BundlePayload is the serialized body of a bundle.
type BundlePayload struct {
	Facts         []Fact         `json:"facts"`
	Conversations []Conversation `json:"conversations,omitempty"`
	Messages      []Message      `json:"messages,omitempty"`
	Relations     []Relation     `json:"relations,omitempty"`
}

// Handoff transfers a curated subset of knowledge from one branch to
// another, typically between agents.
type Handoff struct {
	ID                 string             `json:"id"`
	SourceBranch       string             `json:"source_branch"`
	TargetBranch       string             `json:"target_branch"`
	Type               string             `json:"type,omitempty"`
	FactIDs            []string           `json:"fact_ids,omitempty"`
	ConversationIDs    []string           `json:"conversation_ids,omitempty"`
	ContextSummary     string             `json:"context_summary,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// ConsolidationLevel selects the distillation stage.
type ConsolidationLevel string

const (
	LevelSession ConsolidationLevel = "session"
	LevelAgent   ConsolidationLevel = "agent"
	LevelTask    ConsolidationLevel = "task"
)

// ConsolidationRecord is the audit row appended by every consolidation run,
// including runs over empty inputs.
type ConsolidationRecord struct {
	ID                    string             `json:"id"`
	Level                 ConsolidationLevel `json:"level"`
	SourceBranch          string             `json:"source_branch"`
	TargetBranch          string             `json:"target_branch,omitempty"`
	Created               int                `json:"created_count"`
	Updated               int                `json:"updated_count"`
	Deduplicated          int                `json:"deduplicated_count"`
	ObservationsProcessed int                `json:"observations_processed"`
	Summary               string             `json:"summary_text,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
}

// Replay captures a conversation forked for re-execution with alternative
// parameters.
type Replay struct {
	ID                   string         `json:"id"`
	SourceConversationID string         `json:"source_conversation_id"`
	ReplayConversationID string         `json:"replay_conversation_id"`
	ForkAt               int            `json:"fork_at"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Status               string         `json:"status"`
	FinalMessageIDs      []string       `json:"final_message_ids,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}
