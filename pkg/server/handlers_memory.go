package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/search"
	"github.com/kadirpekel/memtree/pkg/write"
)

type searchRequest struct {
	Text          string   `json:"text"`
	Branch        string   `json:"branch,omitempty"`
	Branches      []string `json:"branches,omitempty"`
	Category      string   `json:"category,omitempty"`
	Mode          string   `json:"mode,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	WindowSeconds int      `json:"window_seconds,omitempty"`
}

func (req searchRequest) query() search.Query {
	return search.Query{
		Text:       req.Text,
		Branch:     req.Branch,
		Category:   req.Category,
		Mode:       search.Mode(req.Mode),
		Limit:      req.Limit,
		TimeWindow: time.Duration(req.WindowSeconds) * time.Second,
	}
}

func (s *Server) handleSearchFacts(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	hits, err := s.svc.Search.Facts(r.Context(), req.query())
	s.svc.Metrics.RecordSearch(r.Context(), req.Mode, time.Since(start), err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (s *Server) handleSearchCross(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	grouped, merged, err := s.svc.Search.CrossBranch(r.Context(), req.query(), req.Branches)
	s.svc.Metrics.RecordSearch(r.Context(), req.Mode, time.Since(start), err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": grouped, "merged": merged})
}

func (s *Server) handleSearchObservations(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	hits, err := s.svc.Search.Observations(r.Context(), req.query())
	s.svc.Metrics.RecordSearch(r.Context(), req.Mode, time.Since(start), err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

type factRequest struct {
	Text       string         `json:"text"`
	Category   string         `json:"category,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	SourceType string         `json:"source_type,omitempty"`
	SourceID   string         `json:"source_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (req factRequest) toEngine() write.FactRequest {
	return write.FactRequest{
		Text:       req.Text,
		Category:   req.Category,
		Confidence: req.Confidence,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
		AgentID:    req.AgentID,
		Branch:     req.Branch,
		Metadata:   req.Metadata,
	}
}

func (s *Server) handleWriteFact(w http.ResponseWriter, r *http.Request) {
	var req factRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	f, err := s.svc.Writes.WriteFact(r.Context(), req.toEngine())
	s.svc.Metrics.RecordWrite(r.Context(), "facts", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("fact.created", f.Branch, f.ID)
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetFact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	branch := r.URL.Query().Get("branch")
	if branch == "" {
		branch = s.svc.Store.RootBranch()
	}
	f, err := s.svc.Store.GetFact(r.Context(), branch, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleSupersedeFact(w http.ResponseWriter, r *http.Request) {
	oldID := chi.URLParam(r, "id")
	var req factRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	f, err := s.svc.Writes.SupersedeFact(r.Context(), req.Branch, oldID, req.toEngine())
	s.svc.Metrics.RecordWrite(r.Context(), "facts", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("fact.superseded", f.Branch, f.ID)
	writeJSON(w, http.StatusCreated, f)
}

type observationRequest struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	ToolName  string `json:"tool_name,omitempty"`
	Summary   string `json:"summary"`
	RawInput  string `json:"raw_input,omitempty"`
	RawOutput string `json:"raw_output,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

func (s *Server) handleWriteObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.svc.Writes.WriteObservation(r.Context(), write.ObservationRequest{
		SessionID: req.SessionID,
		Type:      model.ObservationType(req.Type),
		ToolName:  req.ToolName,
		Summary:   req.Summary,
		RawInput:  req.RawInput,
		RawOutput: req.RawOutput,
		Outcome:   model.ObservationOutcome(req.Outcome),
		TaskID:    req.TaskID,
		AgentID:   req.AgentID,
		Branch:    req.Branch,
	})
	s.svc.Metrics.RecordWrite(r.Context(), "observations", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type messageRequest struct {
	ConversationID string           `json:"conversation_id"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	Thinking       string           `json:"thinking,omitempty"`
	ToolCalls      []model.ToolCall `json:"tool_calls,omitempty"`
	Model          string           `json:"model,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	AgentID        string           `json:"agent_id,omitempty"`
	Branch         string           `json:"branch,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

func (s *Server) handleWriteMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.svc.Writes.WriteMessage(r.Context(), write.MessageRequest{
		ConversationID: req.ConversationID,
		Role:           model.MessageRole(req.Role),
		Content:        req.Content,
		Thinking:       req.Thinking,
		ToolCalls:      req.ToolCalls,
		Model:          req.Model,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
		Branch:         req.Branch,
		Metadata:       req.Metadata,
	})
	s.svc.Metrics.RecordWrite(r.Context(), "messages", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type relationRequest struct {
	SourceEntity string         `json:"source_entity"`
	TargetEntity string         `json:"target_entity"`
	Type         string         `json:"type"`
	Properties   map[string]any `json:"properties,omitempty"`
	Confidence   float64        `json:"confidence,omitempty"`
	Branch       string         `json:"branch,omitempty"`
	ValidFrom    *time.Time     `json:"valid_from,omitempty"`
}

func (s *Server) handleWriteRelation(w http.ResponseWriter, r *http.Request) {
	var req relationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	er := write.RelationRequest{
		SourceEntity: req.SourceEntity,
		TargetEntity: req.TargetEntity,
		Type:         req.Type,
		Properties:   req.Properties,
		Confidence:   req.Confidence,
		Branch:       req.Branch,
	}
	if req.ValidFrom != nil {
		er.ValidFrom = *req.ValidFrom
	}
	rel, err := s.svc.Writes.WriteRelation(r.Context(), er)
	s.svc.Metrics.RecordWrite(r.Context(), "relations", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

type backfillRequest struct {
	Branch string `json:"branch,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.svc.Embedder == nil {
		writeError(w, memerr.New(memerr.KindPreconditionFailed, "server.backfill", "no embedding provider configured"))
		return
	}
	n, err := s.svc.Writes.Backfill(r.Context(), req.Branch, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"backfilled": n})
}
