package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/memtree/pkg/conversation"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
)

type conversationCreateRequest struct {
	Branch    string         `json:"branch,omitempty"`
	Title     string         `json:"title,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req conversationCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.svc.Conversations.Create(r.Context(), req.Branch, &model.Conversation{
		Title:     req.Title,
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Model:     req.Model,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	branch := r.URL.Query().Get("branch")
	if branch == "" {
		branch = s.svc.Store.RootBranch()
	}
	c, err := s.svc.Store.GetConversation(r.Context(), branch, id)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.svc.Store.ListMessages(r.Context(), branch, id, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": c, "messages": msgs})
}

type conversationForkRequest struct {
	Branch string `json:"branch,omitempty"`
	AtSeq  int    `json:"at_seq"`
}

func (s *Server) handleConversationFork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req conversationForkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	fork, err := s.svc.Conversations.Fork(r.Context(), req.Branch, id, req.AtSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("conversation.forked", fork.Branch, fork.ID)
	writeJSON(w, http.StatusCreated, fork)
}

type cherryPickRequest struct {
	SourceBranch string `json:"source_branch,omitempty"`
	TargetBranch string `json:"target_branch"`
	FromSeq      int    `json:"from_seq"`
	ToSeq        int    `json:"to_seq"`
}

func (s *Server) handleConversationCherryPick(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cherryPickRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	copied, err := s.svc.Conversations.CherryPick(r.Context(), req.SourceBranch, id, req.TargetBranch,
		conversation.CherryPickRange{FromSeq: req.FromSeq, ToSeq: req.ToSeq})
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("conversation.cherry_picked", copied.Branch, copied.ID)
	writeJSON(w, http.StatusCreated, copied)
}

type replayCreateRequest struct {
	Branch     string         `json:"branch,omitempty"`
	ForkAt     int            `json:"fork_at"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) handleReplayCreate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req replayCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rep, err := s.svc.Conversations.CreateReplay(r.Context(), req.Branch, id, req.ForkAt, req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("replay.created", req.Branch, rep.ID)
	writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) handleReplayGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	branch := r.URL.Query().Get("branch")
	rep, msgs, err := s.svc.Conversations.ReplayContext(r.Context(), branch, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replay": rep, "context": msgs})
}

type replayCompleteRequest struct {
	MessageIDs []string `json:"message_ids,omitempty"`
}

func (s *Server) handleReplayComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req replayCompleteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Conversations.CompleteReplay(r.Context(), id, req.MessageIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"replay": id, "status": "completed"})
}

func (s *Server) handleConversationDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, b := q.Get("a"), q.Get("b")
	if a == "" || b == "" {
		writeError(w, memerr.New(memerr.KindInvalidArgument, "server.conversation_diff", "a and b are required"))
		return
	}
	res, err := s.svc.Conversations.SemanticDiff(r.Context(), q.Get("branch"), a, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
