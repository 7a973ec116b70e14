package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/task"
)

type taskCreateRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Type         string   `json:"type,omitempty"`
	Objectives   []string `json:"objectives,omitempty"`
	ParentBranch string   `json:"parent_branch,omitempty"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.svc.Tasks.Create(r.Context(), task.CreateRequest{
		Name:         req.Name,
		Description:  req.Description,
		Type:         req.Type,
		Objectives:   req.Objectives,
		ParentBranch: req.ParentBranch,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("task.created", t.Branch, t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type assignAgentRequest struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role,omitempty"`
}

func (s *Server) handleTaskAssignAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignAgentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.svc.Tasks.AssignAgent(r.Context(), id, req.AgentID, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("task.agent_assigned", b.Name, id)
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleTaskCompleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agentID := chi.URLParam(r, "agent")
	rec, err := s.svc.Tasks.CompleteAgent(r.Context(), id, agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type taskCompleteRequest struct {
	Merge           bool   `json:"merge,omitempty"`
	RequireVerified bool   `json:"require_verified,omitempty"`
	Strategy        string `json:"strategy,omitempty"`
	Policy          string `json:"policy,omitempty"`
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req taskCompleteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.Tasks.Complete(r.Context(), id, task.CompleteOptions{
		Merge:           req.Merge,
		RequireVerified: req.RequireVerified,
		Strategy:        model.MergeStrategy(req.Strategy),
		Policy:          model.ConflictPolicy(req.Policy),
	})
	if err != nil {
		// The merge gate returns a partial result alongside the error so
		// callers can see the counts that blocked it.
		if res != nil {
			writeJSON(w, http.StatusPreconditionFailed, res)
			return
		}
		writeError(w, err)
		return
	}
	s.events.Publish("task.completed", "", id)
	writeJSON(w, http.StatusOK, res)
}
