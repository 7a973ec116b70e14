package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type sessionStartRequest struct {
	Branch          string `json:"branch,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.svc.StartSession(r.Context(), req.Branch, req.TaskID, req.AgentID, req.ParentSessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type sessionEndRequest struct {
	Summary string `json:"summary,omitempty"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sessionEndRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.svc.EndSession(r.Context(), id, req.Summary)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("session.ended", "", id)
	writeJSON(w, http.StatusOK, rec)
}

type templateCreateRequest struct {
	Name         string   `json:"name"`
	SourceBranch string   `json:"source_branch,omitempty"`
	TaskTypes    []string `json:"task_types,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

func (s *Server) handleTemplateCreate(w http.ResponseWriter, r *http.Request) {
	var req templateCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SourceBranch == "" {
		req.SourceBranch = s.svc.Store.RootBranch()
	}
	t, err := s.svc.CreateTemplate(r.Context(), req.Name, req.SourceBranch, req.TaskTypes, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Store.GetTemplate(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type templateApplyRequest struct {
	Branch string `json:"branch"`
}

func (s *Server) handleTemplateApply(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req templateApplyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.svc.ApplyTemplate(r.Context(), name, req.Branch)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("template.applied", b.Name, name)
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleTemplateDeprecate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.Store.DeprecateTemplate(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"template": name, "status": "deprecated"})
}

type bundleCreateRequest struct {
	Name         string `json:"name"`
	Branch       string `json:"branch,omitempty"`
	VerifiedOnly bool   `json:"verified_only,omitempty"`
}

func (s *Server) handleBundleCreate(w http.ResponseWriter, r *http.Request) {
	var req bundleCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Branch == "" {
		req.Branch = s.svc.Store.RootBranch()
	}
	b, err := s.svc.CreateBundle(r.Context(), req.Name, req.Branch, req.VerifiedOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleBundleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Store.GetBundle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type bundleImportRequest struct {
	Branch string `json:"branch"`
}

func (s *Server) handleBundleImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req bundleImportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.svc.ImportBundle(r.Context(), id, req.Branch)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("bundle.imported", req.Branch, id)
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

type handoffCreateRequest struct {
	SourceBranch    string   `json:"source_branch"`
	TargetBranch    string   `json:"target_branch"`
	Type            string   `json:"type,omitempty"`
	FactIDs         []string `json:"fact_ids,omitempty"`
	ConversationIDs []string `json:"conversation_ids,omitempty"`
	ContextSummary  string   `json:"context_summary,omitempty"`
}

func (s *Server) handleHandoffCreate(w http.ResponseWriter, r *http.Request) {
	var req handoffCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.svc.CreateHandoff(r.Context(), req.SourceBranch, req.TargetBranch, req.Type,
		req.FactIDs, req.ConversationIDs, req.ContextSummary)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("handoff.created", req.TargetBranch, h.ID)
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleHandoffGet(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.GetHandoff(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.BranchAnalytics(r.Context(), r.URL.Query().Get("branch"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
