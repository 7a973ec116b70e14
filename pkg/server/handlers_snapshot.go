package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/memtree/pkg/consolidate"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/verify"
)

type snapshotCreateRequest struct {
	Branch string `json:"branch,omitempty"`
	Label  string `json:"label,omitempty"`
}

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	var req snapshotCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Branch == "" {
		req.Branch = s.svc.Store.RootBranch()
	}
	snap, err := s.svc.Snapshots.Create(r.Context(), req.Branch, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("snapshot.created", snap.Branch, snap.ID)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branch := q.Get("branch")
	if branch == "" {
		branch = s.svc.Store.RootBranch()
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	snaps, err := s.svc.Snapshots.List(r.Context(), branch, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.svc.Snapshots.Restore(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("snapshot.restored", snap.Branch, snap.ID)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTimeTravel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branch := q.Get("branch")
	if branch == "" {
		branch = s.svc.Store.RootBranch()
	}
	at, err := time.Parse(time.RFC3339, q.Get("at"))
	if err != nil {
		writeError(w, memerr.Wrap(memerr.KindInvalidArgument, "server.time_travel", err))
		return
	}
	facts, err := s.svc.Snapshots.FactsAsOf(r.Context(), branch, at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": branch, "at": at, "facts": facts})
}

type consolidateRequest struct {
	Level        string `json:"level"`
	Branch       string `json:"branch,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	TargetBranch string `json:"target_branch,omitempty"`
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Branch == "" {
		req.Branch = s.svc.Store.RootBranch()
	}
	rec, err := s.svc.Consolidator.Run(r.Context(), model.ConsolidationLevel(req.Level), consolidate.Scope{
		Branch:       req.Branch,
		SessionID:    req.SessionID,
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		TargetBranch: req.TargetBranch,
	})
	s.svc.Metrics.RecordConsolidation(r.Context(), req.Level, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("consolidation.completed", req.Branch, rec.ID)
	writeJSON(w, http.StatusOK, rec)
}

type verifyRequest struct {
	Branch string `json:"branch,omitempty"`
	FactID string `json:"fact_id,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Branch == "" {
		req.Branch = s.svc.Store.RootBranch()
	}
	if req.FactID != "" {
		v, err := s.svc.Verifier.VerifyFact(r.Context(), req.Branch, req.FactID)
		s.recordVerdict(r, v, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
		return
	}
	verdicts, err := s.svc.Verifier.VerifyBranch(r.Context(), req.Branch)
	for _, v := range verdicts {
		s.recordVerdict(r, v, nil)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": verdicts})
}

func (s *Server) recordVerdict(r *http.Request, v *verify.Verdict, err error) {
	verdict := "error"
	if v != nil {
		verdict = string(v.Status)
	}
	s.svc.Metrics.RecordVerification(r.Context(), verdict, err)
}
