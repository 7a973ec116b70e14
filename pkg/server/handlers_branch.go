package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/merge"
	"github.com/kadirpekel/memtree/pkg/model"
)

type branchCreateRequest struct {
	Name        string         `json:"name"`
	Parent      string         `json:"parent,omitempty"`
	Entities    []string       `json:"entities,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleBranchCreate(w http.ResponseWriter, r *http.Request) {
	var req branchCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.svc.Branches.Create(r.Context(), req.Name, branch.CreateOptions{
		Parent:      req.Parent,
		Entities:    req.Entities,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("branch.created", b.Name, "")
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleBranchList(w http.ResponseWriter, r *http.Request) {
	var statuses []model.BranchStatus
	if v := r.URL.Query().Get("status"); v != "" {
		statuses = append(statuses, model.BranchStatus(v))
	}
	branches, err := s.svc.Branches.List(r.Context(), statuses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *Server) handleBranchGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	b, err := s.svc.Branches.Get(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBranchArchive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if err := s.svc.Branches.Archive(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("branch.archived", name, "")
	writeJSON(w, http.StatusOK, map[string]string{"branch": name, "status": string(model.BranchArchived)})
}

func (s *Server) handleBranchDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source, target := q.Get("source"), q.Get("target")
	if source == "" || target == "" {
		writeError(w, memerr.New(memerr.KindInvalidArgument, "server.branch_diff", "source and target are required"))
		return
	}
	if q.Get("counts") == "true" {
		counts, err := s.svc.Branches.DiffCount(r.Context(), source, target)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": source, "target": target, "counts": counts})
		return
	}
	diffs, err := s.svc.Branches.Diff(r.Context(), source, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "target": target, "entities": diffs})
}

type mergeRequest struct {
	Source          string   `json:"source"`
	Target          string   `json:"target"`
	Strategy        string   `json:"strategy"`
	Policy          string   `json:"policy,omitempty"`
	FactIDs         []string `json:"fact_ids,omitempty"`
	ConversationIDs []string `json:"conversation_ids,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	res, err := s.svc.Merges.Merge(r.Context(), merge.Request{
		Source:          req.Source,
		Target:          req.Target,
		Strategy:        model.MergeStrategy(req.Strategy),
		Policy:          model.ConflictPolicy(req.Policy),
		FactIDs:         req.FactIDs,
		ConversationIDs: req.ConversationIDs,
	})
	s.svc.Metrics.RecordMerge(r.Context(), req.Strategy, time.Since(start), err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish("merge.completed", req.Target, res.Record.ID)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMergeGate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		writeError(w, memerr.New(memerr.KindInvalidArgument, "server.merge_gate", "source is required"))
		return
	}
	requireVerified, _ := strconv.ParseBool(q.Get("require_verified"))
	ok, counts, err := s.svc.Verifier.CanMerge(r.Context(), source, requireVerified)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"can_merge": ok, "counts": counts})
}
