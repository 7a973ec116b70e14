// Package mcptool exposes the memory service as an MCP server over
// stdio, so agent runtimes can write and search memory as tools.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/search"
	"github.com/kadirpekel/memtree/pkg/service"
	"github.com/kadirpekel/memtree/pkg/write"
)

// Server wraps the service behind MCP tool handlers. Each connected
// session carries its own active branch, switched with branch_switch.
type Server struct {
	svc *service.Service
	mcp *server.MCPServer

	mu             sync.Mutex
	activeBranches map[string]string
}

// New builds the MCP server and registers the tool set.
func New(svc *service.Service, version string) *Server {
	s := &Server{
		svc:            svc,
		activeBranches: make(map[string]string),
	}
	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		s.endSession(session.SessionID())
	})
	s.mcp = server.NewMCPServer("memtree", version,
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
	)
	s.register()
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool("write_memory",
		mcp.WithDescription("Store a durable fact in memory on the active branch."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The fact text")),
		mcp.WithString("category", mcp.Description("Category such as bug_fix, architecture, security, performance, decision")),
		mcp.WithNumber("confidence", mcp.Description("Confidence in [0,1], default 0.7")),
	), s.handleWriteMemory)

	s.mcp.AddTool(mcp.NewTool("search_memory",
		mcp.WithDescription("Search memory on the active branch with hybrid keyword and semantic ranking."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithString("category", mcp.Description("Restrict to one category")),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 10")),
	), s.handleSearchMemory)

	s.mcp.AddTool(mcp.NewTool("branch_create",
		mcp.WithDescription("Fork a new memory branch from the active branch and switch to it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch name, slash scoped, e.g. task/fix-auth")),
		mcp.WithString("description", mcp.Description("What this branch explores")),
	), s.handleBranchCreate)

	s.mcp.AddTool(mcp.NewTool("branch_list",
		mcp.WithDescription("List memory branches with their status."),
	), s.handleBranchList)

	s.mcp.AddTool(mcp.NewTool("branch_switch",
		mcp.WithDescription("Switch the active branch for this session."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch to activate")),
	), s.handleBranchSwitch)

	s.mcp.AddTool(mcp.NewTool("snapshot_create",
		mcp.WithDescription("Capture the active branch's memory state as a snapshot."),
		mcp.WithString("label", mcp.Description("Optional snapshot label")),
	), s.handleSnapshotCreate)

	s.mcp.AddTool(mcp.NewTool("snapshot_list",
		mcp.WithDescription("List snapshots of the active branch, newest first."),
	), s.handleSnapshotList)

	s.mcp.AddTool(mcp.NewTool("snapshot_restore",
		mcp.WithDescription("Restore a snapshot, rewriting its branch to the captured state."),
		mcp.WithString("snapshot_id", mcp.Required(), mcp.Description("Snapshot to restore")),
	), s.handleSnapshotRestore)
}

// activeBranch resolves the session's branch, defaulting to the root.
func (s *Server) activeBranch(ctx context.Context) string {
	id := sessionID(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.activeBranches[id]; ok {
		return b
	}
	return s.svc.Store.RootBranch()
}

func (s *Server) setActiveBranch(ctx context.Context, name string) {
	id := sessionID(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeBranches[id] = name
}

// endSession forgets a disconnected session's branch selection.
func (s *Server) endSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeBranches, id)
}

func sessionID(ctx context.Context) string {
	if sess := server.ClientSessionFromContext(ctx); sess != nil {
		return sess.SessionID()
	}
	return "default"
}

func (s *Server) handleWriteMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	f, err := s.svc.Writes.WriteFact(ctx, write.FactRequest{
		Text:       text,
		Category:   req.GetString("category", ""),
		Confidence: req.GetFloat("confidence", 0.7),
		SourceType: "mcp",
		Branch:     s.activeBranch(ctx),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("stored fact %s on branch %s", f.ID, f.Branch)), nil
}

func (s *Server) handleSearchMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits, err := s.svc.Search.Facts(ctx, search.Query{
		Text:     query,
		Branch:   s.activeBranch(ctx),
		Category: req.GetString("category", ""),
		Limit:    req.GetInt("limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(hits) == 0 {
		return mcp.NewToolResultText("no matching memories"), nil
	}
	return jsonResult(hits)
}

func (s *Server) handleBranchCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b, err := s.svc.Branches.Create(ctx, name, branch.CreateOptions{
		Parent:      s.activeBranch(ctx),
		Description: req.GetString("description", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.setActiveBranch(ctx, b.Name)
	return mcp.NewToolResultText(fmt.Sprintf("created and switched to branch %s (parent %s)", b.Name, b.Parent)), nil
}

func (s *Server) handleBranchList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branches, err := s.svc.Branches.List(ctx, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	active := s.activeBranch(ctx)
	type entry struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Parent string `json:"parent,omitempty"`
		Active bool   `json:"active,omitempty"`
	}
	out := make([]entry, 0, len(branches))
	for _, b := range branches {
		out = append(out, entry{
			Name:   b.Name,
			Status: string(b.Status),
			Parent: b.Parent,
			Active: b.Name == active,
		})
	}
	return jsonResult(out)
}

func (s *Server) handleBranchSwitch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.svc.Branches.Get(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.setActiveBranch(ctx, name)
	return mcp.NewToolResultText("active branch is now " + name), nil
}

func (s *Server) handleSnapshotCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branchName := s.activeBranch(ctx)
	snap, err := s.svc.Snapshots.Create(ctx, branchName, req.GetString("label", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("snapshot %s of branch %s", snap.ID, branchName)), nil
}

func (s *Server) handleSnapshotList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snaps, err := s.svc.Snapshots.List(ctx, s.activeBranch(ctx), 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	type entry struct {
		ID        string    `json:"id"`
		Label     string    `json:"label,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]entry, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, entry{ID: snap.ID, Label: snap.Label, CreatedAt: snap.CreatedAt})
	}
	return jsonResult(out)
}

func (s *Server) handleSnapshotRestore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("snapshot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.svc.Snapshots.Restore(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("restored branch %s to snapshot %s", snap.Branch, snap.ID)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}
