// Package mcp exposes worktree and session operations as MCP tools so
// coding agents can manage their own worktrees.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/laraforge/laraforge/internal/models"
)

// Worktrees is the worktree manager surface the tools call.
type Worktrees interface {
	Sessions() ([]*models.WorktreeSession, error)
	ActiveSessions() ([]*models.WorktreeSession, error)
	CreateSession(ctx context.Context, featureID, agentID string) (*models.WorktreeSession, error)
	CompleteSession(ctx context.Context, id string) (*models.WorktreeSession, error)
	AbandonSession(ctx context.Context, id string) (*models.WorktreeSession, error)
	RefreshSession(ctx context.Context, id, target string) (*models.WorktreeSession, error)
	MergeSession(ctx context.Context, id, target string) (*models.MergeResult, error)
}

// ConflictDetector reports another process working on the same branch.
type ConflictDetector interface {
	DetectConflict(ctx context.Context) (*models.SessionConflict, error)
}

// Server wraps the worktree and session managers as MCP tools.
type Server struct {
	worktrees Worktrees
	sessions  ConflictDetector
	version   string
}

// NewServer creates the MCP server wrapper.
func NewServer(w Worktrees, d ConflictDetector, version string) *Server {
	return &Server{worktrees: w, sessions: d, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("laraforge", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listWorktreesTool())
	srv.AddTool(s.createWorktreeTool())
	srv.AddTool(s.completeWorktreeTool())
	srv.AddTool(s.abandonWorktreeTool())
	srv.AddTool(s.refreshWorktreeTool())
	srv.AddTool(s.mergeWorktreeTool())
	srv.AddTool(s.checkConflictTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// laraforge_worktree_list
func (s *Server) listWorktreesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("laraforge_worktree_list",
		mcp.WithDescription("List worktree sessions as a JSON array. By default only active and paused sessions are returned."),
		mcp.WithBoolean("all", mcp.Description("Include completed, merged and abandoned sessions")),
	)
	return tool, s.handleListWorktrees
}

func (s *Server) handleListWorktrees(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		list []*models.WorktreeSession
		err  error
	)
	if request.GetBool("all", false) {
		list, err = s.worktrees.Sessions()
	} else {
		list, err = s.worktrees.ActiveSessions()
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list worktrees: %v", err)), nil
	}

	out := make([]models.WorktreeSessionRecord, 0, len(list))
	for _, ws := range list {
		out = append(out, ws.ToRecord())
	}
	return jsonResult(out)
}

// laraforge_worktree_create
func (s *Server) createWorktreeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("laraforge_worktree_create",
		mcp.WithDescription("Create an isolated git worktree and branch feature/<feature>-<agent> for an agent. Returns the new session including its path."),
		mcp.WithString("feature", mcp.Required(), mcp.Description("Feature identifier")),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Agent identifier")),
	)
	return tool, s.handleCreateWorktree
}

func (s *Server) handleCreateWorktree(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	feature, err := request.RequireString("feature")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: feature"), nil
	}
	agent, err := request.RequireString("agent")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent"), nil
	}

	ws, err := s.worktrees.CreateSession(ctx, feature, agent)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(ws.ToRecord())
}

// laraforge_worktree_complete
func (s *Server) completeWorktreeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("laraforge_worktree_complete",
		mcp.WithDescription("Mark a worktree session completed so it can be merged."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Worktree session ID")),
	)
	return tool, s.statusHandler(s.worktrees.CompleteSession)
}

// laraforge_worktree_abandon
func (s *Server) abandonWorktreeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("laraforge_worktree_abandon",
		mcp.WithDescription("Abandon a worktree session. The worktree stays on disk until cleanup."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Worktree session ID")),
	)
	return tool, s.statusHandler(s.worktrees.AbandonSession)
}

func (s *Server) statusHandler(fn func(context.Context, string) (*models.WorktreeSession, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError("missing required parameter: session_id"), nil
		}
		ws, err := fn(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]string{"session_id": ws.ID, "status": string(ws.Status)})
	}
}

// laraforge_worktree_refresh
func (s *Server) refreshWorktreeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("laraforge_worktree_refresh",
		mcp.WithDescription("Import commits and modified files from git into a worktree session and return it."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Worktree session ID")),
		mcp.WithString("target", mcp.Description("Branch to compare against (default: the session's base branch)")),
	)
	return tool, s.handleRefreshWorktree
}

func (s *Server) handleRefreshWorktree(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	ws, err := s.worktrees.RefreshSession(ctx, id, request.GetString("target", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(ws.ToRecord())
}

// laraforge_worktree_merge
func (s *Server) mergeWorktreeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("laraforge_worktree_merge",
		mcp.WithDescription("Merge a worktree session's branch into the target branch with --no-ff. On conflict the merge is aborted and the conflicting files are listed."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Worktree session ID")),
		mcp.WithString("target", mcp.Description("Target branch (default: the session's base branch)")),
	)
	return tool, s.handleMergeWorktree
}

func (s *Server) handleMergeWorktree(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	res, err := s.worktrees.MergeSession(ctx, id, request.GetString("target", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	if !res.Success {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// laraforge_session_conflicts
func (s *Server) checkConflictTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("laraforge_session_conflicts",
		mcp.WithDescription("Check whether another laraforge process is working on the current branch. Returns {\"conflict\": null} when it is safe to continue."),
	)
	return tool, s.handleCheckConflict
}

func (s *Server) handleCheckConflict(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.sessions == nil {
		return mcp.NewToolResultError("session tracking is not available"), nil
	}
	c, err := s.sessions.DetectConflict(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to check conflicts: %v", err)), nil
	}
	return jsonResult(map[string]any{"conflict": c})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
