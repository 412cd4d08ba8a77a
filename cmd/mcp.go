package cmd

import (
	"github.com/spf13/cobra"

	"github.com/laraforge/laraforge/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for coding agents",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents can then create, inspect and merge their own worktrees and check
for branch conflicts. Configure the agent with:

  {
    "mcpServers": {
      "laraforge": { "command": "laraforge", "args": ["mcp"] }
    }
  }

Available tools: laraforge_worktree_list, laraforge_worktree_create,
laraforge_worktree_complete, laraforge_worktree_abandon,
laraforge_worktree_refresh, laraforge_worktree_merge,
laraforge_session_conflicts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := repoDeps(cmd.Context())
		if err != nil {
			return err
		}
		// The agent that spawned this server owns the session.
		detector := d.sessionManager(ownerIdentity())
		d.log.Info("mcp server starting", "version", buildVersion, "repo", d.worktrees.RepoDir())
		return mcp.NewServer(d.worktrees, detector, buildVersion).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
