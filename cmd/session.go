package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/laraforge/laraforge/internal/models"
	"github.com/laraforge/laraforge/internal/output"
	"github.com/laraforge/laraforge/internal/session"
)

var (
	sessType   string
	sessName   string
	sessAlways bool
)

// errConflict makes `session conflicts` exit non-zero.
var errConflict = errors.New("another session is working on this branch")

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sess"},
	Short:   "Track which process works on which branch",
	Long: `Register laraforge processes in .laraforge/sessions.yaml and detect when
two of them are about to work on the same branch.

Sessions belong to the parent process (the agent or shell running
laraforge) unless --owner-pid is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStatusRun(cmd.Context())
	},
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Register this process on the current branch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStartRun(cmd.Context(), sessType, sessName)
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this process's session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStatusRun(cmd.Context())
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all recorded sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Check whether another process works on the current branch (exit 1 if so)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionConflictsRun(cmd.Context())
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "Remove this process's session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionEndRun(cmd.Context())
	},
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove sessions of dead or idle processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCleanupRun(cmd.Context())
	},
}

var sessionSuggestCmd = &cobra.Command{
	Use:   "suggest [workflow-name]",
	Short: "Suggest a worktree name for a workflow",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		return sessionSuggestRun(name)
	},
}

var sessionParallelCmd = &cobra.Command{
	Use:   "parallel <workflow-name>",
	Short: "Start a session, moving to a new worktree if the branch is taken",
	Long: `Register this process and check for a conflicting session. When another
process already works on the current branch (or with --always), create a
worktree named after the workflow and move the session into it. The
worktree path is printed on the last line of output.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionParallelRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionStartCmd.Flags().StringVar(&sessType, "type", "", "Workflow type (e.g. feature, fix)")
	sessionStartCmd.Flags().StringVar(&sessName, "name", "", "Workflow name")
	sessionParallelCmd.Flags().StringVar(&sessType, "type", "", "Workflow type (e.g. feature, fix)")
	sessionParallelCmd.Flags().BoolVar(&sessAlways, "always", false, "Create the worktree even without a conflict")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionConflictsCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionCleanupCmd)
	sessionCmd.AddCommand(sessionSuggestCmd)
	sessionCmd.AddCommand(sessionParallelCmd)
	rootCmd.AddCommand(sessionCmd)
}

// ownSessionManager returns the session manager for the owning process.
func ownSessionManager() (*session.Manager, error) {
	d, err := getDeps()
	if err != nil {
		return nil, err
	}
	return d.sessionManager(ownerIdentity()), nil
}

func sessionStartRun(ctx context.Context, workflowType, workflowName string) error {
	m, err := ownSessionManager()
	if err != nil {
		return err
	}
	if !m.IsGitInitialized() {
		ui.Warning("%s is not a git repository; the branch is recorded as %q", m.WorkDir(), session.UnknownBranch)
	}

	if dryRun {
		ui.DryRunMsg("Would register session %s", m.CurrentSessionID())
		return nil
	}

	if n, err := m.CleanupStaleSessions(ctx); err != nil {
		return err
	} else if n > 0 {
		ui.VerboseLog("Removed %d stale session(s)", n)
	}
	s, err := m.StartSession(ctx, workflowType, workflowName)
	if err != nil {
		return err
	}
	ui.Success("Session %s started on %s", output.Cyan(s.ID), output.Cyan(s.Branch))

	c, err := m.DetectConflict(ctx)
	if err != nil {
		return err
	}
	if c != nil {
		printConflict(c)
		ui.Info("Try: laraforge session parallel %s", m.SuggestWorktreeName(workflowName))
	}
	return nil
}

func sessionStatusRun(ctx context.Context) error {
	m, err := ownSessionManager()
	if err != nil {
		return err
	}

	s, err := m.Session()
	if err != nil {
		ui.Info("No session for this process. Start one with: laraforge session start")
		return nil
	}

	ui.Info("Session %s", output.Cyan(s.ID))
	printProcessSession(s, time.Now())

	c, err := m.DetectConflict(ctx)
	if err != nil {
		return err
	}
	if c != nil {
		printConflict(c)
	}
	return nil
}

func printProcessSession(s *models.ProcessSession, now time.Time) {
	ui.Field("Branch", s.Branch)
	if wt := s.WorktreePath(); wt != "" {
		ui.Field("Worktree", wt)
	}
	if wf := s.Workflow(); wf != "" {
		ui.Field("Workflow", wf)
	}
	ui.Field("Process", fmt.Sprintf("%s pid %d", s.Hostname, s.PID))
	ui.Field("Started", output.Age(s.StartedAt, now))
	ui.Field("Last activity", output.Age(s.LastActivity, now))
}

func sessionListRun() error {
	d, err := getDeps()
	if err != nil {
		return err
	}
	m := d.sessionManager(ownerIdentity())

	sessions, err := d.sessionStore.LoadStrict()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions recorded.")
		return nil
	}

	own, _ := m.Session()
	now := time.Now()
	table := ui.Table([]string{"ID", "Branch", "Worktree", "Workflow", "PID", "Host", "Last Activity", "State"})
	for _, id := range sortedSessionIDs(sessions) {
		s := sessions[id]
		state := output.Green("alive")
		switch {
		case own != nil && own.ID == id:
			state = output.Cyan("self")
		case m.IsStale(s):
			state = output.Yellow("stale")
		}
		_ = table.Append([]string{
			id,
			s.Branch,
			s.WorktreePath(),
			s.Workflow(),
			strconv.Itoa(s.PID),
			s.Hostname,
			output.Age(s.LastActivity, now),
			state,
		})
	}
	_ = table.Render()
	return nil
}

func sessionConflictsRun(ctx context.Context) error {
	m, err := ownSessionManager()
	if err != nil {
		return err
	}

	c, err := m.DetectConflict(ctx)
	if err != nil {
		return err
	}
	if c == nil {
		ui.Success("No other session is working on this branch.")
		return nil
	}

	s := c.ConflictingSession
	table := ui.Table([]string{"Session", "Branch", "Process", "Workflow", "Last Activity"})
	_ = table.Append([]string{
		s.ID,
		s.Branch,
		fmt.Sprintf("%s pid %d", s.Hostname, s.PID),
		s.Workflow(),
		output.Age(s.LastActivity, time.Now()),
	})
	_ = table.Render()
	printConflict(c)
	return errConflict
}

func sessionEndRun(ctx context.Context) error {
	m, err := ownSessionManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would end session %s", m.CurrentSessionID())
		return nil
	}

	if err := m.EndSession(ctx); err != nil {
		return err
	}
	ui.Success("Session ended")
	return nil
}

func sessionCleanupRun(ctx context.Context) error {
	m, err := ownSessionManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove stale sessions")
		return nil
	}

	n, err := m.CleanupStaleSessions(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		ui.Info("No stale sessions.")
		return nil
	}
	ui.Success("Removed %d stale session(s)", n)
	return nil
}

func sessionSuggestRun(name string) error {
	m, err := ownSessionManager()
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, m.SuggestWorktreeName(name))
	return nil
}

func sessionParallelRun(ctx context.Context, workflowName string) error {
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}
	m := d.sessionManager(ownerIdentity())
	name := m.SuggestWorktreeName(workflowName)

	if dryRun {
		ui.DryRunMsg("Would start a session and create worktree %s on conflict", name)
		return nil
	}

	if _, err := m.CleanupStaleSessions(ctx); err != nil {
		return err
	}
	if _, err := m.StartSession(ctx, sessType, workflowName); err != nil {
		return err
	}
	c, err := m.DetectConflict(ctx)
	if err != nil {
		return err
	}
	if c == nil && !sessAlways {
		ui.Success("No conflict; continue in %s", m.WorkDir())
		fmt.Fprintln(ui.Out, m.WorkDir())
		return nil
	}
	if c != nil {
		printConflict(c)
	}

	ui.Info("Creating worktree %s...", output.Cyan(name))
	path, err := m.CreateWorktree(ctx, name)
	if err != nil {
		return err
	}
	ui.Success("Session %s moved to %s", output.Cyan(m.CurrentSessionID()), output.Cyan(path))
	fmt.Fprintln(ui.Out, path)
	return nil
}

func sortedSessionIDs(sessions session.Sessions) []string {
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
