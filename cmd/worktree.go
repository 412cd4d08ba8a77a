package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/history"
	"github.com/laraforge/laraforge/internal/models"
	"github.com/laraforge/laraforge/internal/output"
)

var (
	wtFeature string
	wtAgent   string
	wtSession string
	wtTarget  string
	wtDays    int
	wtForce   bool
	wtAll     bool
	wtGit     bool
	wtLimit   int
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage agent worktree sessions",
	Long: `Create, track and merge isolated git worktrees, one per feature and agent.

Each worktree lives under <repo>.worktrees/<feature>-<agent> on branch
feature/<feature>-<agent>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context(), false)
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List worktree sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if wtGit {
			return worktreeGitListRun(cmd.Context())
		}
		return worktreeListRun(cmd.Context(), wtAll)
	},
}

var worktreeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a worktree session for a feature and agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeCreateRun(cmd.Context(), wtFeature, wtAgent)
	},
}

var worktreeCompleteCmd = &cobra.Command{
	Use:   "complete [session-id]",
	Short: "Mark a worktree session completed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeStatusRun(cmd.Context(), args, models.WorktreeCompleted)
	},
}

var worktreePauseCmd = &cobra.Command{
	Use:   "pause [session-id]",
	Short: "Pause an active worktree session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeStatusRun(cmd.Context(), args, models.WorktreePaused)
	},
}

var worktreeResumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a paused or completed worktree session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeStatusRun(cmd.Context(), args, models.WorktreeActive)
	},
}

var worktreeAbandonCmd = &cobra.Command{
	Use:   "abandon [session-id]",
	Short: "Abandon a worktree session (the worktree is kept until cleanup)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeStatusRun(cmd.Context(), args, models.WorktreeAbandoned)
	},
}

var worktreeMergeCmd = &cobra.Command{
	Use:   "merge [session-id]",
	Short: "Merge a worktree session's branch into the target branch",
	Long: `Merge a worktree session's branch into the target branch with --no-ff.

The target defaults to worktrees.default_target, then the branch the
session was created from, then the repository default branch. On
conflict the merge is aborted and the conflicting files are listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeMergeRun(cmd.Context(), args)
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:     "remove [session-id]",
	Aliases: []string{"rm"},
	Short:   "Remove a worktree and its session record",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeRemoveRun(cmd.Context(), args)
	},
}

var worktreeCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished worktree sessions older than --days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days := wtDays
		if !cmd.Flags().Changed("days") {
			days = viper.GetInt("cleanup.older_than_days")
		}
		return worktreeCleanupRun(cmd.Context(), days)
	},
}

var worktreeRefreshCmd = &cobra.Command{
	Use:   "refresh [session-id]",
	Short: "Import commits and modified files from git into a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeRefreshRun(cmd.Context(), args)
	},
}

var worktreeHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show worktree lifecycle events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeHistoryRun(cmd.Context())
	},
}

func init() {
	worktreeCmd.PersistentFlags().StringVar(&wtSession, "session", "", "Worktree session ID")

	worktreeListCmd.Flags().BoolVarP(&wtAll, "all", "a", false, "Include completed, merged and abandoned sessions")
	worktreeListCmd.Flags().BoolVar(&wtGit, "git", false, "List git worktrees instead of sessions")

	worktreeCreateCmd.Flags().StringVar(&wtFeature, "feature", "", "Feature identifier")
	worktreeCreateCmd.Flags().StringVar(&wtAgent, "agent", "", "Agent identifier")
	_ = worktreeCreateCmd.MarkFlagRequired("feature")
	_ = worktreeCreateCmd.MarkFlagRequired("agent")

	worktreeMergeCmd.Flags().StringVar(&wtTarget, "target", "", "Target branch")
	worktreeRefreshCmd.Flags().StringVar(&wtTarget, "target", "", "Branch to compare against")
	worktreeRemoveCmd.Flags().BoolVarP(&wtForce, "force", "f", false, "Remove even if the session is still active or paused")
	worktreeCleanupCmd.Flags().IntVar(&wtDays, "days", 7, "Only remove sessions idle for more than this many days (default: cleanup.older_than_days)")
	worktreeHistoryCmd.Flags().StringVar(&wtFeature, "feature", "", "Only events for this feature")
	worktreeHistoryCmd.Flags().IntVar(&wtLimit, "limit", 50, "Show at most this many recent events (0 for all)")

	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeCreateCmd)
	worktreeCmd.AddCommand(worktreeCompleteCmd)
	worktreeCmd.AddCommand(worktreePauseCmd)
	worktreeCmd.AddCommand(worktreeResumeCmd)
	worktreeCmd.AddCommand(worktreeAbandonCmd)
	worktreeCmd.AddCommand(worktreeMergeCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	worktreeCmd.AddCommand(worktreeCleanupCmd)
	worktreeCmd.AddCommand(worktreeRefreshCmd)
	worktreeCmd.AddCommand(worktreeHistoryCmd)
	rootCmd.AddCommand(worktreeCmd)
}

// sessionIDArg takes the session id from the argument or --session.
func sessionIDArg(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if wtSession != "" {
		return wtSession, nil
	}
	return "", fmt.Errorf("session id required (pass it as an argument or with --session)")
}

// repoDeps returns the shared dependencies for commands that need a repository.
func repoDeps(ctx context.Context) (*appDeps, error) {
	d, err := getDeps()
	if err != nil {
		return nil, err
	}
	if err := requireRepo(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func worktreeListRun(ctx context.Context, all bool) error {
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}

	if !dryRun {
		n, err := d.worktrees.Reconcile(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			ui.Warning("%d session(s) abandoned because their worktree directory is gone", n)
		}
	}

	var list []*models.WorktreeSession
	if all {
		list, err = d.worktrees.Sessions()
	} else {
		list, err = d.worktrees.ActiveSessions()
	}
	if err != nil {
		return err
	}

	if len(list) == 0 {
		ui.Info("No worktree sessions.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"ID", "Branch", "Status", "Files", "Commits", "Last Activity"})
	for _, s := range list {
		_ = table.Append([]string{
			output.Cyan(s.ID),
			s.Branch,
			output.StatusColor(string(s.Status)),
			strconv.Itoa(len(s.ModifiedFiles)),
			strconv.Itoa(len(s.Commits)),
			output.Age(s.LastActivityAt, now),
		})
	}
	_ = table.Render()
	return nil
}

func worktreeGitListRun(ctx context.Context) error {
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}

	wts := d.worktrees.ListWorktrees(ctx)
	if len(wts) == 0 {
		ui.Info("No git worktrees found.")
		return nil
	}

	table := ui.Table([]string{"Branch", "HEAD", "Path"})
	for _, w := range wts {
		branch := w.Branch
		if w.Detached {
			branch = output.Yellow("(detached)")
		}
		_ = table.Append([]string{branch, shortHash(w.HEAD), w.Path})
	}
	_ = table.Render()
	return nil
}

func worktreeCreateRun(ctx context.Context, feature, agent string) error {
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}

	name := models.WorktreeName(feature, agent)
	if dryRun {
		ui.DryRunMsg("Would create worktree %s on branch %s", name, models.WorktreeBranch(feature, agent))
		return nil
	}

	return withSessionGuard(ctx, d, "worktree", name, func() error {
		ui.Info("Creating worktree %s...", output.Cyan(name))
		s, err := d.worktrees.CreateSession(ctx, feature, agent)
		if err != nil {
			return err
		}
		ui.Success("Created worktree session %s", output.Cyan(s.ID))
		ui.Field("Branch", s.Branch)
		ui.Field("Path", s.Path)
		ui.Field("Base", s.MetaString(models.MetaBaseBranch))
		return nil
	})
}

func worktreeStatusRun(ctx context.Context, args []string, to models.WorktreeStatus) error {
	id, err := sessionIDArg(args)
	if err != nil {
		return err
	}
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would mark %s as %s", id, to)
		return nil
	}

	var s *models.WorktreeSession
	switch to {
	case models.WorktreeCompleted:
		s, err = d.worktrees.CompleteSession(ctx, id)
	case models.WorktreePaused:
		s, err = d.worktrees.PauseSession(ctx, id)
	case models.WorktreeActive:
		s, err = d.worktrees.ResumeSession(ctx, id)
	case models.WorktreeAbandoned:
		s, err = d.worktrees.AbandonSession(ctx, id)
	default:
		return fmt.Errorf("unsupported status %q", to)
	}
	if err != nil {
		return err
	}
	ui.Success("%s is now %s", output.Cyan(s.ID), output.StatusColor(string(s.Status)))
	return nil
}

func worktreeMergeRun(ctx context.Context, args []string) error {
	id, err := sessionIDArg(args)
	if err != nil {
		return err
	}
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}

	s, err := d.worktrees.GetSession(id)
	if err != nil {
		return err
	}
	target := d.worktrees.ResolveTarget(ctx, s, wtTarget)

	if dryRun {
		ui.DryRunMsg("Would merge %s into %s", s.Branch, target)
		return nil
	}

	return withSessionGuard(ctx, d, "merge", s.ID, func() error {
		ui.Info("Merging %s into %s...", output.Cyan(s.Branch), output.Cyan(target))
		res, err := d.worktrees.MergeSession(ctx, id, target)
		if err != nil {
			return err
		}
		return printMergeResult(s, res)
	})
}

// printMergeResult reports res and turns failures into an error for the exit code.
func printMergeResult(s *models.WorktreeSession, res *models.MergeResult) error {
	switch {
	case res.Success && res.Note != "":
		ui.Info("%s", res.Note)
		return nil
	case res.Success:
		ui.Success("Merged %s into %s (%s)", output.Cyan(s.Branch), output.Cyan(res.TargetBranch), shortHash(res.CommitHash))
		return nil
	case res.HasConflicts():
		ui.Error("Merge of %s into %s aborted: %d conflicting file(s)", s.Branch, res.TargetBranch, len(res.Conflicts))
		table := ui.Table([]string{"File", "Conflict"})
		for _, c := range res.Conflicts {
			_ = table.Append([]string{output.Red(c.FilePath), c.Description})
		}
		_ = table.Render()
		return lferrors.E(lferrors.Op("worktree.merge"), lferrors.KindMergeConflict,
			fmt.Sprintf("merge conflicts in %d file(s); resolve them on %s and merge again", len(res.Conflicts), s.Branch))
	default:
		return fmt.Errorf("merge into %s failed: %s", res.TargetBranch, res.Error)
	}
}

func worktreeRemoveRun(ctx context.Context, args []string) error {
	id, err := sessionIDArg(args)
	if err != nil {
		return err
	}
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove worktree session %s", id)
		return nil
	}

	if err := d.worktrees.RemoveSession(ctx, id, wtForce); err != nil {
		return err
	}
	ui.Success("Removed worktree session %s", output.Cyan(id))
	return nil
}

func worktreeCleanupRun(ctx context.Context, days int) error {
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove finished worktree sessions idle for more than %d day(s)", days)
		return nil
	}

	n, err := d.worktrees.Cleanup(ctx, days)
	if n > 0 {
		ui.Success("Removed %d worktree session(s)", n)
	} else if err == nil {
		ui.Info("Nothing to clean up.")
	}
	return err
}

func worktreeRefreshRun(ctx context.Context, args []string) error {
	id, err := sessionIDArg(args)
	if err != nil {
		return err
	}
	d, err := repoDeps(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would refresh %s from git", id)
		return nil
	}

	s, err := d.worktrees.RefreshSession(ctx, id, wtTarget)
	if err != nil {
		return err
	}
	ui.Success("Refreshed %s", output.Cyan(s.ID))
	ui.Field("Commits", len(s.Commits))
	ui.Field("Files", len(s.ModifiedFiles))
	for _, c := range s.Commits {
		ui.VerboseLog("%s %s", shortHash(c.Hash), c.Message)
	}
	return nil
}

func worktreeHistoryRun(ctx context.Context) error {
	d, err := getDeps()
	if err != nil {
		return err
	}
	if d.history == nil {
		return fmt.Errorf("history is not available (check history.enabled and %s)", controlDir())
	}

	entries, err := d.history.List(ctx, history.Filter{SessionID: wtSession, FeatureID: wtFeature, Limit: wtLimit})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No events recorded.")
		return nil
	}

	table := ui.Table([]string{"Time", "Session", "Event", "Detail"})
	for _, e := range entries {
		_ = table.Append([]string{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.SessionID,
			output.StatusColor(e.Event),
			e.Detail,
		})
	}
	_ = table.Render()
	return nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
