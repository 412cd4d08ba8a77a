package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/laraforge/laraforge/internal/git"
	"github.com/laraforge/laraforge/internal/history"
	"github.com/laraforge/laraforge/internal/logger"
	"github.com/laraforge/laraforge/internal/models"
	"github.com/laraforge/laraforge/internal/output"
	"github.com/laraforge/laraforge/internal/procs"
	"github.com/laraforge/laraforge/internal/session"
	"github.com/laraforge/laraforge/internal/statefile"
	"github.com/laraforge/laraforge/internal/worktree"
)

// projectConfigDir holds the project config file. It is fixed so the
// control_dir setting itself can live in it.
const projectConfigDir = ".laraforge"

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui   *output.UI
	deps *appDeps

	verbose    bool
	dryRun     bool
	projectDir string
	ownerPID   int

	rootCache struct{ dir, root string }
)

var rootCmd = &cobra.Command{
	Use:   "laraforge",
	Short: "Coordinate parallel coding agents on one git repository",
	Long: `laraforge gives every agent its own git worktree and branch, tracks which
process is working on which branch, and merges finished work back with
conflict reporting.

Running bare 'laraforge' lists the active worktree sessions.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default .laraforge/config.yaml, then ~/.config/laraforge/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", "", "Run as if started in this directory")
	rootCmd.PersistentFlags().IntVar(&ownerPID, "owner-pid", 0, "Process that owns the session (default: the parent process)")
}

func setDefaults() {
	viper.SetDefault("control_dir", projectConfigDir)
	viper.SetDefault("worktrees.dir", "")
	viper.SetDefault("worktrees.default_target", "")
	viper.SetDefault("git.timeout", git.DefaultTimeout)
	viper.SetDefault("git.merge_timeout", git.DefaultMergeTimeout)
	viper.SetDefault("sessions.stale_after", session.DefaultStaleAfter)
	viper.SetDefault("state.lock_timeout", statefile.DefaultLockTimeout)
	viper.SetDefault("cleanup.older_than_days", 7)
	viper.SetDefault("history.enabled", true)
	viper.SetDefault("merge.ai_message", false)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initConfig() {
	root := projectRoot()

	// A project .env never overrides variables already in the environment.
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: cannot load .env: %v\n", err)
	}

	viper.SetEnvPrefix("LARAFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	// If --config is explicitly set, use only that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot read config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
		return
	}

	// User config first, then the project file on top of it.
	if userPath, err := userConfigPath(); err == nil {
		viper.SetConfigFile(userPath)
		_ = viper.ReadInConfig()
	}
	projectPath := projectConfigPath()
	if _, err := os.Stat(projectPath); err == nil {
		viper.SetConfigFile(projectPath)
		if err := viper.MergeInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot read %s: %v\n", projectPath, err)
		}
	}
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
	logger.SetDebug(verbose)

	// Managers are built lazily, only when commands actually need them.
	// This allows config/version commands to run outside a repository.
}

// rootRun handles `laraforge` with no subcommand.
func rootRun(cmd *cobra.Command) error {
	d, err := getDeps()
	if err != nil {
		return cmd.Help()
	}
	if err := requireRepo(cmd.Context(), d); err != nil {
		return cmd.Help()
	}
	return worktreeListRun(cmd.Context(), false)
}

// workDir is the directory this invocation acts on.
func workDir() string {
	dir := projectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "."
		}
		dir = wd
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return dir
}

// projectRoot is the main working tree of the repository around workDir,
// so processes inside linked worktrees share one control directory.
// Outside a repository it is workDir itself.
func projectRoot() string {
	dir := workDir()
	if rootCache.dir == dir && rootCache.root != "" {
		return rootCache.root
	}
	root := dir
	r := git.NewRunner(0, 0, nil)
	if main, err := r.MainRoot(context.Background(), dir); err == nil {
		root = main
	}
	rootCache.dir, rootCache.root = dir, root
	return root
}

// resolvePath anchors a configured path at the project root.
func resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectRoot(), p)
}

func controlDir() string {
	return resolvePath(viper.GetString("control_dir"))
}

func projectConfigPath() string {
	return filepath.Join(projectRoot(), projectConfigDir, "config.yaml")
}

// ownerIdentity names the process a session belongs to. CLI invocations
// are short-lived, so by default the session belongs to the shell or
// agent that ran us.
func ownerIdentity() procs.Identity {
	if ownerPID > 0 {
		id := procs.Current()
		id.PID = ownerPID
		return id
	}
	return procs.Parent()
}

// appDeps holds the managers shared by commands.
type appDeps struct {
	log          *slog.Logger
	git          *git.Runner
	worktrees    *worktree.Manager
	sessionStore *session.YAMLStore
	history      *history.Store
}

// getDeps returns the shared dependencies, initializing them on first call.
func getDeps() (*appDeps, error) {
	if deps != nil {
		return deps, nil
	}

	dir := controlDir()
	if err := ensureControlDir(dir); err != nil {
		ui.VerboseLog("Cannot prepare %s: %v", dir, err)
	}
	l, err := logger.Init(filepath.Join(dir, "laraforge.log"))
	if err != nil {
		ui.VerboseLog("Logging disabled: %v", err)
		l = logger.Discard()
	}

	runner := git.NewRunner(viper.GetDuration("git.timeout"), viper.GetDuration("git.merge_timeout"), l)
	lockTimeout := viper.GetDuration("state.lock_timeout")
	d := &appDeps{
		log:          l,
		git:          runner,
		sessionStore: session.NewYAMLStore(filepath.Join(dir, "sessions.yaml"), lockTimeout, l),
	}

	cfg := worktree.Config{
		RepoDir:       projectRoot(),
		WorktreesDir:  resolvePath(viper.GetString("worktrees.dir")),
		DefaultTarget: viper.GetString("worktrees.default_target"),
		Store:         worktree.NewYAMLStore(filepath.Join(dir, "worktrees", "sessions.yaml"), lockTimeout),
		Git:           runner,
		Logger:        l,
	}
	if viper.GetBool("history.enabled") {
		h, err := history.Open(context.Background(), filepath.Join(dir, "history.db"))
		if err != nil {
			l.Warn("history disabled", "error", err)
			ui.VerboseLog("History disabled: %v", err)
		} else {
			d.history = h
			cfg.History = h
		}
	}
	if viper.GetBool("merge.ai_message") {
		if c := newLLMClient(); c != nil {
			cfg.Messages = c
		} else {
			ui.VerboseLog("merge.ai_message is set but no Anthropic API key is configured")
		}
	}
	d.worktrees = worktree.NewManager(cfg)

	deps = d
	return deps, nil
}

// controlGitignore keeps runtime state out of commits while letting a
// project config be shared.
const controlGitignore = "*\n!.gitignore\n!config.yaml\n"

// ensureControlDir creates the control directory with its .gitignore.
func ensureControlDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); err == nil {
		return nil
	}
	return os.WriteFile(ignore, []byte(controlGitignore), 0o644)
}

func closeDeps() {
	if deps != nil && deps.history != nil {
		_ = deps.history.Close()
	}
	deps = nil
	_ = logger.Close()
}

// sessionManager builds the session manager for the given owner.
func (d *appDeps) sessionManager(id procs.Identity) *session.Manager {
	return session.NewManager(session.Config{
		Store:      d.sessionStore,
		Git:        d.git,
		WorkDir:    workDir(),
		Identity:   id,
		StaleAfter: viper.GetDuration("sessions.stale_after"),
		Worktrees:  d.worktrees,
		Logger:     d.log,
	})
}

// requireRepo fails unless the project directory is inside a git repository.
func requireRepo(ctx context.Context, d *appDeps) error {
	if _, err := d.git.RepoRoot(ctx, workDir()); err != nil {
		return fmt.Errorf("%s is not inside a git repository", workDir())
	}
	return nil
}

// withSessionGuard runs fn while the owning process is registered in the
// session map, warning when another process holds the same branch. An
// owner that already registered itself keeps its record, with the branch
// refreshed by Touch.
func withSessionGuard(ctx context.Context, d *appDeps, workflowType, workflowName string, fn func() error) error {
	m := d.sessionManager(ownerIdentity())
	if n, err := m.CleanupStaleSessions(ctx); err != nil {
		d.log.Warn("stale session cleanup failed", "error", err)
	} else if n > 0 {
		ui.VerboseLog("Removed %d stale session(s)", n)
	}

	if _, err := m.Session(); err == nil {
		if err := m.Touch(ctx); err != nil {
			d.log.Warn("cannot touch session", "error", err)
		}
	} else {
		if _, err := m.StartSession(ctx, workflowType, workflowName); err != nil {
			d.log.Warn("cannot register session", "error", err)
			return fn()
		}
		defer func() {
			if err := m.EndSession(context.WithoutCancel(ctx)); err != nil {
				d.log.Warn("cannot end session", "error", err)
			}
		}()
	}

	if c, err := m.DetectConflict(ctx); err != nil {
		d.log.Warn("conflict check failed", "error", err)
	} else if c != nil {
		printConflict(c)
	}
	return fn()
}

func printConflict(c *models.SessionConflict) {
	ui.Warning("%s", c.Message)
	ui.Info("%s", c.Suggestion)
}
