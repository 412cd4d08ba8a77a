// Package git runs git subprocesses with explicit working directories and
// bounded run times, and parses their porcelain output.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/logger"
)

// DefaultTimeout applies to git calls made without an explicit timeout.
const DefaultTimeout = 30 * time.Second

// DefaultMergeTimeout applies to git merge.
const DefaultMergeTimeout = 60 * time.Second

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Branch   string
	HEAD     string
	Detached bool
}

// CommitInfo is one entry from `git log`.
type CommitInfo struct {
	Hash      string
	Message   string
	Timestamp time.Time
}

// Output is the captured result of one git invocation.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes git. The zero value is usable and applies DefaultTimeout.
type Runner struct {
	Timeout      time.Duration
	MergeTimeout time.Duration
	Logger       *slog.Logger
}

// NewRunner returns a Runner with the given timeouts.
func NewRunner(timeout, mergeTimeout time.Duration, l *slog.Logger) *Runner {
	return &Runner{Timeout: timeout, MergeTimeout: mergeTimeout, Logger: l}
}

func (r *Runner) timeout() time.Duration {
	if r == nil || r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

func (r *Runner) mergeTimeout() time.Duration {
	if r == nil || r.MergeTimeout <= 0 {
		return DefaultMergeTimeout
	}
	return r.MergeTimeout
}

func (r *Runner) log() *slog.Logger {
	if r == nil {
		return logger.Discard()
	}
	return logger.OrDiscard(r.Logger)
}

// Exec runs `git -C dir args...` and captures stdout, stderr and the exit
// code. A non-zero exit is returned as a KindGit error alongside the
// captured Output; an expired deadline is a KindTimeout error.
func (r *Runner) Exec(ctx context.Context, timeout time.Duration, dir string, args ...string) (Output, error) {
	if timeout <= 0 {
		timeout = r.timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullArgs := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_MERGE_AUTOEDIT=no", "LC_ALL=C")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	joined := strings.Join(args, " ")
	r.log().Debug("git", "dir", dir, "args", joined, "elapsed", time.Since(start))

	if err == nil {
		return out, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.ExitCode = -1
		return out, lferrors.Timeout(lferrors.Op("git.Exec"), fmt.Sprintf("git %s (after %s)", joined, timeout))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
	} else {
		out.ExitCode = -1
	}
	return out, lferrors.GitFailed(lferrors.Op("git.Exec"), joined, strings.TrimSpace(out.Stderr), err)
}

// output runs git with the default timeout and returns trimmed stdout.
func (r *Runner) output(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := r.Exec(ctx, 0, dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (r *Runner) RepoRoot(ctx context.Context, path string) (string, error) {
	return r.output(ctx, path, "rev-parse", "--show-toplevel")
}

// MainRoot returns the main working tree of the repository containing
// path, also when path is inside a linked worktree.
func (r *Runner) MainRoot(ctx context.Context, path string) (string, error) {
	common, err := r.output(ctx, path, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", err
	}
	return filepath.Dir(common), nil
}

func (r *Runner) CurrentBranch(ctx context.Context, path string) (string, error) {
	return r.output(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

// RevParse resolves ref to a full commit hash.
func (r *Runner) RevParse(ctx context.Context, path, ref string) (string, error) {
	return r.output(ctx, path, "rev-parse", ref)
}

// BranchExists reports whether refs/heads/branch exists.
func (r *Runner) BranchExists(ctx context.Context, path, branch string) (bool, error) {
	out, err := r.Exec(ctx, 0, path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if out.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// DefaultBranch returns origin's HEAD branch, else main, else master.
func (r *Runner) DefaultBranch(ctx context.Context, path string) string {
	if ref, err := r.output(ctx, path, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 && parts[len(parts)-1] != "" {
			return parts[len(parts)-1]
		}
	}
	if ok, _ := r.BranchExists(ctx, path, "main"); ok {
		return "main"
	}
	return "master"
}

// WorktreeAdd creates a worktree at path. With newBranch it runs
// `worktree add -b branch path [base]`, otherwise `worktree add path branch`.
func (r *Runner) WorktreeAdd(ctx context.Context, repo, path, branch, base string, newBranch bool) error {
	var args []string
	if newBranch {
		args = []string{"worktree", "add", "-b", branch, path}
		if base != "" {
			args = append(args, base)
		}
	} else {
		args = []string{"worktree", "add", path, branch}
	}
	_, err := r.Exec(ctx, 0, repo, args...)
	return err
}

func (r *Runner) WorktreeRemove(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := r.Exec(ctx, 0, repo, args...)
	return err
}

func (r *Runner) WorktreePrune(ctx context.Context, repo string) error {
	_, err := r.Exec(ctx, 0, repo, "worktree", "prune")
	return err
}

func (r *Runner) WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error) {
	out, err := r.Exec(ctx, 0, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out.Stdout), nil
}

func (r *Runner) Checkout(ctx context.Context, path, branch string) error {
	_, err := r.Exec(ctx, 0, path, "checkout", branch)
	return err
}

// Merge runs `git merge --no-ff` under the merge timeout. The captured
// output is returned even when the merge fails.
func (r *Runner) Merge(ctx context.Context, path, branch, message string) (Output, error) {
	args := []string{"merge", "--no-ff", "--no-edit"}
	if message != "" {
		args = append(args, "-m", message)
	}
	args = append(args, branch)
	return r.Exec(ctx, r.mergeTimeout(), path, args...)
}

func (r *Runner) MergeAbort(ctx context.Context, path string) error {
	_, err := r.Exec(ctx, 0, path, "merge", "--abort")
	return err
}

// IsMergeInProgress reports whether MERGE_HEAD exists in path.
func (r *Runner) IsMergeInProgress(ctx context.Context, path string) (bool, error) {
	out, err := r.Exec(ctx, 0, path, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	if err == nil {
		return true, nil
	}
	if out.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// Status returns parsed `git status --porcelain -z` entries for path.
func (r *Runner) Status(ctx context.Context, path string) ([]StatusEntry, error) {
	out, err := r.Exec(ctx, 0, path, "status", "--porcelain", "-z")
	if err != nil {
		return nil, err
	}
	return ParseStatusPorcelainZ(out.Stdout), nil
}

// CommitsAhead counts commits reachable from head but not from base.
func (r *Runner) CommitsAhead(ctx context.Context, path, base, head string) (int, error) {
	out, err := r.output(ctx, path, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Log lists commits in revRange, oldest first.
func (r *Runner) Log(ctx context.Context, path, revRange string) ([]CommitInfo, error) {
	out, err := r.Exec(ctx, 0, path, "log", "--reverse", "--format=%H%x1f%s%x1f%cI%x1e", revRange)
	if err != nil {
		return nil, err
	}
	return ParseLog(out.Stdout), nil
}

// DiffNameOnly lists files that differ between base and head.
func (r *Runner) DiffNameOnly(ctx context.Context, path, base, head string) ([]string, error) {
	out, err := r.output(ctx, path, "diff", "--name-only", base+"..."+head)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "detached":
			current.Detached = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// ParseLog parses the record-separated output produced by Log.
func ParseLog(output string) []CommitInfo {
	var commits []CommitInfo
	for _, rec := range strings.Split(output, recordSep) {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		fields := strings.SplitN(rec, fieldSep, 3)
		if len(fields) != 3 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, fields[2])
		if err != nil {
			continue
		}
		commits = append(commits, CommitInfo{Hash: fields[0], Message: fields[1], Timestamp: ts.UTC()})
	}
	return commits
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
