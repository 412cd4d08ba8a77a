package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeResultConstructors(t *testing.T) {
	ok := MergeSucceeded("main", "abc123")
	assert.True(t, ok.Success)
	assert.Equal(t, "abc123", ok.CommitHash)
	assert.False(t, ok.HasConflicts())

	noop := MergeNoop("main", "nothing to merge")
	assert.True(t, noop.Success)
	assert.Empty(t, noop.CommitHash)
	assert.Equal(t, "nothing to merge", noop.Note)

	failed := MergeFailed("main", "pathspec 'main' did not match")
	assert.False(t, failed.Success)
	assert.Empty(t, failed.Conflicts)

	conflicted := MergeConflicted("main", []FileConflict{{FilePath: "routes/web.php", Description: "both modified"}})
	assert.False(t, conflicted.Success)
	assert.True(t, conflicted.HasConflicts())
	assert.Equal(t, "merge conflicts detected", conflicted.Error)
}

func TestProcessSessionDescribe(t *testing.T) {
	p := &ProcessSession{Hostname: "box", PID: 42, WorkflowType: "feature", WorkflowName: "checkout"}
	assert.Equal(t, "box pid 42 (feature: checkout)", p.Describe())

	p = &ProcessSession{Hostname: "box", PID: 7}
	assert.Equal(t, "box pid 7", p.Describe())
	assert.Empty(t, p.WorktreePath())

	wt := "/tmp/wt"
	p.Worktree = &wt
	assert.Equal(t, "/tmp/wt", p.WorktreePath())
}
