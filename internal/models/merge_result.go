package models

// FileConflict is one path left unmerged by a failed merge.
type FileConflict struct {
	FilePath    string `json:"file_path"`
	Description string `json:"description"`
}

// MergeResult is the outcome of merging a worktree branch into a target.
// Use the constructors; a result with conflicts is never successful.
type MergeResult struct {
	Success      bool           `json:"success"`
	CommitHash   string         `json:"commit_hash,omitempty"`
	TargetBranch string         `json:"target_branch"`
	Error        string         `json:"error,omitempty"`
	Conflicts    []FileConflict `json:"conflicts"`
	Note         string         `json:"note,omitempty"`
}

func MergeSucceeded(target, commitHash string) *MergeResult {
	return &MergeResult{Success: true, CommitHash: commitHash, TargetBranch: target, Conflicts: []FileConflict{}}
}

// MergeNoop reports success with nothing merged.
func MergeNoop(target, note string) *MergeResult {
	return &MergeResult{Success: true, TargetBranch: target, Note: note, Conflicts: []FileConflict{}}
}

func MergeFailed(target, msg string) *MergeResult {
	return &MergeResult{TargetBranch: target, Error: msg, Conflicts: []FileConflict{}}
}

func MergeConflicted(target string, conflicts []FileConflict) *MergeResult {
	return &MergeResult{
		TargetBranch: target,
		Error:        "merge conflicts detected",
		Conflicts:    append([]FileConflict{}, conflicts...),
	}
}

// HasConflicts reports whether the merge stopped on conflicting paths.
func (r *MergeResult) HasConflicts() bool {
	return len(r.Conflicts) > 0
}
