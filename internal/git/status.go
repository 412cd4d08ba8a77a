package git

import "strings"

// StatusEntry is one path from `git status --porcelain`.
type StatusEntry struct {
	X, Y byte
	Path string
	// Orig is the source path of a rename or copy.
	Orig string
}

// Unmerged reports whether the entry is an unresolved merge conflict.
func (e StatusEntry) Unmerged() bool {
	switch string([]byte{e.X, e.Y}) {
	case "DD", "AU", "UD", "UA", "DU", "AA", "UU":
		return true
	}
	return false
}

// ConflictDescription describes an unmerged entry for display.
func (e StatusEntry) ConflictDescription() string {
	switch string([]byte{e.X, e.Y}) {
	case "UU":
		return "both modified"
	case "AA":
		return "both added"
	case "DD":
		return "both deleted"
	case "AU":
		return "added by us"
	case "UA":
		return "added by them"
	case "DU":
		return "deleted by us"
	case "UD":
		return "deleted by them"
	}
	return "merge conflict"
}

// ParseStatusPorcelainZ parses NUL-separated `git status --porcelain -z`
// output. Rename and copy entries consume the following field as Orig.
func ParseStatusPorcelainZ(output string) []StatusEntry {
	var entries []StatusEntry
	fields := strings.Split(output, "\x00")
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		e := StatusEntry{X: f[0], Y: f[1], Path: f[3:]}
		if (e.X == 'R' || e.X == 'C') && i+1 < len(fields) {
			e.Orig = fields[i+1]
			i++
		}
		entries = append(entries, e)
	}
	return entries
}

// UnmergedPaths filters entries down to conflicting paths.
func UnmergedPaths(entries []StatusEntry) []StatusEntry {
	var out []StatusEntry
	for _, e := range entries {
		if e.Unmerged() {
			out = append(out, e)
		}
	}
	return out
}
