package snapshot

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// FileChange is one modified file with its unified patch. Binary content
// yields an empty patch and IsBinary set.
type FileChange struct {
	Path     string `json:"path"`
	Patch    string `json:"patch,omitempty"`
	IsBinary bool   `json:"is_binary,omitempty"`
}

// Diff is the comparison of two workspace manifests.
type Diff struct {
	Added   []string     `json:"added,omitempty"`
	Removed []string     `json:"removed,omitempty"`
	Changed []FileChange `json:"changed,omitempty"`
}

// Empty reports whether the workspaces are content-identical.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Patch renders every change as one concatenated unified diff.
func (d *Diff) Patch() string {
	var b strings.Builder
	for _, c := range d.Changed {
		if c.IsBinary {
			b.WriteString("Binary file " + c.Path + " differs\n")
			continue
		}
		b.WriteString(c.Patch)
	}
	return b.String()
}

// Compare diffs two captured workspaces. beforeDir/afterDir supply file contents
// for patch rendering; pass "" to skip patches for a side that no longer
// exists on disk.
func Compare(before, after *Manifest, beforeDir, afterDir string) (*Diff, error) {
	oldByPath := map[string]FileEntry{}
	for _, f := range before.Files {
		oldByPath[f.Path] = f
	}
	newByPath := map[string]FileEntry{}
	for _, f := range after.Files {
		newByPath[f.Path] = f
	}

	paths := make([]string, 0, len(oldByPath)+len(newByPath))
	seen := map[string]struct{}{}
	for p := range oldByPath {
		paths = append(paths, p)
		seen[p] = struct{}{}
	}
	for p := range newByPath {
		if _, ok := seen[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	out := &Diff{}
	for _, p := range paths {
		oldEntry, inOld := oldByPath[p]
		newEntry, inNew := newByPath[p]
		switch {
		case inOld && !inNew:
			out.Removed = append(out.Removed, p)
		case !inOld && inNew:
			out.Added = append(out.Added, p)
		case oldEntry.Digest != newEntry.Digest:
			change, err := renderChange(p, beforeDir, afterDir)
			if err != nil {
				return nil, err
			}
			out.Changed = append(out.Changed, change)
		}
	}
	return out, nil
}

func renderChange(path, oldDir, newDir string) (FileChange, error) {
	if oldDir == "" || newDir == "" {
		return FileChange{Path: path}, nil
	}
	oldData, err := os.ReadFile(filepath.Join(oldDir, filepath.FromSlash(path)))
	if err != nil {
		return FileChange{}, err
	}
	newData, err := os.ReadFile(filepath.Join(newDir, filepath.FromSlash(path)))
	if err != nil {
		return FileChange{}, err
	}
	if !utf8.Valid(oldData) || !utf8.Valid(newData) {
		return FileChange{Path: path, IsBinary: true}, nil
	}
	patch, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(oldData)),
		B:        difflib.SplitLines(string(newData)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return FileChange{}, err
	}
	return FileChange{Path: path, Patch: patch}, nil
}
