// Package recovery names, finds and finalizes staged commit files.
//
// A commit that cannot overwrite its target in place writes the new document
// to a hidden sibling of the target and renames it over the target. When the
// rename fails the staged file stays on disk; this package locates such files
// and completes or discards them.
package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const stagedSuffix = ".pagekit-tmp"

// Staged is a staged document waiting to replace Target.
type Staged struct {
	Path    string
	Target  string
	ID      string
	Size    int64
	ModTime time.Time
}

// StagedPath returns the staging path used by commit id when writing target.
// It lives in the target's directory so the final rename stays on one volume.
func StagedPath(target, id string) string {
	dir, base := filepath.Split(target)
	return filepath.Join(dir, "."+base+"."+id+stagedSuffix)
}

// ParseStaged reports the target and commit id encoded in a staging path.
func ParseStaged(path string) (target, id string, ok bool) {
	dir, base := filepath.Split(path)
	if !strings.HasPrefix(base, ".") || !strings.HasSuffix(base, stagedSuffix) {
		return "", "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(base, "."), stagedSuffix)
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return filepath.Join(dir, name[:i]), name[i+1:], true
}

// Find lists staged files left behind for target, newest first.
func Find(target string) ([]Staged, error) {
	dir := filepath.Dir(target)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("recovery: read %s: %w", dir, err)
	}
	want := filepath.Clean(target)

	var out []Staged
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		t, id, ok := ParseStaged(p)
		if !ok || filepath.Clean(t) != want {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Staged{Path: p, Target: t, ID: id, Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Path < out[j].Path
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Complete moves a staged file onto its target.
func Complete(s Staged) error {
	if s.Target == "" {
		return errors.New("recovery: staged file has no target")
	}
	if err := os.Rename(s.Path, s.Target); err != nil {
		return fmt.Errorf("recovery: replace %s: %w", s.Target, err)
	}
	return SyncDir(filepath.Dir(s.Target))
}

// Discard removes a staged file.
func Discard(s Staged) error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("recovery: discard %s: %w", s.Path, err)
	}
	return nil
}

// SyncDir flushes directory metadata so a completed rename survives a crash.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
