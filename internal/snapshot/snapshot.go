// Package snapshot captures, restores, and diffs trial workspaces. A
// snapshot is a gzip'd tar with deterministic entry order plus a manifest of
// per-file digests; diffs compare manifests and render unified patches.
package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// digestWorkers bounds concurrent file hashing during capture.
const digestWorkers = 8

// FileEntry describes one workspace file.
type FileEntry struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
	Mode   uint32 `json:"mode"`
}

// Manifest is the content listing of a workspace at a point in time.
type Manifest struct {
	Files []FileEntry `json:"files"`
}

// Digest seals the manifest.
func (m *Manifest) Digest() (digest.Digest, error) {
	paths := make([]string, 0, len(m.Files))
	byPath := map[string]FileEntry{}
	for _, f := range m.Files {
		paths = append(paths, f.Path)
		byPath[f.Path] = f
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		e := byPath[p]
		b.WriteString(p)
		b.WriteByte('\x00')
		b.WriteString(e.Digest)
		b.WriteByte('\n')
	}
	return digest.SHA256.FromString(b.String()), nil
}

// Lookup returns the entry for path, if present.
func (m *Manifest) Lookup(path string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// Capture walks dir and digests every regular file, excluding any path whose
// first segment matches an exclusion.
func Capture(dir string, exclusions []string) (*Manifest, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, exclusions) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", dir)
	}
	sort.Strings(paths)

	entries := make([]FileEntry, len(paths))
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(digestWorkers)
	for i, rel := range paths {
		i, rel := i, rel
		g.Go(func() error {
			full := filepath.Join(dir, filepath.FromSlash(rel))
			info, err := os.Stat(full)
			if err != nil {
				return err
			}
			f, err := os.Open(full)
			if err != nil {
				return err
			}
			dgst, err := digest.SHA256.FromReader(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			mu.Lock()
			entries[i] = FileEntry{
				Path:   rel,
				Digest: dgst.String(),
				Size:   info.Size(),
				Mode:   uint32(info.Mode().Perm()),
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "digest workspace")
	}
	return &Manifest{Files: entries}, nil
}

func excluded(rel string, exclusions []string) bool {
	first := rel
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		first = rel[:i]
	}
	for _, e := range exclusions {
		if e == "" {
			continue
		}
		if rel == e || first == e || strings.HasPrefix(rel, strings.TrimSuffix(e, "/")+"/") {
			return true
		}
	}
	return false
}

// Save archives dir into a gzip'd tar at outPath with deterministic entry
// order, returning the manifest of what was captured.
func Save(dir, outPath string, exclusions []string) (*Manifest, error) {
	m, err := Capture(dir, exclusions)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}
	f, err := os.Create(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot archive")
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range m.Files {
		full := filepath.Join(dir, filepath.FromSlash(e.Path))
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", e.Path)
		}
		hdr := &tar.Header{
			Name: e.Path,
			Mode: int64(e.Mode),
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, errors.Wrap(err, "write tar header")
		}
		if _, err := tw.Write(data); err != nil {
			return nil, errors.Wrap(err, "write tar entry")
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return m, nil
}

// Restore unpacks an archive produced by Save into destDir.
func Restore(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "open snapshot archive")
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "read snapshot archive")
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tar entry")
		}
		clean := filepath.Clean(filepath.FromSlash(hdr.Name))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return errors.Errorf("snapshot entry escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(destDir, clean)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return errors.Wrapf(err, "read %s", hdr.Name)
		}
		mode := os.FileMode(hdr.Mode) & 0o777
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, data, mode); err != nil {
			return errors.Wrapf(err, "write %s", hdr.Name)
		}
	}
}
