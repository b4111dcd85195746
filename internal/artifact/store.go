// Package artifact is the content-addressed store for trial outputs. Every
// artifact is stored once under its sha256 digest; references in evidence
// records are digests, never paths.
package artifact

import (
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Store lays artifacts out as <root>/<algorithm>/<hex>.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact store")
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// PutBytes stores data and returns its digest. Writing an already-present
// digest is a no-op.
func (s *Store) PutBytes(data []byte) (digest.Digest, error) {
	dgst := digest.SHA256.FromBytes(data)
	path := s.pathFor(dgst)
	if _, err := os.Stat(path); err == nil {
		return dgst, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create digest dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write artifact")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrap(err, "commit artifact")
	}
	return dgst, nil
}

// PutFile content-addresses an existing file.
func (s *Store) PutFile(path string) (digest.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read artifact %s", path)
	}
	return s.PutBytes(data)
}

// Has reports whether the digest is present.
func (s *Store) Has(dgst digest.Digest) bool {
	_, err := os.Stat(s.pathFor(dgst))
	return err == nil
}

// Open returns the stored bytes for a digest.
func (s *Store) Open(dgst digest.Digest) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(dgst))
	if err != nil {
		return nil, errors.Wrapf(err, "open artifact %s", dgst)
	}
	return data, nil
}

func (s *Store) pathFor(dgst digest.Digest) string {
	return filepath.Join(s.root, string(dgst.Algorithm()), dgst.Encoded())
}
