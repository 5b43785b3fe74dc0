// Package contentstore implements the content-addressed filesystem store
// (component B): a root directory plus a two-level fanout by hash prefix,
// with atomic publish via temp-write-fsync-rename.
package contentstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/statcan-wds/ingestor/internal/hashutil"
)

// Family names the artifact family a file belongs to, which determines the
// subdirectory under the store root ("spine", "cubes", "metadata").
type Family string

const (
	FamilySpine    Family = "spine"
	FamilyCube     Family = "cubes"
	FamilyMetadata Family = "metadata"
)

// Store is the content-addressed filesystem root.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory is created if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create content store root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) ext(family Family) string {
	if family == FamilyCube {
		return ".zip"
	}
	return ".json"
}

// Path returns the on-disk path for a hash within a family, without
// touching the filesystem.
func (s *Store) Path(family Family, hash hashutil.Hash) string {
	return filepath.Join(s.root, string(family), hash.Prefix(), string(hash)+s.ext(family))
}

// Put computes the content hash of payload and, if a file for that hash
// does not already exist, writes it atomically (temp file + fsync +
// rename). If the final path already exists, Put returns the existing
// (hash, path) without rewriting, satisfying the "at most one physical
// copy per hash" guarantee.
func (s *Store) Put(family Family, payload []byte) (hashutil.Hash, string, error) {
	hash := hashutil.Of(payload)
	finalPath := s.Path(family, hash)

	if _, err := os.Stat(finalPath); err == nil {
		return hash, finalPath, nil
	} else if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("stat %s: %w", finalPath, err)
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create fanout dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return "", "", fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", "", fmt.Errorf("fsync temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("close temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", "", fmt.Errorf("publish %s: %w", finalPath, err)
	}

	return hash, finalPath, nil
}

// Verify streams the file at path and compares its content hash to want.
// It returns (true, nil) on match, (false, nil) on mismatch, and a non-nil
// error only for I/O failures unrelated to content mismatch (including
// a missing file, since the Verifier treats "absent" and "mismatch"
// identically upstream but needs to distinguish the error cause here).
func (s *Store) Verify(path string, want hashutil.Hash) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	got, err := hashutil.OfReader(f)
	if err != nil {
		return false, fmt.Errorf("hash %s: %w", path, err)
	}
	return got == want, nil
}

// Delete removes the file at path. Missing files are not an error: Delete
// is best-effort, matching the Verifier's repair contract.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
