// Package store is the Cache Directory component: an on-disk tree of
// content-addressed blobs plus a staging area for in-progress downloads,
// adapted from meigma-blob/cache/disk and client/cache/disk (temp-file,
// rename, stat-race-tolerant publish).
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	filesDirName   = "files"
	stagingDirName = "staging"

	defaultDirPerm = 0o700
)

// Store is the filesystem tree rooted at a cache_root containing files/
// and staging/, per the persisted-state contract.
type Store struct {
	root    string
	files   string
	staging string
	dirPerm os.FileMode
}

// Open prepares (creating if necessary) the files/ and staging/
// directories under root. A relative root is made absolute first, so
// AbsPath always yields an absolute path.
func Open(root string, dirPerm os.FileMode) (*Store, error) {
	if root == "" {
		return nil, errors.New("store: cache root is empty")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("store: resolve cache root: %w", err)
	}
	if dirPerm == 0 {
		dirPerm = defaultDirPerm
	}
	s := &Store{
		root:    root,
		files:   filepath.Join(root, filesDirName),
		staging: filepath.Join(root, stagingDirName),
		dirPerm: dirPerm,
	}
	if err := os.MkdirAll(s.files, s.dirPerm); err != nil {
		return nil, fmt.Errorf("store: mkdir files: %w", err)
	}
	if err := os.MkdirAll(s.staging, s.dirPerm); err != nil {
		return nil, fmt.Errorf("store: mkdir staging: %w", err)
	}
	return s, nil
}

// PurgeStaging unconditionally removes every file under staging/, run
// once at startup per the recovery procedure.
func (s *Store) PurgeStaging() error {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return fmt.Errorf("store: read staging: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.staging, e.Name())); err != nil {
			return fmt.Errorf("store: purge staging: %w", err)
		}
	}
	return nil
}

// Stage creates a new staging file named with a fresh UUID and returns it
// along with its absolute path. The caller streams content into it, then
// either Publishes or Discards it.
func (s *Store) Stage() (*os.File, string, error) {
	path := filepath.Join(s.staging, uuid.New().String())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("store: create staging file: %w", err)
	}
	return f, path, nil
}

// DiscardStaging removes a staging file, used when a download fails
// (copy error or hash mismatch). Duplicate content is not discarded here:
// Publish renames it over the existing blob.
func (s *Store) DiscardStaging(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: discard staging: %w", err)
	}
	return nil
}

// CachePath returns the relative cache_path for a lowercase hex-sha256
// digest, exactly "files/<hex>" per the persisted-state contract.
func (s *Store) CachePath(hexDigest string) string {
	return filepath.Join(filesDirName, hexDigest)
}

// AbsPath resolves a relative cache_path to an absolute filesystem path.
func (s *Store) AbsPath(cachePath string) string {
	return filepath.Join(s.root, cachePath)
}

// Publish renames a staging file to its final content-addressed location.
// Rename is same-filesystem and, on POSIX, atomically replaces any existing
// destination without error — so publishing identical content twice is a
// blind idempotent overwrite, not a detect-then-discard: the destination
// already holds the same bytes (same digest), so either file ending up in
// place is harmless. existed reports whether a file was already present at
// the destination immediately before the rename, determined by a stat that
// necessarily precedes (and races with) the rename itself; treat it as a
// best-effort signal for cross-source dedup metrics, not a linearizable
// check-then-act guarantee.
func (s *Store) Publish(stagingPath, hexDigest string) (cachePath string, existed bool, err error) {
	cachePath = s.CachePath(hexDigest)
	finalPath := s.AbsPath(cachePath)
	_, statErr := os.Stat(finalPath)
	existed = statErr == nil
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return "", false, fmt.Errorf("store: publish: %w", err)
	}
	return cachePath, existed, nil
}

// Exists reports whether the file backing cachePath is present.
func (s *Store) Exists(cachePath string) bool {
	_, err := os.Stat(s.AbsPath(cachePath))
	return err == nil
}

// Unlink removes the file backing cachePath. Removing an already-missing
// file is not an error (idempotent, matching startup corruption recovery).
func (s *Store) Unlink(cachePath string) error {
	if err := os.Remove(s.AbsPath(cachePath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: unlink: %w", err)
	}
	return nil
}
