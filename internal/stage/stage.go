// Package stage writes selected archive entries into the output tree.
package stage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/misterkun-io/mdproxy/internal/resolve"
)

// Stager stages files under a single output root. Target paths are
// output-relative with forward slashes, as they appear in the manifest.
type Stager struct {
	root string
}

// New returns a Stager rooted at root.
func New(root string) *Stager {
	return &Stager{root: root}
}

// Digest returns the manifest content digest (md5 hex) of data.
func Digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (s *Stager) localPath(target string) string {
	return filepath.Join(s.root, filepath.FromSlash(target))
}

// Stage writes data to root/target, creating parent directories and
// overwriting any existing file. The write is atomic: data lands in a
// .tmp file first and is renamed into place.
func (s *Stager) Stage(target string, data []byte) error {
	dest := s.localPath(target)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", target, err)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}

	_, err = f.Write(data)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", target, err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", target, closeErr)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing %s: %w", target, err)
	}

	return nil
}

// UpToDate reports whether the staged file at target already has the
// given digest and size, so re-runs can skip rewriting unchanged files.
func (s *Stager) UpToDate(target, hash string, size int64) bool {
	data, err := os.ReadFile(s.localPath(target))
	if err != nil {
		return false
	}
	if int64(len(data)) != size {
		return false
	}
	return Digest(data) == hash
}

// RemoveMatching deletes staged files whose output-relative path matches
// the glob pattern, and returns the paths removed. It is used before
// restaging a glob-selected entry so files from superseded upstream
// names do not accumulate in the output. Paths in keep are never
// removed: files staged earlier in the same run are still referenced by
// the manifest and must survive cleanup.
func (s *Stager) RemoveMatching(pattern string, keep map[string]bool) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keep[rel] || !resolve.Match(pattern, rel) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing %s: %w", rel, err)
		}
		removed = append(removed, rel)
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}
