// Package blob stores downloaded artifacts on the local filesystem under a
// single root directory. Paths handed in and out are relative to that root.
package blob

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"reelforge/internal/faults"
)

type LocalFS struct {
	Root string
}

// resolve rejects paths that would land outside Root.
func (l LocalFS) resolve(relPath string) (string, string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", faults.Invalid("artifact path %q escapes the store root", relPath)
	}
	return clean, filepath.Join(l.Root, clean), nil
}

// Put writes r to relPath, replacing any previous content, and returns the
// cleaned relative path plus the number of bytes written. The file appears
// atomically: readers never see a partial artifact.
func (l LocalFS) Put(relPath string, r io.Reader) (string, int64, error) {
	clean, abs, err := l.resolve(relPath)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", 0, errors.Wrap(err, "create artifact dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".part-*")
	if err != nil {
		return "", 0, errors.Wrap(err, "create artifact")
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, errors.Wrapf(err, "write artifact %s", clean)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, errors.Wrapf(err, "commit artifact %s", clean)
	}
	return filepath.ToSlash(clean), n, nil
}

// Abs returns the filesystem path of relPath for collaborators that need
// to open the file themselves.
func (l LocalFS) Abs(relPath string) (string, error) {
	_, abs, err := l.resolve(relPath)
	return abs, err
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, faults.NotFound("artifact", relPath)
	}
	return f, err
}

// Size returns the stored size of relPath.
func (l LocalFS) Size(relPath string) (int64, error) {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return 0, faults.NotFound("artifact", relPath)
	}
	if err != nil {
		return 0, errors.Wrap(err, "stat artifact")
	}
	return st.Size(), nil
}

func (l LocalFS) Exists(relPath string) bool {
	_, err := l.Size(relPath)
	return err == nil
}

// Remove deletes relPath. It reports whether a file was actually removed;
// a missing file is not an error.
func (l LocalFS) Remove(relPath string) (bool, error) {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return false, err
	}
	err = os.Remove(abs)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "remove artifact %s", relPath)
	}
	return true, nil
}
