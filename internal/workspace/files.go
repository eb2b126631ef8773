package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MaxListedFiles bounds the file listing handed to the oracle.
const MaxListedFiles = 200

var skipDirs = map[string]bool{
	".git":          true,
	"__pycache__":   true,
	"node_modules":  true,
	".pytest_cache": true,
	"build":         true,
	"dist":          true,
	"target":        true,
	"vendor":        true,
}

// IgnorePatterns are matched against slash-separated relative paths.
var IgnorePatterns = []string{
	"**/*.pyc",
	"**/*.pyo",
	"**/*.log",
	"**/*.tmp",
	"**/*.cache",
	"**/.DS_Store",
	"agent/**",
}

// ListFiles walks root and returns up to limit relative file paths in lexical
// order, skipping hidden and build directories.
func ListFiles(root string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = MaxListedFiles
	}
	var files []string
	errLimit := errors.New("limit reached")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if skipDirs[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignored(rel) {
			return nil
		}

		files = append(files, rel)
		if len(files) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

func ignored(rel string) bool {
	for _, pattern := range IgnorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Exists reports whether rel is a regular file inside root. Symlinks are
// never reported as existing.
func Exists(root, rel string) bool {
	r, name, err := openRoot(root, rel)
	if err != nil {
		return false
	}
	defer r.Close()
	info, err := r.Lstat(name)
	return err == nil && info.Mode().IsRegular()
}

// ReadFile reads rel inside root, returning at most limit bytes and whether
// the file was truncated. Symlinks resolving outside root are refused.
func ReadFile(root, rel string, limit int64) ([]byte, bool, error) {
	r, name, err := openRoot(root, rel)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	f, err := r.Open(name)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// openRoot confines access to root and returns rel as a name inside it.
func openRoot(root, rel string) (*os.Root, string, error) {
	full, err := Join(root, rel)
	if err != nil {
		return nil, "", err
	}
	name, err := filepath.Rel(root, full)
	if err != nil {
		return nil, "", err
	}
	r, err := os.OpenRoot(root)
	if err != nil {
		return nil, "", fmt.Errorf("opening workspace: %w", err)
	}
	return r, name, nil
}
