package adapters

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// alwaysKept survive every prune of the lists directory.
var alwaysKept = map[string]struct{}{
	"partial": {},
	"lock":    {},
}

// FileStoreAdapter owns the cache directory. Temporary files live in
// partialDir, which must be on the same filesystem as the lists directory
// so Replace stays a rename.
type FileStoreAdapter struct {
	partialDir string
}

func NewFileStoreAdapter(partialDir string) FileStoreAdapter {
	return FileStoreAdapter{partialDir: partialDir}
}

func (a FileStoreAdapter) TempFile(pattern string) (string, error) {
	if err := os.MkdirAll(a.partialDir, 0755); err != nil {
		return "", errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create partial directory").
			WithCause(err)
	}
	file, err := os.CreateTemp(a.partialDir, pattern)
	if err != nil {
		return "", errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create temporary file").
			WithCause(err)
	}
	name := file.Name()
	if err := file.Close(); err != nil {
		return "", errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to close temporary file").
			WithCause(err)
	}
	return name, nil
}

func (a FileStoreAdapter) Replace(src string, dst string) error {
	if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("source and destination are required")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create cache directory").
			WithCause(err)
	}
	if err := os.Rename(src, dst); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to move file into cache").
			WithCause(err)
	}
	return nil
}

// Remove ignores files that are already gone.
func (a FileStoreAdapter) Remove(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to remove cached file").
			WithCause(err)
	}
	return nil
}

func (a FileStoreAdapter) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (a FileStoreAdapter) ModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (a FileStoreAdapter) Touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to touch cached file").
			WithCause(err)
	}
	return nil
}

// Prune removes everything under root that keep does not name. keep maps a
// directory name to the file names allowed inside it; a nil set keeps the
// whole directory.
func (a FileStoreAdapter) Prune(root string, keep map[string]map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to read cache directory").
			WithCause(err)
	}
	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if _, ok := alwaysKept[name]; ok {
			continue
		}
		path := filepath.Join(root, name)
		files, wanted := keep[name]
		if !wanted || !entry.IsDir() {
			if err := a.Remove(path); err != nil {
				return removed, err
			}
			removed = append(removed, path)
			continue
		}
		if files == nil {
			continue
		}
		inner, err := os.ReadDir(path)
		if err != nil {
			return removed, errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg("failed to read repository cache directory").
				WithCause(err)
		}
		for _, file := range inner {
			if _, ok := files[file.Name()]; ok {
				continue
			}
			stray := filepath.Join(path, file.Name())
			if err := a.Remove(stray); err != nil {
				return removed, err
			}
			removed = append(removed, stray)
		}
	}
	sort.Strings(removed)
	return removed, nil
}
