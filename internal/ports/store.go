package ports

import "time"

// KeyValuePort persists small pieces of per-repository state.
type KeyValuePort interface {
	Load(key string) (string, bool, error)
	Save(key string, value string) error
	Delete(key string) error
}

// FileStorePort owns every write into the cache directory. Replacements are
// rename based so concurrent readers never see a partial file.
type FileStorePort interface {
	TempFile(pattern string) (string, error)
	Replace(src string, dst string) error
	Remove(path string) error
	Exists(path string) bool
	ModTime(path string) (time.Time, bool)
	Touch(path string) error
	Prune(root string, keep map[string]map[string]struct{}) ([]string, error)
}
