package adapters

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"aptsync/internal/ports"
	"aptsync/internal/shared"
	"aptsync/internal/types"
)

// hashCacheFile is the on-disk form: algorithm -> Packages URL -> hex digest.
type hashCacheFile map[types.HashAlgorithm]map[string]string

// HashCacheFileAdapter keeps the hash cache in memory and rewrites the JSON
// file on every change. Every read-modify-write happens under one mutex.
type HashCacheFileAdapter struct {
	path    string
	mu      sync.Mutex
	entries hashCacheFile
}

// NewHashCacheFileAdapter loads path. A missing file starts an empty cache;
// an unreadable one is logged and treated as empty, since a cold cache only
// costs a download.
func NewHashCacheFileAdapter(path string) *HashCacheFileAdapter {
	a := &HashCacheFileAdapter{path: path, entries: hashCacheFile{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("hash cache unreadable, starting empty")
		}
		return a
	}
	var loaded hashCacheFile
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("hash cache corrupt, starting empty")
		return a
	}
	for algo, byURL := range loaded {
		if byURL != nil {
			a.entries[algo] = byURL
		}
	}
	return a
}

func (a *HashCacheFileAdapter) ShouldSkip(key ports.HashKey, freshHash string, localPath string) bool {
	if strings.TrimSpace(freshHash) == "" || strings.TrimSpace(localPath) == "" {
		return false
	}
	stored, ok := a.Lookup(key)
	if !ok || !strings.EqualFold(stored, freshHash) {
		return false
	}
	_, err := os.Stat(localPath)
	return err == nil
}

func (a *HashCacheFileAdapter) Lookup(key ports.HashKey) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hash, ok := a.entries[key.Algorithm][key.URL]
	return hash, ok
}

// Record is durable before it returns.
func (a *HashCacheFileAdapter) Record(key ports.HashKey, hash string) error {
	if strings.TrimSpace(key.URL) == "" || strings.TrimSpace(hash) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("hash cache key and hash are required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries[key.Algorithm] == nil {
		a.entries[key.Algorithm] = map[string]string{}
	}
	a.entries[key.Algorithm][key.URL] = strings.ToLower(hash)
	return a.persistLocked()
}

// Forget drops exactly the given entries. Unknown keys are ignored.
func (a *HashCacheFileAdapter) Forget(keys ...ports.HashKey) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for _, key := range keys {
		byURL := a.entries[key.Algorithm]
		if _, ok := byURL[key.URL]; ok {
			delete(byURL, key.URL)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return a.persistLocked()
}

func (a *HashCacheFileAdapter) persistLocked() error {
	data, err := json.MarshalIndent(a.entries, "", "  ")
	if err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to encode hash cache").
			WithCause(err)
	}
	if err := shared.WriteFileAtomic(a.path, data, 0644); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to write hash cache").
			WithCause(err)
	}
	return nil
}
