package ports

import "aptsync/internal/types"

type HashKey struct {
	Algorithm types.HashAlgorithm
	URL       string
}

// HashCachePort remembers the last committed content hash of every
// Packages URL. It is a negative cache only: a hit means "unchanged".
type HashCachePort interface {
	ShouldSkip(key HashKey, freshHash string, localPath string) bool
	Record(key HashKey, hash string) error
	Lookup(key HashKey) (string, bool)
	Forget(keys ...HashKey) error
}
