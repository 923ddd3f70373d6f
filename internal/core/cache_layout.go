package core

import (
	"path/filepath"
	"strings"

	"aptsync/internal/types"
)

// CachePrefix derives the on-disk directory name of a repository from its
// URL, the way apt names its list files.
func CachePrefix(repo types.Repository) string {
	prefix := repo.URL()
	prefix = strings.TrimPrefix(prefix, "https://")
	prefix = strings.TrimPrefix(prefix, "http://")
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if repo.IsFlat() {
		suite := repo.Suite
		if suite == "" {
			suite = types.FlatSuite
		}
		prefix += suite
	}
	prefix = strings.ReplaceAll(prefix, " ", "")
	prefix = strings.ReplaceAll(prefix, "_", "%5f")
	return strings.ReplaceAll(prefix, "/", "_")
}

// PackagesFileName is the cached name of the decompressed Packages file.
// Structured repositories encode components and architecture so a change of
// preferred architecture never reuses a stale listing.
func PackagesFileName(repo types.Repository, arch types.Architecture) string {
	if repo.IsFlat() {
		return "Packages"
	}
	return strings.Join(repo.Components, "_") + "_binary-" + arch.String() + "_Packages"
}

// CacheLayout resolves cached file paths below a lists directory.
type CacheLayout struct {
	ListsDir string
}

func (l CacheLayout) RepoDir(repo types.Repository) string {
	return filepath.Join(l.ListsDir, CachePrefix(repo))
}

func (l CacheLayout) Release(repo types.Repository) string {
	return filepath.Join(l.RepoDir(repo), "Release")
}

func (l CacheLayout) ReleaseSignature(repo types.Repository) string {
	return filepath.Join(l.RepoDir(repo), "Release.gpg")
}

func (l CacheLayout) Packages(repo types.Repository, arch types.Architecture) string {
	return filepath.Join(l.RepoDir(repo), PackagesFileName(repo, arch))
}

// Expected lists the file names a repository directory may contain.
func (l CacheLayout) Expected(repo types.Repository, archs []types.Architecture) map[string]struct{} {
	names := map[string]struct{}{
		"Release":     {},
		"Release.gpg": {},
	}
	for _, arch := range archs {
		names[PackagesFileName(repo, arch)] = struct{}{}
	}
	return names
}
