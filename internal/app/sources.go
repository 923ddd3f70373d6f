package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"aptsync/internal/adapters"
	"aptsync/internal/core"
	"aptsync/internal/ports"
	"aptsync/internal/types"
)

// LoadSources registers every repository from the configured source lists
// and loads whatever catalogs the cache already holds.
func (s Service) LoadSources(ctx context.Context) (LoadResult, error) {
	paths := append([]string(nil), s.Config.Sources...)
	if write := strings.TrimSpace(s.Config.SourcesWrite); write != "" && !containsString(paths, write) {
		if _, err := os.Stat(write); err == nil {
			paths = append(paths, write)
		}
	}
	repos, diagnostics, err := s.Sources.Load(paths)
	if err != nil {
		return LoadResult{}, err
	}
	result := LoadResult{Diagnostics: diagnostics}
	for _, repo := range repos {
		repo = s.restoreState(repo)
		if !s.Registry.Add(repo) {
			continue
		}
		result.Repositories = append(result.Repositories, repo)
	}
	loaded, loadDiags := s.LoadCatalogs(ctx)
	result.Catalogs = loaded
	result.Diagnostics = append(result.Diagnostics, loadDiags...)
	log.Ctx(ctx).Debug().
		Int("repositories", len(result.Repositories)).
		Int("catalogs", loaded).
		Msg("sources loaded")
	return result, nil
}

func (s Service) restoreState(repo types.Repository) types.Repository {
	if !repo.PreferredArch.Known() {
		if value, ok, err := s.State.Load(preferredArchKey(repo)); err == nil && ok {
			repo.PreferredArch = types.ParseArchitecture(value)
		}
	}
	if strings.TrimSpace(repo.Name) == "" {
		if value, ok, err := s.State.Load(nameKey(repo)); err == nil && ok {
			repo.Name = value
		}
	}
	return repo
}

// LoadCatalogs builds catalogs from cached Packages files for repositories
// that have none in memory yet. Unreadable files become warnings.
func (s Service) LoadCatalogs(ctx context.Context) (int, []types.Diagnostic) {
	var diagnostics []types.Diagnostic
	loaded := 0
	for _, repo := range s.Registry.List() {
		key := repo.Key()
		if s.Registry.Loaded(key) {
			continue
		}
		archs := s.cachedArchitectures(repo)
		var results []core.BuildResult
		for _, arch := range archs {
			result, err := s.Builder.Build(ctx, repo, s.Layout.Packages(repo, arch), arch)
			if err != nil {
				diagnostics = append(diagnostics, types.Diagnostic{
					Severity:   types.SeverityWarning,
					Repository: key,
					Message:    "failed to load cached packages: " + err.Error(),
				})
				continue
			}
			results = append(results, result)
		}
		if len(results) == 0 {
			continue
		}
		s.Registry.SetCatalog(key, s.Builder.Merge(nil, repo.PreferredArch, results...), archs)
		loaded++
	}
	return loaded, diagnostics
}

// cachedArchitectures lists the architectures with a cached Packages file,
// preferred first.
func (s Service) cachedArchitectures(repo types.Repository) []types.Architecture {
	if !repo.PreferredArch.Known() {
		return nil
	}
	var archs []types.Architecture
	if s.Files.Exists(s.Layout.Packages(repo, repo.PreferredArch)) {
		archs = append(archs, repo.PreferredArch)
	}
	if !s.Config.MultiArch || repo.IsFlat() {
		return archs
	}
	entries, err := os.ReadDir(s.Layout.RepoDir(repo))
	if err != nil {
		return archs
	}
	prefix := strings.Join(repo.Components, "_") + "_binary-"
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, "_Packages") {
			continue
		}
		arch := types.ParseArchitecture(strings.TrimSuffix(strings.TrimPrefix(name, prefix), "_Packages"))
		if arch == repo.PreferredArch || len(s.Config.Host.Supported([]types.Architecture{arch})) == 0 {
			continue
		}
		archs = append(archs, arch)
	}
	return archs
}

// AddRepository validates and registers a user-supplied repository and
// writes it to the writable source list. A repository is flat exactly when
// it has no components.
func (s Service) AddRepository(ctx context.Context, req AddRepositoryRequest) (types.Repository, error) {
	if strings.TrimSpace(s.Config.SourcesWrite) == "" {
		return types.Repository{}, errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg("no writable source list configured")
	}
	rawURL, err := adapters.NormalizeRepositoryURL(req.URL)
	if err != nil {
		return types.Repository{}, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("invalid repository url").
			WithCause(err)
	}
	var suites []string
	for _, suite := range req.Suites {
		if suite = strings.TrimSpace(suite); suite != "" {
			suites = append(suites, suite)
		}
	}
	if len(suites) > 1 {
		return types.Repository{}, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("at most one suite may be given")
	}
	suite := types.FlatSuite
	if len(suites) == 1 {
		suite = suites[0]
	}
	var components []string
	for _, component := range req.Components {
		if component = strings.TrimSpace(component); component != "" {
			components = append(components, component)
		}
	}
	if strings.HasSuffix(suite, "/") == (len(components) > 0) {
		return types.Repository{}, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("a flat suite takes no components and a named suite needs at least one")
	}
	repo := s.restoreState(types.Repository{
		RawURL:        rawURL,
		Suite:         suite,
		Components:    components,
		PreferredArch: types.ArchitectureUnknown,
		EntryFile:     s.Config.SourcesWrite,
	})
	if !s.Registry.Add(repo) {
		return types.Repository{}, errbuilder.New().
			WithCode(errbuilder.CodeAlreadyExists).
			WithMsg("repository already configured")
	}
	if err := s.writeSources(); err != nil {
		s.Registry.Remove(repo.Key())
		return types.Repository{}, err
	}
	log.Ctx(ctx).Info().Str("repo", repo.Key()).Msg("repository added")
	return repo, nil
}

// RemoveRepository drops a repository together with its persisted state,
// hash cache entries and cached files. Repositories from read-only source
// lists cannot be removed.
func (s Service) RemoveRepository(ctx context.Context, keyOrID string) (types.Repository, error) {
	repo, ok := s.Registry.Find(keyOrID)
	if !ok {
		return types.Repository{}, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("unknown repository " + keyOrID)
	}
	if !s.writable(repo) {
		return types.Repository{}, errbuilder.New().
			WithCode(errbuilder.CodePermissionDenied).
			WithMsg("repository is defined in " + repo.EntryFile)
	}
	archs := s.Registry.Architectures(repo.Key())
	s.Registry.Remove(repo.Key())
	if err := s.writeSources(); err != nil {
		s.Registry.Add(repo)
		return types.Repository{}, err
	}
	s.evict(ctx, repo, archs)
	log.Ctx(ctx).Info().Str("repo", repo.Key()).Msg("repository removed")
	return repo, nil
}

// evict forgets everything cached for repo. Files in a cache directory
// shared with another repository are only removed when they belong to repo
// alone.
// packagesHashKeys lists every hash cache key a sync of repo can have
// recorded: each architecture it served, each extension and each algorithm.
func (s Service) packagesHashKeys(repo types.Repository, archs []types.Architecture) []ports.HashKey {
	candidates := append([]types.Architecture{}, archs...)
	if repo.PreferredArch.Known() {
		candidates = append(candidates, repo.PreferredArch)
	}
	if repo.IsFlat() {
		candidates = []types.Architecture{repo.PreferredArch}
	}
	var keys []ports.HashKey
	seen := map[string]struct{}{}
	for _, arch := range candidates {
		for _, ext := range s.Decompressor.SupportedExtensions() {
			url := PackagesFileURL(repo, arch, ext)
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			for _, algo := range types.HashAlgorithms {
				keys = append(keys, ports.HashKey{Algorithm: algo, URL: url})
			}
		}
	}
	return keys
}

func (s Service) evict(ctx context.Context, repo types.Repository, archs []types.Architecture) {
	logger := log.Ctx(ctx)
	for _, key := range []string{preferredArchKey(repo), nameKey(repo)} {
		if err := s.State.Delete(key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("failed to delete repository state")
		}
	}
	if err := s.HashCache.Forget(s.packagesHashKeys(repo, archs)...); err != nil {
		logger.Warn().Err(err).Msg("failed to forget packages hashes")
	}
	shared := false
	for _, other := range s.Registry.List() {
		if core.CachePrefix(other) == core.CachePrefix(repo) {
			shared = true
			break
		}
	}
	if !shared {
		if err := s.Files.Remove(s.Layout.RepoDir(repo)); err != nil {
			logger.Warn().Err(err).Msg("failed to remove cached files")
		}
		return
	}
	for _, arch := range archs {
		_ = s.Files.Remove(s.Layout.Packages(repo, arch))
	}
	if repo.PreferredArch.Known() {
		_ = s.Files.Remove(s.Layout.Packages(repo, repo.PreferredArch))
	}
}

func (s Service) writeSources() error {
	var repos []types.Repository
	for _, repo := range s.Registry.List() {
		if s.writable(repo) {
			repos = append(repos, repo)
		}
	}
	return s.Sources.Write(s.Config.SourcesWrite, repos)
}

func (s Service) writable(repo types.Repository) bool {
	write := strings.TrimSpace(s.Config.SourcesWrite)
	return write != "" && repo.EntryFile != "" && filepath.Clean(repo.EntryFile) == filepath.Clean(write)
}

func containsString(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
