package app

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"aptsync/internal/core"
	"aptsync/internal/ports"
	"aptsync/internal/types"
)

// Sync refreshes the requested repositories, or all of them. Only one sync
// runs at a time; a second call waits for the first.
func (s Service) Sync(ctx context.Context, req SyncRequest) (types.SyncSummary, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	repos, err := s.selectRepositories(req.Repositories)
	if err != nil {
		return types.SyncSummary{}, err
	}
	summary := types.SyncSummary{}
	if len(repos) == 0 {
		return summary, nil
	}
	fetch := NewFetchOrchestrator(s.Fetcher, s.Files, s.Decompressor.SupportedExtensions(), s.timeout(req.UserInitiated))
	workers := s.workerCount(len(repos), req)

	var (
		queueMu sync.Mutex
		next    int
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	take := func() (types.Repository, bool) {
		queueMu.Lock()
		defer queueMu.Unlock()
		if next >= len(repos) || ctx.Err() != nil {
			return types.Repository{}, false
		}
		repo := repos[next]
		next++
		return repo, true
	}
	log.Ctx(ctx).Info().
		Int("repositories", len(repos)).
		Int("workers", workers).
		Bool("force", req.Force).
		Msg("sync started")
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				repo, ok := take()
				if !ok {
					return
				}
				outcome, diagnostics := s.syncRepository(ctx, fetch, repo, req.Force)
				mu.Lock()
				summary.Outcomes = append(summary.Outcomes, outcome)
				summary.Diagnostics = append(summary.Diagnostics, diagnostics...)
				if outcome.Changed {
					summary.ReposUpdated++
				}
				if outcome.State == types.SyncStateErrored && outcome.Kind != types.FailureCancelled {
					summary.HadErrors = true
				}
				mu.Unlock()
				s.events.publish(ctx, types.SyncEvent{
					Repository: outcome.Repository,
					State:      outcome.State,
					Changed:    outcome.Changed,
					Kind:       outcome.Kind,
				})
			}
		}()
	}
	wg.Wait()

	summary.Changed = summary.ReposUpdated > 0
	sort.Slice(summary.Outcomes, func(i, j int) bool {
		return summary.Outcomes[i].Repository < summary.Outcomes[j].Repository
	})
	if ctx.Err() == nil {
		if err := s.pruneLists(ctx); err != nil {
			summary.Diagnostics = append(summary.Diagnostics, types.Diagnostic{
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("failed to prune cache: %v", err),
			})
		}
	}
	log.Ctx(ctx).Info().
		Int("updated", summary.ReposUpdated).
		Bool("errors", summary.HadErrors).
		Msg("sync finished")
	return summary, nil
}

// failureMessage is the short text of a failure: the message of the
// outermost errbuilder error, or the cause without the kind prefix.
func failureMessage(err error) string {
	var builder *errbuilder.ErrBuilder
	if errors.As(err, &builder) && strings.TrimSpace(builder.Msg) != "" {
		return builder.Msg
	}
	var syncErr *types.SyncError
	if errors.As(err, &syncErr) && syncErr.Err != nil {
		return syncErr.Err.Error()
	}
	return err.Error()
}

func (s Service) selectRepositories(keys []string) ([]types.Repository, error) {
	if len(keys) == 0 {
		return s.Registry.List(), nil
	}
	var repos []types.Repository
	for _, key := range keys {
		repo, ok := s.Registry.Find(key)
		if !ok {
			return nil, errbuilder.New().
				WithCode(errbuilder.CodeNotFound).
				WithMsg("unknown repository " + key)
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

func (s Service) timeout(userInitiated bool) time.Duration {
	if userInitiated {
		if s.Config.TimeoutUserSec > 0 {
			return time.Duration(s.Config.TimeoutUserSec) * time.Second
		}
		return defaultUserTimeout
	}
	if s.Config.TimeoutBackgroundSec > 0 {
		return time.Duration(s.Config.TimeoutBackgroundSec) * time.Second
	}
	return defaultBackgroundTimeout
}

// workerCount is a small multiple of the CPU count, halved for background
// refreshes, and never more than there are repositories.
func (s Service) workerCount(repos int, req SyncRequest) int {
	workers := req.Workers
	if workers <= 0 {
		workers = s.Config.Workers
	}
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
		if req.UserInitiated {
			workers *= 2
		}
	}
	if workers > repos {
		workers = repos
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// sliceSync is the outcome of one architecture's Packages file.
type sliceSync struct {
	arch      types.Architecture
	local     string
	plainPath string
	result    *core.BuildResult
	hashKey   ports.HashKey
	hash      string
}

type signatureFetch struct {
	path  string
	found bool
	err   error
}

// syncRepository runs the per-repository state machine. Nothing on disk or
// in the registry changes before every check has passed.
func (s Service) syncRepository(ctx context.Context, fetch FetchOrchestrator, repo types.Repository, force bool) (types.RepositoryOutcome, []types.Diagnostic) {
	key := repo.Key()
	logger := log.Ctx(ctx).With().Str("repo", key).Logger()
	ctx = logger.WithContext(ctx)
	var temps []string
	defer func() {
		for _, path := range temps {
			_ = s.Files.Remove(path)
		}
		s.Registry.UpdateProgress(key, func(p *types.Progress) { *p = types.Progress{} })
	}()
	var diagnostics []types.Diagnostic
	fail := func(state types.SyncState, err error) (types.RepositoryOutcome, []types.Diagnostic) {
		kind := types.KindOf(err)
		if ctx.Err() != nil {
			kind = types.KindOf(ctx.Err())
		}
		s.Registry.SetState(key, types.SyncStateErrored)
		outcome := types.RepositoryOutcome{
			Repository: key,
			State:      types.SyncStateErrored,
			Kind:       kind,
			Packages:   s.Registry.Catalog(key).Len(),
		}
		if kind == types.FailureCancelled {
			logger.Debug().Str("state", string(state)).Msg("sync cancelled")
			return outcome, diagnostics
		}
		logger.Warn().Err(err).Str("state", string(state)).Str("kind", string(kind)).Msg("sync failed")
		diagnostics = append(diagnostics, types.Diagnostic{
			Severity:   types.SeverityError,
			Repository: key,
			Message:    fmt.Sprintf("%s: %s: %s", repo.DisplayName(), kind, failureMessage(err)),
		})
		return outcome, diagnostics
	}
	s.Registry.SetState(key, types.SyncStateFetchingRelease)
	s.Registry.UpdateProgress(key, func(p *types.Progress) {
		*p = types.Progress{Started: true}
		if s.Signatures == nil {
			p.ReleaseSignature = 1
		}
	})
	releasePath, err := fetch.FetchRelease(ctx, repo, func(f float64) {
		s.Registry.UpdateProgress(key, func(p *types.Progress) { p.Release = f })
	})
	if err != nil {
		return fail(types.SyncStateFetchingRelease, err)
	}
	temps = append(temps, releasePath)
	releaseText, err := os.ReadFile(releasePath)
	if err != nil {
		return fail(types.SyncStateFetchingRelease, types.NewSyncError(types.FailureMalformedMetadata, err))
	}
	release, err := core.ParseRelease(string(releaseText), repo.IsFlat())
	if err != nil {
		return fail(types.SyncStateFetchingRelease, err)
	}
	archs, err := s.selectArchitectures(repo, release)
	if err != nil {
		return fail(types.SyncStateFetchingRelease, err)
	}
	if release.Expired(s.Clock()) {
		diagnostics = append(diagnostics, types.Diagnostic{
			Severity:   types.SeverityWarning,
			Repository: key,
			Message:    fmt.Sprintf("%s release expired on %s", repo.DisplayName(), release.ValidUntil.Format(time.RFC1123)),
		})
	}
	repo = s.rememberRelease(repo, release, archs[0])

	var signature chan signatureFetch
	if s.Signatures != nil {
		signature = make(chan signatureFetch, 1)
		go func() {
			path, found, err := fetch.FetchSignature(ctx, repo, func(f float64) {
				s.Registry.UpdateProgress(key, func(p *types.Progress) { p.ReleaseSignature = f })
			})
			signature <- signatureFetch{path: path, found: found, err: err}
		}()
	}

	s.Registry.SetState(key, types.SyncStateFetchingPackages)
	var slices []sliceSync
	for _, arch := range archs {
		slice, sliceTemps, err := s.syncSlice(ctx, fetch, repo, release, arch, force)
		temps = append(temps, sliceTemps...)
		if err != nil {
			if signature != nil {
				if sig := <-signature; sig.path != "" {
					temps = append(temps, sig.path)
				}
			}
			return fail(s.Registry.State(key), err)
		}
		slices = append(slices, slice)
	}

	signaturePath := ""
	if signature != nil {
		sig := <-signature
		if sig.path != "" {
			temps = append(temps, sig.path)
		}
		path, diag, err := s.checkSignature(ctx, repo, releasePath, sig)
		if err != nil {
			return fail(types.SyncStateFetchingPackages, err)
		}
		if diag != nil {
			diagnostics = append(diagnostics, *diag)
		}
		signaturePath = path
	}

	changed, err := s.commit(ctx, repo, releasePath, signaturePath, slices)
	if err != nil {
		return fail(types.SyncStateParsing, err)
	}
	s.Registry.SetState(key, types.SyncStateCommitted)
	logger.Debug().Bool("changed", changed).Msg("sync committed")
	return types.RepositoryOutcome{
		Repository: key,
		State:      types.SyncStateCommitted,
		Changed:    changed,
		Packages:   s.Registry.Catalog(key).Len(),
	}, diagnostics
}

// selectArchitectures returns the preferred architecture first, followed
// by the other host-supported ones when multi-arch is on.
func (s Service) selectArchitectures(repo types.Repository, release core.Release) ([]types.Architecture, error) {
	preferred := s.Config.Host.Select(release.Architectures)
	if !preferred.Known() {
		return nil, types.NewSyncError(types.FailureMalformedMetadata, errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg("release declares no architecture this host supports").
			WithCause(fmt.Errorf("declared %v", release.Architectures)))
	}
	archs := []types.Architecture{preferred}
	if !s.Config.MultiArch || repo.IsFlat() {
		return archs, nil
	}
	for _, arch := range s.Config.Host.Supported(release.Architectures) {
		if arch != preferred {
			archs = append(archs, arch)
		}
	}
	return archs, nil
}

// rememberRelease persists the chosen architecture and adopts the Release
// origin as display name.
func (s Service) rememberRelease(repo types.Repository, release core.Release, arch types.Architecture) types.Repository {
	key := repo.Key()
	origin := strings.TrimSpace(release.Origin)
	s.Registry.Update(key, func(r *types.Repository) {
		r.PreferredArch = arch
		if origin != "" {
			r.Name = origin
		}
	})
	if err := s.State.Save(preferredArchKey(repo), arch.String()); err != nil {
		log.Warn().Err(err).Str("repo", key).Msg("failed to persist preferred architecture")
	}
	if origin != "" {
		if err := s.State.Save(nameKey(repo), origin); err != nil {
			log.Warn().Err(err).Str("repo", key).Msg("failed to persist repository name")
		}
	}
	repo.PreferredArch = arch
	if origin != "" {
		repo.Name = origin
	}
	return repo
}

func (s Service) syncSlice(ctx context.Context, fetch FetchOrchestrator, repo types.Repository, release core.Release, arch types.Architecture, force bool) (sliceSync, []string, error) {
	key := repo.Key()
	slice := sliceSync{arch: arch, local: s.Layout.Packages(repo, arch)}
	loaded := s.Registry.Loaded(key)
	packagesProgress := func(f float64) {
		s.Registry.UpdateProgress(key, func(p *types.Progress) { p.Packages = f })
	}

	if !force && s.Files.Exists(slice.local) && s.releaseUnchanged(repo, release, arch) {
		log.Ctx(ctx).Debug().Str("arch", arch.String()).Msg("packages hash unchanged in release")
		packagesProgress(1)
		return s.loadUnchanged(ctx, repo, slice, loaded)
	}

	var since time.Time
	if !force {
		if modTime, ok := s.Files.ModTime(slice.local); ok {
			since = modTime
		}
	}
	fetched, err := fetch.FetchPackages(ctx, repo, arch, since, packagesProgress)
	if err != nil {
		return slice, nil, err
	}
	if fetched.Status == types.FetchStatusNotModified {
		if !s.Files.Exists(slice.local) {
			return slice, nil, types.NewSyncError(types.FailureInconsistentCache, errbuilder.New().
				WithCode(errbuilder.CodeFailedPrecondition).
				WithMsg("server reported not modified but no cached packages file exists"))
		}
		packagesProgress(1)
		return s.loadUnchanged(ctx, repo, slice, loaded)
	}
	temps := []string{fetched.Path}

	digests, err := hashFile(fetched.Path)
	if err != nil {
		return slice, temps, types.NewSyncError(types.FailureHashMismatch, err)
	}
	relPath := repo.RelativePath(fetched.URL)
	if !release.Verify(relPath, digests) {
		_ = s.Files.Remove(slice.local)
		return slice, temps, types.NewSyncError(types.FailureHashMismatch, errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg("packages checksum does not match release").
			WithCause(fmt.Errorf("path=%s", relPath)))
	}
	algo := release.PreferredHash()
	slice.hashKey = ports.HashKey{Algorithm: algo, URL: fetched.URL}
	slice.hash = digests[algo]
	if !force && loaded && s.HashCache.ShouldSkip(slice.hashKey, slice.hash, slice.local) {
		log.Ctx(ctx).Debug().Str("arch", arch.String()).Msg("packages content unchanged")
		slice.hash = ""
		return slice, temps, nil
	}

	s.Registry.SetState(key, types.SyncStateDecompressing)
	plain, err := s.Decompressor.Decompress(ctx, fetched.Path, fetched.Ext)
	if err != nil {
		if types.KindOf(err) == types.FailureNetwork {
			err = types.NewSyncError(types.FailureDecompression, err)
		}
		return slice, temps, err
	}
	if plain != fetched.Path {
		temps = append(temps, plain)
	}
	s.Registry.SetState(key, types.SyncStateParsing)
	result, err := s.Builder.Build(ctx, repo, plain, arch)
	if err != nil {
		if types.KindOf(err) == types.FailureNetwork {
			err = types.NewSyncError(types.FailureMalformedStanza, err)
		}
		return slice, temps, err
	}
	slice.plainPath = plain
	slice.result = &result
	return slice, temps, nil
}

// releaseUnchanged compares the Release rows for the expected Packages
// directory with the hashes recorded at the last commit.
func (s Service) releaseUnchanged(repo types.Repository, release core.Release, arch types.Architecture) bool {
	algo := release.PreferredHash()
	dir := path.Dir(repo.RelativePath(repo.PackagesURL(arch)))
	if dir == "." {
		dir = ""
	}
	for ext, hash := range release.PackagesHashes(algo, dir) {
		stored, ok := s.HashCache.Lookup(ports.HashKey{Algorithm: algo, URL: PackagesFileURL(repo, arch, ext)})
		if ok && strings.EqualFold(stored, hash) {
			return true
		}
	}
	return false
}

// loadUnchanged keeps the cached file. The catalog is only rebuilt when
// nothing is in memory yet.
func (s Service) loadUnchanged(ctx context.Context, repo types.Repository, slice sliceSync, loaded bool) (sliceSync, []string, error) {
	if loaded {
		return slice, nil, nil
	}
	s.Registry.SetState(repo.Key(), types.SyncStateParsing)
	result, err := s.Builder.Build(ctx, repo, slice.local, slice.arch)
	if err != nil {
		return slice, nil, err
	}
	slice.result = &result
	return slice, nil, nil
}

// checkSignature returns the verified signature path, a warning for an
// unsigned repository, or a failure.
func (s Service) checkSignature(ctx context.Context, repo types.Repository, releasePath string, sig signatureFetch) (string, *types.Diagnostic, error) {
	stored := s.Files.Exists(s.Layout.ReleaseSignature(repo))
	if sig.err != nil && ctx.Err() != nil {
		return "", nil, sig.err
	}
	if sig.err != nil || !sig.found {
		if stored {
			cause := sig.err
			if cause == nil {
				cause = errors.New("signature no longer published")
			}
			return "", nil, types.NewSyncError(types.FailureSignature, errbuilder.New().
				WithCode(errbuilder.CodeFailedPrecondition).
				WithMsg("previously signed repository has no signature").
				WithCause(cause))
		}
		return "", &types.Diagnostic{
			Severity:   types.SeverityWarning,
			Repository: repo.Key(),
			Message:    fmt.Sprintf("%s is not signed", repo.DisplayName()),
		}, nil
	}
	ok, err := s.Signatures.Verify(ctx, sig.path, releasePath)
	if err != nil {
		return "", nil, types.NewSyncError(types.FailureSignature, err)
	}
	if !ok {
		return "", nil, types.NewSyncError(types.FailureSignature, errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg("invalid release signature"))
	}
	return sig.path, nil, nil
}

// commit moves files into place as one unit, swaps the catalog and finally
// records the new hashes, in that order.
func (s Service) commit(ctx context.Context, repo types.Repository, releasePath string, signaturePath string, slices []sliceSync) (bool, error) {
	key := repo.Key()
	inconsistent := func(err error) error {
		return types.NewSyncError(types.FailureInconsistentCache, err)
	}
	var moves []cacheMove
	for _, slice := range slices {
		if slice.plainPath != "" {
			moves = append(moves, cacheMove{src: slice.plainPath, dst: slice.local})
		}
	}
	moves = append(moves, cacheMove{src: releasePath, dst: s.Layout.Release(repo)})
	if signaturePath != "" {
		moves = append(moves, cacheMove{src: signaturePath, dst: s.Layout.ReleaseSignature(repo)})
	}
	if err := s.install(ctx, moves); err != nil {
		return false, inconsistent(err)
	}
	if signaturePath == "" && s.Signatures == nil {
		_ = s.Files.Remove(s.Layout.ReleaseSignature(repo))
	}

	var results []core.BuildResult
	var archs []types.Architecture
	for _, slice := range slices {
		archs = append(archs, slice.arch)
		if slice.result != nil {
			results = append(results, *slice.result)
		}
	}
	changed := len(results) > 0
	if changed {
		catalog := s.Builder.Merge(s.Registry.Catalog(key), repo.PreferredArch, results...)
		s.Registry.SetCatalog(key, catalog, archs)
	} else {
		s.Registry.SetCatalog(key, s.Registry.Catalog(key), archs)
	}

	for _, slice := range slices {
		if slice.plainPath != "" && slice.hash != "" {
			if err := s.HashCache.Record(slice.hashKey, slice.hash); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("failed to record packages hash")
			}
			continue
		}
		if s.Files.Exists(slice.local) {
			_ = s.Files.Touch(slice.local)
		}
	}
	return changed, nil
}

type cacheMove struct {
	src    string
	dst    string
	backup string
}

// install moves every src over its dst. Either all of them land or the
// files that were there before are put back.
func (s Service) install(ctx context.Context, moves []cacheMove) error {
	done := make([]cacheMove, 0, len(moves))
	for _, move := range moves {
		if s.Files.Exists(move.dst) {
			move.backup = move.dst + ".prev"
			if err := s.Files.Replace(move.dst, move.backup); err != nil {
				s.restore(ctx, done)
				return err
			}
		}
		if err := s.Files.Replace(move.src, move.dst); err != nil {
			s.restore(ctx, append(done, move))
			return err
		}
		done = append(done, move)
	}
	for _, move := range done {
		if move.backup != "" {
			_ = s.Files.Remove(move.backup)
		}
	}
	return nil
}

func (s Service) restore(ctx context.Context, done []cacheMove) {
	for i := len(done) - 1; i >= 0; i-- {
		move := done[i]
		var err error
		if move.backup == "" {
			err = s.Files.Remove(move.dst)
		} else {
			err = s.Files.Replace(move.backup, move.dst)
		}
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("path", move.dst).Msg("failed to restore cached file")
		}
	}
}

// pruneLists removes cache files no configured repository expects.
func (s Service) pruneLists(ctx context.Context) error {
	keep := map[string]map[string]struct{}{}
	for _, repo := range s.Registry.List() {
		dir := core.CachePrefix(repo)
		archs := s.Registry.Architectures(repo.Key())
		if repo.PreferredArch.Known() {
			archs = append(archs, repo.PreferredArch)
		}
		if len(archs) == 0 {
			keep[dir] = nil
			continue
		}
		if names, ok := keep[dir]; ok && names == nil {
			continue
		}
		if keep[dir] == nil {
			keep[dir] = map[string]struct{}{}
		}
		for name := range s.Layout.Expected(repo, archs) {
			keep[dir][name] = struct{}{}
		}
	}
	removed, err := s.Files.Prune(s.Layout.ListsDir, keep)
	for _, path := range removed {
		log.Ctx(ctx).Debug().Str("path", path).Msg("pruned stale cache file")
	}
	return err
}

// hashFile computes every supported digest in one pass.
func hashFile(path string) (map[types.HashAlgorithm]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	h256 := sha256.New()
	h512 := sha512.New()
	if _, err := io.Copy(io.MultiWriter(h256, h512), file); err != nil {
		return nil, err
	}
	return map[types.HashAlgorithm]string{
		types.HashSHA256: hex.EncodeToString(h256.Sum(nil)),
		types.HashSHA512: hex.EncodeToString(h512.Sum(nil)),
	}, nil
}
