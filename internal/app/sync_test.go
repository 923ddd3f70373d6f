package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aptsync/internal/ports"
	"aptsync/internal/types"
	"aptsync/tests/testutil"
)

func newTestService(t *testing.T, mutate func(*types.Config)) Service {
	t.Helper()
	cfg := types.Config{
		CacheDir: t.TempDir(),
		Host:     types.NewHostArchitectures("amd64", nil),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)
	return service
}

func structuredRepo(server *testutil.AptServer) types.Repository {
	return types.Repository{RawURL: server.URL(), Suite: "stable", Components: []string{"main"}}
}

func addRepo(t *testing.T, service Service, repo types.Repository) string {
	t.Helper()
	require.True(t, service.Registry.Add(repo))
	return repo.Key()
}

var fooPackages = testutil.PackagesFile(
	testutil.Package{Name: "foo", Version: "1.0", Arch: "amd64"},
	testutil.Package{Name: "bar", Version: "2.0", Arch: "all", Fields: map[string]string{"Description": "bar tool"}},
)

// ---------------------------------------------------------------------------
// happy path and idempotence
// ---------------------------------------------------------------------------

func TestSyncStructuredRepository(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "xz")
	service := newTestService(t, nil)
	repo := structuredRepo(server)
	key := addRepo(t, service, repo)

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.True(t, summary.Changed)
	assert.Equal(t, 1, summary.ReposUpdated)
	assert.False(t, summary.HadErrors)
	assert.Empty(t, summary.Diagnostics)
	want := []types.RepositoryOutcome{{Repository: key, State: types.SyncStateCommitted, Changed: true, Packages: 2}}
	if diff := cmp.Diff(want, summary.Outcomes); diff != "" {
		t.Fatalf("unexpected outcomes (-want +got):\n%s", diff)
	}

	catalog := service.Registry.Catalog(key)
	foo, ok := catalog.Preferred("foo")
	require.True(t, ok)
	assert.Equal(t, "1.0", foo.Version)
	bar, ok := catalog.Preferred("bar")
	require.True(t, ok)
	assert.Equal(t, types.Architecture("amd64"), bar.Architecture)

	stored, ok := service.Registry.Get(key)
	require.True(t, ok)
	assert.Equal(t, "Test Origin", stored.Name)
	assert.Equal(t, types.Architecture("amd64"), stored.PreferredArch)
	assert.Equal(t, types.SyncStateCommitted, service.Registry.State(key))
	progress, _ := service.Registry.Progress(key)
	assert.Equal(t, types.Progress{}, progress, "progress resets after a sync")

	value, ok, err := service.State.Load(preferredArchKey(repo))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "amd64", value)

	data, err := os.ReadFile(service.Layout.Packages(repo, "amd64"))
	require.NoError(t, err)
	assert.Equal(t, string(fooPackages), string(data), "cached file is decompressed")
	assert.FileExists(t, service.Layout.Release(repo))
	assert.NoFileExists(t, service.Layout.ReleaseSignature(repo))

	hash, ok := service.HashCache.Lookup(ports.HashKey{Algorithm: types.HashSHA512, URL: PackagesFileURL(repo, "amd64", "xz")})
	require.True(t, ok)
	assert.NotEmpty(t, hash)

	entries, err := os.ReadDir(service.Config.PartialDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no temporary files left behind")
}

func TestSyncIsIdempotent(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "gz")
	service := newTestService(t, nil)
	key := addRepo(t, service, structuredRepo(server))

	_, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(1), server.PackagesDownloads())

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.False(t, summary.Changed)
	assert.Equal(t, 0, summary.ReposUpdated)
	assert.Equal(t, int64(1), server.PackagesDownloads(), "second sync must not download packages")
	assert.Equal(t, 2, service.Registry.Catalog(key).Len())

	summary, err = service.Sync(context.Background(), SyncRequest{Force: true})
	require.NoError(t, err)
	assert.True(t, summary.Changed)
	assert.Equal(t, int64(2), server.PackagesDownloads(), "force bypasses change detection")
}

func TestSyncReloadsUnchangedCacheWhenCatalogMissing(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	cacheDir := t.TempDir()
	first := newTestService(t, func(cfg *types.Config) { cfg.CacheDir = cacheDir })
	addRepo(t, first, structuredRepo(server))
	_, err := first.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)

	second := newTestService(t, func(cfg *types.Config) { cfg.CacheDir = cacheDir })
	key := addRepo(t, second, structuredRepo(server))
	summary, err := second.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.True(t, summary.Changed, "catalog was rebuilt from the cached file")
	assert.Equal(t, int64(1), server.PackagesDownloads())
	assert.Equal(t, 2, second.Registry.Catalog(key).Len())
}

// ---------------------------------------------------------------------------
// extension fallthrough and flat repositories
// ---------------------------------------------------------------------------

func TestSyncFallsThroughMissingExtensions(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "gz")
	service := newTestService(t, nil)
	key := addRepo(t, service, structuredRepo(server))

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.False(t, summary.HadErrors)
	for _, ext := range []string{"zst", "xz", "lzma", "bz2", "gz"} {
		assert.Equal(t, 1, server.Hits("dists/stable/main/binary-amd64/Packages."+ext), ext)
	}
	assert.Equal(t, 0, server.Hits("dists/stable/main/binary-amd64/Packages"), "plain file never tried")
	assert.Equal(t, 2, service.Registry.Catalog(key).Len())
}

func TestSyncNoPackagesFile(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.SetFile("dists/stable/Release", testutil.Release([]string{"amd64"}, []string{"main"}, nil))
	service := newTestService(t, nil)
	key := addRepo(t, service, structuredRepo(server))

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.True(t, summary.HadErrors)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureNoPackagesFile, summary.Outcomes[0].Kind)
	assert.Equal(t, types.SyncStateErrored, service.Registry.State(key))
	require.Len(t, summary.Diagnostics, 1)
	assert.Equal(t, types.SeverityError, summary.Diagnostics[0].Severity)
}

func TestSyncFlatRepository(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishFlat(t, fooPackages, "", []string{"amd64", "arm64"})
	service := newTestService(t, nil)
	repo := types.Repository{RawURL: server.URL(), Suite: types.FlatSuite}
	key := addRepo(t, service, repo)

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.False(t, summary.HadErrors, "%v", summary.Diagnostics)
	assert.Equal(t, 1, server.Hits("Packages"))
	assert.Equal(t, 0, server.Hits("dists/stable/Release"))
	assert.Equal(t, 2, service.Registry.Catalog(key).Len())
	assert.Equal(t, "Packages", filepath.Base(service.Layout.Packages(repo, "amd64")))

	_, err = service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), server.PackagesDownloads())
}

// ---------------------------------------------------------------------------
// failures
// ---------------------------------------------------------------------------

func TestSyncUnsupportedArchitecture(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"i386": fooPackages}, "")
	service := newTestService(t, nil)
	key := addRepo(t, service, structuredRepo(server))

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureMalformedMetadata, summary.Outcomes[0].Kind)
	assert.True(t, summary.HadErrors)
	assert.Equal(t, 0, server.Hits("dists/stable/main/binary-i386/Packages"))
	assert.True(t, service.Registry.Catalog(key).Empty())
}

func TestSyncWarnsOnExpiredRelease(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "gz")
	release := server.File("dists/stable/Release")
	server.SetFile("dists/stable/Release", append(release, []byte("Valid-Until: Sat, 21 Jun 2025 10:30:00 UTC\n")...))
	service := newTestService(t, nil)
	service.Clock = func() time.Time { return time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC) }
	key := addRepo(t, service, structuredRepo(server))

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.False(t, summary.HadErrors, "an expired release only warns")
	assert.Equal(t, 1, summary.ReposUpdated)
	require.Len(t, summary.Diagnostics, 1)
	assert.Equal(t, types.SeverityWarning, summary.Diagnostics[0].Severity)
	assert.Equal(t, key, summary.Diagnostics[0].Repository)
	assert.Contains(t, summary.Diagnostics[0].Message, "expired")
}

func dropArchitectures(release []byte) []byte {
	var kept []string
	for _, line := range strings.Split(string(release), "\n") {
		if strings.HasPrefix(line, "Architectures:") {
			continue
		}
		kept = append(kept, line)
	}
	return []byte(strings.Join(kept, "\n"))
}

func TestSyncReleaseWithoutArchitectures(t *testing.T) {
	synced := testutil.NewAptServer(t)
	synced.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "gz")
	fresh := testutil.NewAptServer(t)
	fresh.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "gz")
	fresh.SetFile("dists/stable/Release", dropArchitectures(fresh.File("dists/stable/Release")))

	service := newTestService(t, nil)
	syncedRepo := structuredRepo(synced)
	syncedKey := addRepo(t, service, syncedRepo)
	_, err := service.Sync(context.Background(), SyncRequest{Repositories: []string{syncedKey}})
	require.NoError(t, err)
	before := service.Registry.Catalog(syncedKey)
	require.False(t, before.Empty())
	cached, err := os.ReadFile(service.Layout.Packages(syncedRepo, "amd64"))
	require.NoError(t, err)

	synced.SetFile("dists/stable/Release", dropArchitectures(synced.File("dists/stable/Release")))
	freshKey := addRepo(t, service, structuredRepo(fresh))

	summary, err := service.Sync(context.Background(), SyncRequest{Force: true})
	require.NoError(t, err)
	assert.True(t, summary.HadErrors)
	assert.False(t, summary.Changed)
	require.Len(t, summary.Outcomes, 2)
	for _, outcome := range summary.Outcomes {
		assert.Equal(t, types.SyncStateErrored, outcome.State, outcome.Repository)
		assert.Equal(t, types.FailureMalformedMetadata, outcome.Kind, outcome.Repository)
	}
	assert.Equal(t, types.SyncStateErrored, service.Registry.State(syncedKey))
	assert.Same(t, before, service.Registry.Catalog(syncedKey), "previous catalog is kept")
	after, err := os.ReadFile(service.Layout.Packages(syncedRepo, "amd64"))
	require.NoError(t, err)
	assert.Equal(t, cached, after)
	assert.True(t, service.Registry.Catalog(freshKey).Empty())
	assert.Equal(t, int64(0), fresh.PackagesDownloads())
}

func TestSyncMissingRelease(t *testing.T) {
	server := testutil.NewAptServer(t)
	service := newTestService(t, nil)
	key := addRepo(t, service, structuredRepo(server))

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureNetwork, summary.Outcomes[0].Kind)

	stored, ok := service.Registry.Get(key)
	require.True(t, ok)
	want := []types.Diagnostic{{
		Severity:   types.SeverityError,
		Repository: key,
		Message:    stored.DisplayName() + ": " + string(types.FailureNetwork) + ": release not found",
	}}
	if diff := cmp.Diff(want, summary.Diagnostics); diff != "" {
		t.Fatalf("unexpected diagnostics (-want +got):\n%s", diff)
	}
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name: "errbuilder message inside sync error",
			err: types.NewSyncError(types.FailureNoPackagesFile, errbuilder.New().
				WithCode(errbuilder.CodeNotFound).
				WithMsg("no packages file found").
				WithCause(errors.New("status=404"))),
			expected: "no packages file found",
		},
		{
			name:     "plain cause drops the kind prefix",
			err:      types.NewSyncError(types.FailureNetwork, errors.New("connection reset")),
			expected: "connection reset",
		},
		{
			name:     "bare error",
			err:      errors.New("boom"),
			expected: "boom",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, failureMessage(tt.err))
		})
	}
}

func TestSyncHashMismatch(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "gz")
	tampered := testutil.Compress(t, testutil.PackagesFile(testutil.Package{Name: "evil", Version: "6.6.6"}), "gz")
	server.SetFile("dists/stable/main/binary-amd64/Packages.gz", tampered)
	service := newTestService(t, nil)
	repo := structuredRepo(server)
	key := addRepo(t, service, repo)

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureHashMismatch, summary.Outcomes[0].Kind)
	assert.True(t, summary.HadErrors)
	_, ok := service.Registry.Catalog(key).Preferred("evil")
	assert.False(t, ok)
	assert.NoFileExists(t, service.Layout.Packages(repo, "amd64"))
	assert.NoFileExists(t, service.Layout.Release(repo), "nothing committed")
}

func TestSyncDecompressionFailureLeavesCacheIntact(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "xz")
	service := newTestService(t, nil)
	repo := structuredRepo(server)
	key := addRepo(t, service, repo)

	_, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	releaseBefore, err := os.ReadFile(service.Layout.Release(repo))
	require.NoError(t, err)
	packagesBefore, err := os.ReadFile(service.Layout.Packages(repo, "amd64"))
	require.NoError(t, err)
	catalogBefore := service.Registry.Catalog(key)

	corrupt := []byte("this is not an xz stream")
	server.SetFile("dists/stable/main/binary-amd64/Packages.xz", corrupt)
	server.Touch("dists/stable/main/binary-amd64/Packages.xz")
	server.SetFile("dists/stable/Release", testutil.Release([]string{"amd64"}, []string{"main"}, map[string][]byte{
		"main/binary-amd64/Packages.xz": corrupt,
	}))

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureCorruptArchive, summary.Outcomes[0].Kind)
	assert.Equal(t, 2, summary.Outcomes[0].Packages)

	releaseAfter, err := os.ReadFile(service.Layout.Release(repo))
	require.NoError(t, err)
	assert.Equal(t, string(releaseBefore), string(releaseAfter))
	packagesAfter, err := os.ReadFile(service.Layout.Packages(repo, "amd64"))
	require.NoError(t, err)
	assert.Equal(t, string(packagesBefore), string(packagesAfter))
	assert.Same(t, catalogBefore, service.Registry.Catalog(key))
}

// notModifiedFetcher answers 304 for every Packages variant.
type notModifiedFetcher struct {
	ports.FetcherPort
}

func (f notModifiedFetcher) Fetch(ctx context.Context, request ports.FetchRequest) (ports.FetchResult, error) {
	if strings.Contains(request.URL, "/Packages") {
		return ports.FetchResult{Status: types.FetchStatusNotModified, URL: request.URL}, nil
	}
	return f.FetcherPort.Fetch(ctx, request)
}

func TestSyncNotModifiedWithoutCacheIsInconsistent(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	service := newTestService(t, nil)
	service.Fetcher = notModifiedFetcher{FetcherPort: service.Fetcher}
	addRepo(t, service, structuredRepo(server))

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureInconsistentCache, summary.Outcomes[0].Kind)
}

func TestSyncCancelled(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	server.SetDelay(5 * time.Second)
	service := newTestService(t, nil)
	key := addRepo(t, service, structuredRepo(server))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	started := time.Now()
	summary, err := service.Sync(ctx, SyncRequest{})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 3*time.Second)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureCancelled, summary.Outcomes[0].Kind)
	assert.False(t, summary.HadErrors, "cancellation is not an error")
	assert.Empty(t, summary.Diagnostics)
	assert.True(t, service.Registry.Catalog(key).Empty())
}

func TestFetchOrchestratorTimeout(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	server.SetDelay(2 * time.Second)
	service := newTestService(t, nil)
	fetch := NewFetchOrchestrator(service.Fetcher, service.Files, service.Decompressor.SupportedExtensions(), 50*time.Millisecond)

	_, err := fetch.FetchRelease(context.Background(), structuredRepo(server), nil)
	require.Error(t, err)
	assert.Equal(t, types.FailureTimeout, types.KindOf(err))
}

func TestFetchOrchestratorPackagesTimeoutBoundsAllExtensions(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "gz")
	server.SetPackagesDelay(5 * time.Second)
	service := newTestService(t, nil)
	fetch := NewFetchOrchestrator(service.Fetcher, service.Files, service.Decompressor.SupportedExtensions(), 200*time.Millisecond)

	started := time.Now()
	_, err := fetch.FetchPackages(context.Background(), structuredRepo(server), "amd64", time.Time{}, nil)
	require.Error(t, err)
	assert.Equal(t, types.FailureTimeout, types.KindOf(err))
	assert.Less(t, time.Since(started), time.Second, "one deadline covers every extension")
}

func TestSyncPackagesTimeout(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "gz")
	server.SetPackagesDelay(10 * time.Second)
	service := newTestService(t, func(cfg *types.Config) { cfg.TimeoutBackgroundSec = 1 })
	key := addRepo(t, service, structuredRepo(server))

	started := time.Now()
	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 3*time.Second)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureTimeout, summary.Outcomes[0].Kind)
	assert.True(t, summary.HadErrors)
	assert.Equal(t, 0, server.Hits("dists/stable/main/binary-amd64/Packages.gz"), "no fallthrough after a timeout")
	assert.True(t, service.Registry.Catalog(key).Empty())
}

// ---------------------------------------------------------------------------
// concurrency, events and multi-arch
// ---------------------------------------------------------------------------

func TestSyncManyRepositoriesPublishesEvents(t *testing.T) {
	service := newTestService(t, func(cfg *types.Config) { cfg.Workers = 3 })
	var keys []string
	for i := 0; i < 5; i++ {
		server := testutil.NewAptServer(t)
		server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "zst")
		keys = append(keys, addRepo(t, service, structuredRepo(server)))
	}
	broken := testutil.NewAptServer(t)
	brokenKey := addRepo(t, service, structuredRepo(broken))

	events, unsubscribe := service.Subscribe(16)
	defer unsubscribe()
	summary, err := service.Sync(context.Background(), SyncRequest{UserInitiated: true})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.ReposUpdated)
	assert.True(t, summary.HadErrors)
	require.Len(t, summary.Outcomes, 6)

	seen := map[string]types.SyncEvent{}
	for i := 0; i < 6; i++ {
		select {
		case event := <-events:
			seen[event.Repository] = event
		case <-time.After(time.Second):
			t.Fatalf("expected 6 events, got %d", len(seen))
		}
	}
	for _, key := range keys {
		assert.Equal(t, types.SyncStateCommitted, seen[key].State)
		assert.True(t, seen[key].Changed)
	}
	assert.Equal(t, types.SyncStateErrored, seen[brokenKey].State)
	assert.Equal(t, types.FailureNetwork, seen[brokenKey].Kind)
}

func TestSyncSelectedRepositories(t *testing.T) {
	first := testutil.NewAptServer(t)
	first.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	second := testutil.NewAptServer(t)
	second.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	service := newTestService(t, nil)
	addRepo(t, service, structuredRepo(first))
	repo := structuredRepo(second)
	addRepo(t, service, repo)

	summary, err := service.Sync(context.Background(), SyncRequest{Repositories: []string{repo.ID()}})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, repo.Key(), summary.Outcomes[0].Repository)
	assert.Equal(t, 0, first.Hits("dists/stable/Release"))

	_, err = service.Sync(context.Background(), SyncRequest{Repositories: []string{"unknown"}})
	require.Error(t, err)
}

func TestSyncMultiArch(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{
		"amd64": testutil.PackagesFile(testutil.Package{Name: "tool", Version: "1.0", Arch: "amd64"}),
		"i386": testutil.PackagesFile(
			testutil.Package{Name: "tool", Version: "2.0", Arch: "i386"},
			testutil.Package{Name: "lib32", Version: "0.1", Arch: "i386"},
		),
		"arm64": testutil.PackagesFile(testutil.Package{Name: "tool", Version: "3.0", Arch: "arm64"}),
	}, "gz")
	service := newTestService(t, func(cfg *types.Config) {
		cfg.Host = types.NewHostArchitectures("amd64", []string{"i386"})
		cfg.MultiArch = true
	})
	repo := structuredRepo(server)
	key := addRepo(t, service, repo)

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	require.False(t, summary.HadErrors, "%v", summary.Diagnostics)
	assert.Equal(t, []types.Architecture{"amd64", "i386"}, service.Registry.Architectures(key))
	assert.Equal(t, 0, server.Hits("dists/stable/main/binary-arm64/Packages.gz"))

	catalog := service.Registry.Catalog(key)
	preferred, ok := catalog.Preferred("tool")
	require.True(t, ok)
	assert.Equal(t, "1.0", preferred.Version)
	newest, ok := catalog.Newest("tool")
	require.True(t, ok)
	assert.Equal(t, "2.0", newest.Version)
	_, ok = catalog.Preferred("lib32")
	assert.True(t, ok)
	assert.FileExists(t, service.Layout.Packages(repo, "i386"))
}

// failingReplaceStore refuses to move a new file onto dst.
type failingReplaceStore struct {
	ports.FileStorePort
	dst string
}

func (f failingReplaceStore) Replace(src string, dst string) error {
	if dst == f.dst && !strings.HasSuffix(src, ".prev") {
		return errors.New("no space left on device")
	}
	return f.FileStorePort.Replace(src, dst)
}

func TestSyncCommitIsAllOrNothing(t *testing.T) {
	publish := func(server *testutil.AptServer, version string) {
		server.PublishStructured(t, "stable", "main", map[string][]byte{
			"amd64": testutil.PackagesFile(testutil.Package{Name: "tool", Version: version, Arch: "amd64"}),
			"i386":  testutil.PackagesFile(testutil.Package{Name: "tool", Version: version, Arch: "i386"}),
		}, "gz")
	}
	tests := []struct {
		name   string
		failOn func(service Service, repo types.Repository) string
	}{
		{name: "second architecture", failOn: func(service Service, repo types.Repository) string { return service.Layout.Packages(repo, "i386") }},
		{name: "release", failOn: func(service Service, repo types.Repository) string { return service.Layout.Release(repo) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			server := testutil.NewAptServer(t)
			publish(server, "1.0")
			service := newTestService(t, func(cfg *types.Config) {
				cfg.Host = types.NewHostArchitectures("amd64", []string{"i386"})
				cfg.MultiArch = true
			})
			repo := structuredRepo(server)
			key := addRepo(t, service, repo)
			summary, err := service.Sync(context.Background(), SyncRequest{})
			require.NoError(t, err)
			require.False(t, summary.HadErrors, "%v", summary.Diagnostics)

			paths := []string{
				service.Layout.Packages(repo, "amd64"),
				service.Layout.Packages(repo, "i386"),
				service.Layout.Release(repo),
			}
			want := map[string]string{}
			for _, path := range paths {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				want[path] = string(data)
			}
			before := service.Registry.Catalog(key)

			publish(server, "2.0")
			service.Files = failingReplaceStore{FileStorePort: service.Files, dst: tt.failOn(service, repo)}
			summary, err = service.Sync(context.Background(), SyncRequest{Force: true})
			require.NoError(t, err)
			require.Len(t, summary.Outcomes, 1)
			assert.Equal(t, types.FailureInconsistentCache, summary.Outcomes[0].Kind)
			assert.Same(t, before, service.Registry.Catalog(key))

			got := map[string]string{}
			for _, path := range paths {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				got[path] = string(data)
				assert.NoFileExists(t, path+".prev")
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("unexpected cache contents (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSyncPrunesStaleCacheEntries(t *testing.T) {
	server := testutil.NewAptServer(t)
	server.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	service := newTestService(t, nil)
	repo := structuredRepo(server)
	addRepo(t, service, repo)

	stale := filepath.Join(service.Config.ListsDir(), "old.example.com_debian_dists_stable_", "Release")
	stray := filepath.Join(service.Layout.RepoDir(repo), "main_binary-i386_Packages")
	for _, path := range []string{stale, stray} {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}

	_, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Dir(stale))
	assert.NoFileExists(t, stray)
	assert.FileExists(t, service.Layout.Packages(repo, "amd64"))
}

// ---------------------------------------------------------------------------
// signatures
// ---------------------------------------------------------------------------

func signingKeyring(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()
	entity, err := openpgp.NewEntity("Repo Signer", "", "signer@example.com", nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())
	return entity, testutil.WriteFile(t, t.TempDir(), "keyring.asc", buf.String())
}

func signRelease(t *testing.T, server *testutil.AptServer, signer *openpgp.Entity, releasePath string, data []byte) {
	t.Helper()
	var sig bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sig, signer, bytes.NewReader(data), nil))
	server.SetFile(releasePath+".gpg", sig.Bytes())
}

func TestSyncVerifiesSignatures(t *testing.T) {
	signer, keyring := signingKeyring(t)
	service := newTestService(t, func(cfg *types.Config) {
		cfg.VerifySignatures = true
		cfg.Keyrings = []string{keyring}
	})

	signed := testutil.NewAptServer(t)
	signed.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	release := testutil.Release([]string{"amd64"}, []string{"main"}, map[string][]byte{"main/binary-amd64/Packages": fooPackages})
	signed.SetFile("dists/stable/Release", release)
	signRelease(t, signed, signer, "dists/stable/Release", release)
	signedRepo := structuredRepo(signed)
	addRepo(t, service, signedRepo)

	forged := testutil.NewAptServer(t)
	forged.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	signRelease(t, forged, signer, "dists/stable/Release", []byte("some other content"))
	forgedRepo := structuredRepo(forged)
	addRepo(t, service, forgedRepo)

	unsigned := testutil.NewAptServer(t)
	unsigned.PublishStructured(t, "stable", "main", map[string][]byte{"amd64": fooPackages}, "")
	unsignedRepo := structuredRepo(unsigned)
	addRepo(t, service, unsignedRepo)

	summary, err := service.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	outcomes := map[string]types.RepositoryOutcome{}
	for _, outcome := range summary.Outcomes {
		outcomes[outcome.Repository] = outcome
	}
	assert.Equal(t, types.SyncStateCommitted, outcomes[signedRepo.Key()].State)
	assert.FileExists(t, service.Layout.ReleaseSignature(signedRepo))
	assert.Equal(t, types.FailureSignature, outcomes[forgedRepo.Key()].Kind)
	assert.NoFileExists(t, service.Layout.Release(forgedRepo))
	assert.Equal(t, types.SyncStateCommitted, outcomes[unsignedRepo.Key()].State)

	var warnings int
	for _, diag := range summary.Diagnostics {
		if diag.Severity == types.SeverityWarning && diag.Repository == unsignedRepo.Key() {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "unsigned repository is a warning")
	assert.True(t, summary.HadErrors, "forged signature")

	// A repository that was signed must stay signed.
	signed.RemoveFile("dists/stable/Release.gpg")
	summary, err = service.Sync(context.Background(), SyncRequest{Repositories: []string{signedRepo.Key()}})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.FailureSignature, summary.Outcomes[0].Kind)
}

func TestNewServiceSignatureConfig(t *testing.T) {
	_, err := NewService(types.Config{CacheDir: t.TempDir(), VerifySignatures: true})
	require.Error(t, err, "verification without keys")
	_, err = NewService(types.Config{})
	require.Error(t, err, "cache dir required")
}

func TestWorkerCount(t *testing.T) {
	service := newTestService(t, nil)
	assert.Equal(t, 1, service.workerCount(1, SyncRequest{}))
	assert.Equal(t, 2, service.workerCount(10, SyncRequest{Workers: 2}))
	assert.Equal(t, 3, service.workerCount(3, SyncRequest{UserInitiated: true}))
	assert.Equal(t, defaultUserTimeout, service.timeout(true))
	assert.Equal(t, defaultBackgroundTimeout, service.timeout(false))
}
