package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aptsync/internal/types"
)

const samplePackages = `Package: alpha
Version: 1.0
Architecture: amd64
Size: 1024
Installed-Size: 4
Maintainer: Someone <someone@example.com>
Description: first package
 long description

Package: beta
Version: 2.0
Architecture: all

this line is broken
Version: 9

Version: 1.0

Package: alpha
Version: 1.1
Architecture: amd64
`

func writePackages(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Packages")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCatalogBuilderBuild(t *testing.T) {
	builder := NewCatalogBuilder(NewVersionComparator())
	repo := types.Repository{RawURL: "http://example.com/debian/", Suite: "stable", Components: []string{"main"}}

	result, err := builder.Build(context.Background(), repo, writePackages(t, samplePackages), "amd64")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Records)
	assert.Equal(t, 2, result.Skipped, "one malformed stanza and one without identifier")

	beta := result.Slice["amd64"]["beta"]["2.0"]
	assert.Equal(t, types.Architecture("amd64"), beta.Architecture, "arch all files under the fetched arch")
	assert.Equal(t, repo.Key(), beta.Repository)

	alpha := result.Slice["amd64"]["alpha"]["1.0"]
	assert.Equal(t, int64(1024), alpha.Size)
	assert.Equal(t, "first package", alpha.Description)
	assert.Equal(t, "Someone <someone@example.com>", alpha.Maintainer)
}

func TestCatalogBuilderBuildErrors(t *testing.T) {
	builder := NewCatalogBuilder(NewVersionComparator())
	repo := types.Repository{RawURL: "http://example.com/debian/", Suite: types.FlatSuite}

	t.Run("missing file", func(t *testing.T) {
		_, err := builder.Build(context.Background(), repo, filepath.Join(t.TempDir(), "nope"), "amd64")
		require.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := builder.Build(ctx, repo, writePackages(t, samplePackages), "amd64")
		require.Error(t, err)
		assert.Equal(t, types.FailureCancelled, types.KindOf(err))
	})
}

func TestCatalogBuilderMergeKeepsOtherArchitectures(t *testing.T) {
	ctx := context.Background()
	builder := NewCatalogBuilder(NewVersionComparator())
	repo := types.Repository{RawURL: "http://example.com/debian/", Suite: "stable", Components: []string{"main"}}

	amd64, err := builder.Build(ctx, repo, writePackages(t, "Package: a\nVersion: 1\nArchitecture: amd64\n"), "amd64")
	require.NoError(t, err)
	arm64, err := builder.Build(ctx, repo, writePackages(t, "Package: a\nVersion: 2\nArchitecture: arm64\n"), "arm64")
	require.NoError(t, err)

	first := builder.Merge(nil, "amd64", amd64, arm64)
	assert.Equal(t, []types.Architecture{"amd64", "arm64"}, first.Architectures())

	updated, err := builder.Build(ctx, repo, writePackages(t, "Package: b\nVersion: 3\nArchitecture: amd64\n"), "amd64")
	require.NoError(t, err)
	second := builder.Merge(first, "amd64", updated)

	_, ok := second.Preferred("b")
	assert.True(t, ok)
	rec, ok := second.Preferred("a")
	require.True(t, ok)
	assert.Equal(t, types.Architecture("arm64"), rec.Architecture, "amd64 slice replaced, arm64 kept")
	_, ok = first.Preferred("b")
	assert.False(t, ok, "existing catalog must not change")
}

func TestCatalogBuilderLoadCached(t *testing.T) {
	builder := NewCatalogBuilder(NewVersionComparator())
	repo := types.Repository{RawURL: "http://example.com/debian/", Suite: "stable", Components: []string{"main"}, PreferredArch: "amd64"}
	catalog, err := builder.LoadCached(context.Background(), repo, writePackages(t, samplePackages), "amd64")
	require.NoError(t, err)
	assert.Equal(t, types.Architecture("amd64"), catalog.PreferredArch())
	rec, ok := catalog.Preferred("alpha")
	require.True(t, ok)
	assert.Equal(t, "1.1", rec.Version)
}
