package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"aptsync/internal/types"
)

func TestCachePrefix(t *testing.T) {
	tests := []struct {
		name string
		repo types.Repository
		want string
	}{
		{
			name: "structured",
			repo: types.Repository{RawURL: "http://deb.example.com/debian/", Suite: "stable", Components: []string{"main"}},
			want: "deb.example.com_debian_dists_stable_",
		},
		{
			name: "scheme does not matter",
			repo: types.Repository{RawURL: "https://deb.example.com/debian", Suite: "stable", Components: []string{"main"}},
			want: "deb.example.com_debian_dists_stable_",
		},
		{
			name: "flat",
			repo: types.Repository{RawURL: "https://example.com/repo/", Suite: types.FlatSuite},
			want: "example.com_repo_._",
		},
		{
			name: "underscores escaped",
			repo: types.Repository{RawURL: "https://example.com/my_repo/", Suite: "stable", Components: []string{"main"}},
			want: "example.com_my%5frepo_dists_stable_",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CachePrefix(tt.repo))
		})
	}
}

func TestCacheLayoutPaths(t *testing.T) {
	layout := CacheLayout{ListsDir: "/cache/lists"}
	structured := types.Repository{RawURL: "http://deb.example.com/debian/", Suite: "stable", Components: []string{"main", "contrib"}}
	flat := types.Repository{RawURL: "http://deb.example.com/flat/", Suite: types.FlatSuite}

	dir := filepath.Join("/cache/lists", "deb.example.com_debian_dists_stable_")
	assert.Equal(t, filepath.Join(dir, "Release"), layout.Release(structured))
	assert.Equal(t, filepath.Join(dir, "Release.gpg"), layout.ReleaseSignature(structured))
	assert.Equal(t, filepath.Join(dir, "main_contrib_binary-arm64_Packages"), layout.Packages(structured, "arm64"))
	assert.Equal(t, "Packages", filepath.Base(layout.Packages(flat, "arm64")))

	expected := layout.Expected(structured, []types.Architecture{"amd64", "arm64"})
	assert.Len(t, expected, 4)
	assert.Contains(t, expected, "main_contrib_binary-amd64_Packages")
}
