package testutil

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// AptServer is an in-memory APT repository served over httptest. It
// honours If-Modified-Since and counts every request per path.
type AptServer struct {
	server *httptest.Server

	mu            sync.Mutex
	files         map[string][]byte
	modTimes      map[string]time.Time
	hits          map[string]int
	delay         time.Duration
	packagesDelay time.Duration

	packagesHits atomic.Int64
}

func NewAptServer(t *testing.T) *AptServer {
	t.Helper()
	s := &AptServer{
		files:    map[string][]byte{},
		modTimes: map[string]time.Time{},
		hits:     map[string]int{},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

// URL is the repository base URI with a trailing slash.
func (s *AptServer) URL() string {
	return s.server.URL + "/"
}

// SetDelay makes every response wait d, or until the request is cancelled.
func (s *AptServer) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetPackagesDelay stalls only Packages requests, leaving Release fast.
func (s *AptServer) SetPackagesDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packagesDelay = d
}

func (s *AptServer) SetFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = "/" + strings.TrimPrefix(path, "/")
	s.files[path] = append([]byte(nil), data...)
	s.modTimes[path] = time.Now().Add(-time.Hour).Truncate(time.Second)
}

// File returns the content currently served at path.
func (s *AptServer) File(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.files["/"+strings.TrimPrefix(path, "/")]...)
}

func (s *AptServer) RemoveFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = "/" + strings.TrimPrefix(path, "/")
	delete(s.files, path)
	delete(s.modTimes, path)
}

// Touch moves the modification time of path into the future, so every
// conditional request sees it as changed.
func (s *AptServer) Touch(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modTimes["/"+strings.TrimPrefix(path, "/")] = time.Now().Add(time.Hour).Truncate(time.Second)
}

func (s *AptServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits["/"+strings.TrimPrefix(path, "/")]
}

// PackagesDownloads counts Packages responses that carried a body.
func (s *AptServer) PackagesDownloads() int64 {
	return s.packagesHits.Load()
}

func (s *AptServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	data, ok := s.files[r.URL.Path]
	modTime := s.modTimes[r.URL.Path]
	delay := s.delay
	if strings.Contains(r.URL.Path, "/Packages") {
		delay += s.packagesDelay
	}
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if since, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !modTime.After(since) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if strings.Contains(r.URL.Path, "/Packages") {
		s.packagesHits.Add(1)
	}
	w.Header().Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	_, _ = w.Write(data)
}

// Package is one stanza of a generated Packages file.
type Package struct {
	Name    string
	Version string
	Arch    string
	Fields  map[string]string
}

func PackagesFile(pkgs ...Package) []byte {
	var b strings.Builder
	for i, pkg := range pkgs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Package: %s\nVersion: %s\n", pkg.Name, pkg.Version)
		if pkg.Arch != "" {
			fmt.Fprintf(&b, "Architecture: %s\n", pkg.Arch)
		}
		keys := make([]string, 0, len(pkg.Fields))
		for key := range pkg.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "%s: %s\n", key, pkg.Fields[key])
		}
	}
	return []byte(b.String())
}

// Compress encodes data for a Packages extension ("" returns data).
func Compress(t *testing.T, data []byte, ext string) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch ext {
	case "":
		return data
	case "gz":
		w := gzip.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "xz":
		w, err := xz.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "zst":
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		t.Fatalf("unsupported test compression %q", ext)
	}
	return buf.Bytes()
}

// Release renders a Release file with SHA256 and SHA512 rows for files,
// keyed by path relative to the Release directory.
func Release(archs []string, components []string, files map[string][]byte) []byte {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var b strings.Builder
	b.WriteString("Origin: Test Origin\nLabel: Test\nSuite: stable\n")
	fmt.Fprintf(&b, "Architectures: %s\n", strings.Join(archs, " "))
	fmt.Fprintf(&b, "Components: %s\n", strings.Join(components, " "))
	if len(paths) > 0 {
		b.WriteString("SHA256:\n")
		for _, path := range paths {
			fmt.Fprintf(&b, " %x %d %s\n", sha256.Sum256(files[path]), len(files[path]), path)
		}
		b.WriteString("SHA512:\n")
		for _, path := range paths {
			fmt.Fprintf(&b, " %x %d %s\n", sha512.Sum512(files[path]), len(files[path]), path)
		}
	}
	return []byte(b.String())
}

// PublishStructured serves dists/<suite>/<component>/binary-<arch>/Packages.<ext>
// for every arch plus a matching Release.
func (s *AptServer) PublishStructured(t *testing.T, suite string, component string, packages map[string][]byte, ext string) {
	t.Helper()
	files := map[string][]byte{}
	var archs []string
	for arch, plain := range packages {
		archs = append(archs, arch)
		name := "Packages"
		if ext != "" {
			name += "." + ext
		}
		rel := fmt.Sprintf("%s/binary-%s/%s", component, arch, name)
		files[rel] = Compress(t, plain, ext)
		s.SetFile("dists/"+suite+"/"+rel, files[rel])
	}
	sort.Strings(archs)
	s.SetFile("dists/"+suite+"/Release", Release(archs, []string{component}, files))
}

// PublishFlat serves Packages.<ext> and Release at the base URI.
func (s *AptServer) PublishFlat(t *testing.T, packages []byte, ext string, archs []string) {
	t.Helper()
	name := "Packages"
	if ext != "" {
		name += "." + ext
	}
	data := Compress(t, packages, ext)
	s.SetFile(name, data)
	s.SetFile("Release", Release(archs, nil, map[string][]byte{name: data}))
}
