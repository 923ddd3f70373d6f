package core

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"aptsync/internal/types"
)

// FileHash is one checksum row of a Release file.
type FileHash struct {
	Hash string
	Size int64
	Path string
}

// Release is the subset of a Release file the sync relies on.
type Release struct {
	Origin        string
	Label         string
	Suite         string
	Codename      string
	Architectures []types.Architecture
	Components    []string
	Date          time.Time
	ValidUntil    time.Time
	Hashes        map[types.HashAlgorithm][]FileHash
	Fields        Stanza
}

// ParseRelease validates the fields every Release must carry. The
// components field must be present; only flat repositories may leave it
// empty.
func ParseRelease(text string, flat bool) (Release, error) {
	stanza, _, err := ParseStanza(text, StanzaKindRelease)
	if err != nil {
		return Release{}, types.NewSyncError(types.FailureMalformedMetadata, err)
	}
	release := Release{
		Origin:     stanza["origin"],
		Label:      stanza["label"],
		Suite:      stanza["suite"],
		Codename:   stanza["codename"],
		Date:       parseReleaseTime(stanza["date"]),
		ValidUntil: parseReleaseTime(stanza["valid-until"]),
		Hashes:     map[types.HashAlgorithm][]FileHash{},
		Fields:     stanza,
	}
	rawArchs, ok := stanza["architectures"]
	if !ok {
		rawArchs, ok = stanza["architecture"]
	}
	for _, field := range strings.Fields(rawArchs) {
		release.Architectures = append(release.Architectures, types.ParseArchitecture(field))
	}
	if !ok || len(release.Architectures) == 0 {
		return Release{}, types.NewSyncError(types.FailureMalformedMetadata, fmt.Errorf("release declares no architectures"))
	}
	rawComponents, ok := stanza["components"]
	if !ok {
		return Release{}, types.NewSyncError(types.FailureMalformedMetadata, fmt.Errorf("release has no components field"))
	}
	release.Components = strings.Fields(rawComponents)
	if len(release.Components) == 0 && !flat {
		return Release{}, types.NewSyncError(types.FailureMalformedMetadata, fmt.Errorf("release lists no components"))
	}
	for _, algo := range types.HashAlgorithms {
		block, ok := stanza[string(algo)]
		if !ok {
			continue
		}
		release.Hashes[algo] = parseHashRows(block)
	}
	return release, nil
}

func parseHashRows(block string) []FileHash {
	var rows []FileHash
	for _, line := range strings.Split(block, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, FileHash{Hash: strings.ToLower(fields[0]), Size: size, Path: fields[2]})
	}
	return rows
}

// SupportedHashes lists the algorithms the Release carries, weakest first.
func (r Release) SupportedHashes() []types.HashAlgorithm {
	var out []types.HashAlgorithm
	for _, algo := range types.HashAlgorithms {
		if _, ok := r.Hashes[algo]; ok {
			out = append(out, algo)
		}
	}
	return out
}

// PreferredHash is the algorithm used for the hash cache: sha512 when the
// Release has it, sha256 otherwise.
func (r Release) PreferredHash() types.HashAlgorithm {
	if _, ok := r.Hashes[types.HashSHA512]; ok {
		return types.HashSHA512
	}
	return types.HashSHA256
}

// HashFor returns the row for relPath under algo.
func (r Release) HashFor(algo types.HashAlgorithm, relPath string) (FileHash, bool) {
	for _, row := range r.Hashes[algo] {
		if row.Path == relPath {
			return row, true
		}
	}
	return FileHash{}, false
}

// Verify checks a downloaded file against every algorithm the Release
// carries. A Release without checksums accepts anything.
func (r Release) Verify(relPath string, digests map[types.HashAlgorithm]string) bool {
	for _, algo := range r.SupportedHashes() {
		row, ok := r.HashFor(algo, relPath)
		if !ok || !strings.EqualFold(row.Hash, digests[algo]) {
			return false
		}
	}
	return true
}

// PackagesHashes returns the rows under algo describing Packages files for
// dir (the relative directory of the Packages file), keyed by extension.
func (r Release) PackagesHashes(algo types.HashAlgorithm, dir string) map[string]string {
	out := map[string]string{}
	for _, row := range r.Hashes[algo] {
		rowDir, file := path.Split(row.Path)
		if strings.TrimSuffix(rowDir, "/") != strings.Trim(dir, "/") {
			continue
		}
		if file != "Packages" && !strings.HasPrefix(file, "Packages.") {
			continue
		}
		out[strings.TrimPrefix(strings.TrimPrefix(file, "Packages"), ".")] = row.Hash
	}
	return out
}
