package core

import (
	"context"
	"os"

	assert "github.com/ZanzyTHEbar/assert-lib"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"aptsync/internal/types"
)

// BuildResult is the parsed content of one Packages file.
type BuildResult struct {
	Arch    types.Architecture
	Slice   CatalogSlice
	Records int
	Skipped int
}

type CatalogBuilder struct {
	versions *VersionComparator
}

func NewCatalogBuilder(versions *VersionComparator) CatalogBuilder {
	return CatalogBuilder{versions: versions}
}

func (b CatalogBuilder) Versions() *VersionComparator {
	return b.versions
}

// Build parses a decompressed Packages file fetched for arch. Stanzas
// without an identifier or version are skipped. Records declaring
// "all" or no architecture are filed under arch.
func (b CatalogBuilder) Build(ctx context.Context, repo types.Repository, path string, arch types.Architecture) (BuildResult, error) {
	assert.NotEmpty(ctx, path, "packages path must be set")
	file, err := os.Open(path)
	if err != nil {
		return BuildResult{}, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("failed to open packages file").
			WithCause(err)
	}
	defer file.Close()

	result := BuildResult{Arch: arch, Slice: CatalogSlice{}}
	key := repo.Key()
	scanner := NewStanzaScanner(file)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return BuildResult{}, types.NewSyncError(types.FailureCancelled, err)
		}
		record, ok := types.NewPackageRecord(scanner.Stanza(), arch, key)
		if !ok {
			result.Skipped++
			continue
		}
		result.Slice.add(record)
		result.Records++
	}
	if err := scanner.Err(); err != nil {
		return BuildResult{}, types.NewSyncError(types.FailureMalformedStanza, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("failed to read packages file").
			WithCause(err))
	}
	result.Skipped += scanner.Skipped()
	log.Ctx(ctx).Debug().
		Str("repo", key).
		Str("arch", arch.String()).
		Int("records", result.Records).
		Int("skipped", result.Skipped).
		Msg("packages parsed")
	return result, nil
}

// Merge replaces the architectures present in results and keeps every
// other architecture of existing. The returned catalog is new; existing is
// not modified.
func (b CatalogBuilder) Merge(existing *Catalog, preferredArch types.Architecture, results ...BuildResult) *Catalog {
	merged := CatalogSlice{}
	replaced := map[types.Architecture]struct{}{}
	for _, result := range results {
		replaced[result.Arch] = struct{}{}
		for arch := range result.Slice {
			replaced[arch] = struct{}{}
		}
	}
	if existing != nil {
		for arch, byID := range existing.packages {
			if _, ok := replaced[arch]; ok {
				continue
			}
			merged[arch] = byID
		}
	}
	for _, result := range results {
		for arch, byID := range result.Slice {
			if merged[arch] == nil {
				merged[arch] = map[string]map[string]types.PackageRecord{}
			}
			for identifier, byVersion := range byID {
				merged[arch][identifier] = byVersion
			}
		}
	}
	return NewCatalog(merged, preferredArch, b.versions)
}

// LoadCached builds a catalog from an already cached Packages file.
func (b CatalogBuilder) LoadCached(ctx context.Context, repo types.Repository, path string, arch types.Architecture) (*Catalog, error) {
	result, err := b.Build(ctx, repo, path, arch)
	if err != nil {
		return nil, err
	}
	return b.Merge(nil, repo.PreferredArch, result), nil
}
