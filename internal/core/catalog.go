package core

import (
	"sort"

	"aptsync/internal/types"
)

// CatalogSlice is the raw architecture -> identifier -> version mapping.
type CatalogSlice map[types.Architecture]map[string]map[string]types.PackageRecord

func (s CatalogSlice) add(record types.PackageRecord) {
	arch := record.Architecture
	if s[arch] == nil {
		s[arch] = map[string]map[string]types.PackageRecord{}
	}
	if s[arch][record.Identifier] == nil {
		s[arch][record.Identifier] = map[string]types.PackageRecord{}
	}
	s[arch][record.Identifier][record.Version] = record
}

func (s CatalogSlice) architectures() []types.Architecture {
	archs := make([]types.Architecture, 0, len(s))
	for arch := range s {
		archs = append(archs, arch)
	}
	sort.Slice(archs, func(i, j int) bool { return archs[i] < archs[j] })
	return archs
}

// Catalog is an immutable snapshot of one repository's packages. The
// preferred and newest indices are computed once, in NewCatalog, so readers
// never see one without the other.
type Catalog struct {
	preferredArch types.Architecture
	packages      CatalogSlice
	preferred     map[string]types.PackageRecord
	newest        map[string]types.PackageRecord
	provides      []types.PackageRecord
	versions      *VersionComparator
}

// EmptyCatalog is what a never-synced repository exposes.
func EmptyCatalog() *Catalog {
	return &Catalog{
		packages:  CatalogSlice{},
		preferred: map[string]types.PackageRecord{},
		newest:    map[string]types.PackageRecord{},
	}
}

// NewCatalog takes ownership of packages; callers must not mutate it
// afterwards.
func NewCatalog(packages CatalogSlice, preferredArch types.Architecture, versions *VersionComparator) *Catalog {
	if packages == nil {
		packages = CatalogSlice{}
	}
	c := &Catalog{
		preferredArch: preferredArch,
		packages:      packages,
		preferred:     map[string]types.PackageRecord{},
		newest:        map[string]types.PackageRecord{},
		versions:      versions,
	}
	for _, arch := range packages.architectures() {
		for identifier, byVersion := range packages[arch] {
			for _, version := range sortedVersions(byVersion, versions) {
				record := byVersion[version]
				if current, ok := c.preferred[identifier]; !ok || preferOver(record, current, preferredArch, versions) {
					c.preferred[identifier] = record
				}
				if current, ok := c.newest[identifier]; !ok || versions.Compare(record.Version, current.Version) > 0 {
					c.newest[identifier] = record
				}
			}
		}
	}
	for _, identifier := range sortedKeys(c.preferred) {
		record := c.preferred[identifier]
		if _, ok := record.Field("provides"); ok {
			c.provides = append(c.provides, record)
		}
	}
	return c
}

// preferOver reports whether candidate replaces current as the preferred
// record: a match on the preferred architecture wins outright, otherwise
// the higher version wins and ties keep current.
func preferOver(candidate types.PackageRecord, current types.PackageRecord, preferredArch types.Architecture, versions *VersionComparator) bool {
	candidateMatch := preferredArch.Known() && candidate.Architecture == preferredArch
	currentMatch := preferredArch.Known() && current.Architecture == preferredArch
	if candidateMatch != currentMatch {
		return candidateMatch
	}
	return versions.Compare(candidate.Version, current.Version) > 0
}

func sortedVersions(byVersion map[string]types.PackageRecord, versions *VersionComparator) []string {
	out := make([]string, 0, len(byVersion))
	for version := range byVersion {
		out = append(out, version)
	}
	sort.Strings(out)
	versions.Sort(out)
	return out
}

func sortedKeys(values map[string]types.PackageRecord) []string {
	out := make([]string, 0, len(values))
	for key := range values {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) PreferredArch() types.Architecture {
	return c.preferredArch
}

func (c *Catalog) Len() int {
	return len(c.preferred)
}

func (c *Catalog) Empty() bool {
	return len(c.preferred) == 0
}

func (c *Catalog) Architectures() []types.Architecture {
	return c.packages.architectures()
}

func (c *Catalog) Identifiers() []string {
	return sortedKeys(c.preferred)
}

func (c *Catalog) Preferred(identifier string) (types.PackageRecord, bool) {
	record, ok := c.preferred[identifier]
	return record, ok
}

func (c *Catalog) Newest(identifier string) (types.PackageRecord, bool) {
	record, ok := c.newest[identifier]
	return record, ok
}

// NewestPackage returns the newest record over all architectures when
// ignoreArch is set, the preferred record otherwise.
func (c *Catalog) NewestPackage(identifier string, ignoreArch bool) (types.PackageRecord, bool) {
	if ignoreArch {
		return c.Newest(identifier)
	}
	return c.Preferred(identifier)
}

// Package looks up an exact version, starting with the architecture of the
// preferred record.
func (c *Catalog) Package(identifier string, version string, ignoreArch bool) (types.PackageRecord, bool) {
	preferred, ok := c.preferred[identifier]
	if !ok {
		return types.PackageRecord{}, false
	}
	if preferred.Version == version {
		return preferred, true
	}
	if record, ok := c.packages[preferred.Architecture][identifier][version]; ok {
		return record, true
	}
	if !ignoreArch {
		return types.PackageRecord{}, false
	}
	for _, arch := range c.packages.architectures() {
		if record, ok := c.packages[arch][identifier][version]; ok {
			return record, true
		}
	}
	return types.PackageRecord{}, false
}

// AllVersions lists the versions available in the preferred record's
// architecture, plus versions only other architectures have when
// ignoreArch is set.
func (c *Catalog) AllVersions(identifier string, ignoreArch bool) []types.PackageRecord {
	preferred, ok := c.preferred[identifier]
	if !ok {
		return nil
	}
	seen := map[string]struct{}{}
	var out []types.PackageRecord
	for _, record := range c.packages[preferred.Architecture][identifier] {
		seen[record.Version] = struct{}{}
		out = append(out, record)
	}
	if ignoreArch {
		for _, arch := range c.packages.architectures() {
			if arch == preferred.Architecture {
				continue
			}
			for version, record := range c.packages[arch][identifier] {
				if _, ok := seen[version]; ok {
					continue
				}
				seen[version] = struct{}{}
				out = append(out, record)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if cmp := c.versions.Compare(out[i].Version, out[j].Version); cmp != 0 {
			return cmp < 0
		}
		return out[i].Architecture < out[j].Architecture
	})
	return out
}

// Provides lists preferred records that declare virtual packages.
func (c *Catalog) Provides() []types.PackageRecord {
	return append([]types.PackageRecord(nil), c.provides...)
}

// Records returns every preferred record sorted by identifier.
func (c *Catalog) Records() []types.PackageRecord {
	out := make([]types.PackageRecord, 0, len(c.preferred))
	for _, identifier := range sortedKeys(c.preferred) {
		out = append(out, c.preferred[identifier])
	}
	return out
}

// Slice returns the records stored under arch.
func (c *Catalog) Slice(arch types.Architecture) map[string]map[string]types.PackageRecord {
	return c.packages[arch]
}
