package types

import (
	"strconv"
	"strings"
)

// PackageRecord is one (identifier, version) pair declared by one
// repository's Packages listing. Repository holds the owning repository's
// Key so records never keep a Repository alive.
type PackageRecord struct {
	Identifier    string            `json:"package" yaml:"package"`
	Name          string            `json:"name" yaml:"name"`
	Version       string            `json:"version" yaml:"version"`
	Architecture  Architecture      `json:"architecture" yaml:"architecture"`
	Control       map[string]string `json:"-" yaml:"-"`
	Size          int64             `json:"size,omitempty" yaml:"size,omitempty"`
	InstalledSize int64             `json:"installed_size,omitempty" yaml:"installed_size,omitempty"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Maintainer    string            `json:"maintainer,omitempty" yaml:"maintainer,omitempty"`
	Filename      string            `json:"filename,omitempty" yaml:"filename,omitempty"`
	Repository    string            `json:"repository" yaml:"repository"`
}

// GUID is the identity of a record within one repository.
func (p PackageRecord) GUID() string {
	return p.Identifier + "|-|" + p.Version
}

func (p PackageRecord) Field(key string) (string, bool) {
	value, ok := p.Control[strings.ToLower(key)]
	return value, ok
}

// Provides splits the provides field into bare package names.
func (p PackageRecord) Provides() []string {
	raw, ok := p.Field("provides")
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		name := strings.TrimSpace(entry)
		if idx := strings.IndexAny(name, " ("); idx >= 0 {
			name = name[:idx]
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// NewPackageRecord maps a parsed control stanza onto a record. It returns
// false when the identifier or version is missing.
func NewPackageRecord(control map[string]string, fallbackArch Architecture, repository string) (PackageRecord, bool) {
	identifier := strings.TrimSpace(control["package"])
	version := strings.TrimSpace(control["version"])
	if identifier == "" || version == "" {
		return PackageRecord{}, false
	}
	name := strings.TrimSpace(control["name"])
	if name == "" {
		name = identifier
	}
	arch := ParseArchitecture(control["architecture"])
	if arch == ArchitectureUnknown || arch == ArchitectureAll {
		arch = fallbackArch
	}
	if arch == "" {
		arch = ArchitectureUnknown
	}
	description := control["description"]
	if idx := strings.Index(description, "\n"); idx >= 0 {
		description = description[:idx]
	}
	return PackageRecord{
		Identifier:    identifier,
		Name:          name,
		Version:       version,
		Architecture:  arch,
		Control:       control,
		Size:          parseInt(control["size"]),
		InstalledSize: parseInt(control["installed-size"]),
		Description:   strings.TrimSpace(description),
		Maintainer:    strings.TrimSpace(control["maintainer"]),
		Filename:      strings.TrimSpace(control["filename"]),
		Repository:    repository,
	}, true
}

func parseInt(value string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
