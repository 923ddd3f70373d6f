package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// FlatSuite marks a repository whose Packages file sits directly under the
// base URI.
const FlatSuite = "./"

// Repository is one configured source. URL construction is a pure function
// of RawURL, Suite and Components.
type Repository struct {
	RawURL        string       `yaml:"uri"`
	Suite         string       `yaml:"suite"`
	Components    []string     `yaml:"components,omitempty"`
	Name          string       `yaml:"name,omitempty"`
	PreferredArch Architecture `yaml:"preferred_arch,omitempty"`
	EntryFile     string       `yaml:"entry_file,omitempty"`
	RawEntry      string       `yaml:"-"`
}

func (r Repository) IsFlat() bool {
	return strings.HasSuffix(r.Suite, "/") || len(r.Components) == 0
}

// URL is the directory holding Release. It never ends in a slash.
func (r Repository) URL() string {
	base := strings.TrimRight(r.RawURL, "/")
	if r.IsFlat() {
		if r.Suite == FlatSuite || r.Suite == "" {
			return base
		}
		return joinURL(base, r.Suite)
	}
	return joinURL(base, "dists", r.Suite)
}

func (r Repository) ReleaseURL() string {
	return joinURL(r.URL(), "Release")
}

func (r Repository) ReleaseSignatureURL() string {
	return joinURL(r.URL(), "Release.gpg")
}

// PrimaryComponentURL is empty for a structured repository without
// components, which IsFlat already rules out.
func (r Repository) PrimaryComponentURL() string {
	if r.IsFlat() {
		return r.URL()
	}
	return joinURL(r.URL(), r.Components[0])
}

// PackagesURL returns the uncompressed Packages URL for arch. Flat
// repositories ignore arch.
func (r Repository) PackagesURL(arch Architecture) string {
	dir := r.PrimaryComponentURL()
	if !r.IsFlat() && arch.Known() {
		dir = joinURL(dir, "binary-"+arch.String())
	}
	return joinURL(dir, "Packages")
}

// RelativePath strips the repository URL from an absolute URL below it, the
// form used by Release checksum rows.
func (r Repository) RelativePath(absolute string) string {
	return strings.TrimPrefix(strings.TrimPrefix(absolute, r.URL()), "/")
}

// Key identifies the repository regardless of URL scheme and component
// order.
func (r Repository) Key() string {
	raw := strings.TrimSpace(r.RawURL)
	if idx := strings.Index(raw, "://"); idx >= 0 {
		raw = raw[idx+3:]
	}
	raw = strings.TrimRight(raw, "/") + "/"
	suite := r.Suite
	if suite == "" {
		suite = FlatSuite
	}
	return raw + "|" + suite + "|" + strings.Join(r.componentSet(), ",")
}

// ID is a short, path-safe form of Key for use in URLs and CLI output.
func (r Repository) ID() string {
	sum := sha256.Sum256([]byte(r.Key()))
	return hex.EncodeToString(sum[:6])
}

func (r Repository) Equal(other Repository) bool {
	return r.Key() == other.Key()
}

func (r Repository) componentSet() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, component := range r.Components {
		component = strings.TrimSpace(component)
		if component == "" {
			continue
		}
		if _, ok := seen[component]; ok {
			continue
		}
		seen[component] = struct{}{}
		out = append(out, component)
	}
	sort.Strings(out)
	return out
}

// AptSource renders the one-line "uri [suite] [components...]" form.
func (r Repository) AptSource() string {
	cols := []string{r.RawURL}
	if r.IsFlat() {
		if r.Suite != FlatSuite && r.Suite != "" {
			cols = append(cols, r.Suite)
		}
		return strings.Join(cols, " ")
	}
	cols = append(cols, r.Suite)
	cols = append(cols, r.Components...)
	return strings.Join(cols, " ")
}

// DisplayName falls back to the raw URL until a Release origin is known.
func (r Repository) DisplayName() string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return r.RawURL
}

func joinURL(base string, elems ...string) string {
	out := strings.TrimRight(base, "/")
	for _, elem := range elems {
		elem = strings.Trim(elem, "/")
		if elem == "" {
			continue
		}
		out += "/" + elem
	}
	return out
}

// Progress holds the fractional progress of the three sub-fetches of one
// repository, each in [0,1].
type Progress struct {
	Release          float64 `json:"release"`
	ReleaseSignature float64 `json:"release_signature"`
	Packages         float64 `json:"packages"`
	Started          bool    `json:"started"`
}

func (p Progress) Total() float64 {
	start := 0.0
	if p.Started {
		start = 0.1
	}
	return (p.Release*0.2+p.Packages*0.6+p.ReleaseSignature*0.2)*0.9 + start
}
