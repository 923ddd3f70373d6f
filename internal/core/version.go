package core

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	debversion "github.com/knqyf263/go-deb-version"
)

const (
	versionCacheSize = 1 << 16
	versionCacheTTL  = 30 * time.Minute
)

// parsedVersion is a memoised parse result. Strings the Debian parser
// rejects are still ordered, by the raw dpkg algorithm.
type parsedVersion struct {
	deb   debversion.Version
	valid bool
}

// VersionComparator orders version strings the way dpkg does. It is safe
// for concurrent use; parsed versions are shared across callers through a
// bounded cache.
type VersionComparator struct {
	cache *expirable.LRU[string, parsedVersion]
}

func NewVersionComparator() *VersionComparator {
	return &VersionComparator{
		cache: expirable.NewLRU[string, parsedVersion](versionCacheSize, nil, versionCacheTTL),
	}
}

func (c *VersionComparator) parse(value string) parsedVersion {
	if parsed, ok := c.cache.Get(value); ok {
		return parsed
	}
	deb, err := debversion.NewVersion(value)
	parsed := parsedVersion{deb: deb, valid: err == nil}
	c.cache.Add(value, parsed)
	return parsed
}

// Compare returns -1, 0 or 1.
func (c *VersionComparator) Compare(a string, b string) int {
	if a == b {
		return 0
	}
	va := c.parse(a)
	vb := c.parse(b)
	if va.valid && vb.valid {
		return sign(va.deb.Compare(vb.deb))
	}
	return sign(compareDpkg(a, b))
}

func (c *VersionComparator) GreaterThan(a string, b string) bool {
	return c.Compare(a, b) > 0
}

// Sort orders versions ascending in place.
func (c *VersionComparator) Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return c.Compare(versions[i], versions[j]) < 0
	})
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// compareDpkg is dpkg's verrevcmp applied to epoch, upstream and revision.
func compareDpkg(a string, b string) int {
	ea, ua, ra := splitVersion(a)
	eb, ub, rb := splitVersion(b)
	if ea != eb {
		if ea < eb {
			return -1
		}
		return 1
	}
	if cmp := verrevcmp(ua, ub); cmp != 0 {
		return cmp
	}
	return verrevcmp(ra, rb)
}

func splitVersion(value string) (int64, string, string) {
	value = strings.TrimSpace(value)
	var epoch int64
	if idx := strings.IndexByte(value, ':'); idx >= 0 {
		if parsed, err := strconv.ParseInt(value[:idx], 10, 64); err == nil {
			epoch = parsed
			value = value[idx+1:]
		}
	}
	upstream, revision := value, ""
	if idx := strings.LastIndexByte(value, '-'); idx >= 0 {
		upstream, revision = value[:idx], value[idx+1:]
	}
	return epoch, upstream, revision
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// order ranks a non-digit character: end of string and digits are 0, '~'
// sorts before everything, letters before other symbols.
func order(c byte) int {
	switch {
	case isDigit(c):
		return 0
	case isAlpha(c):
		return int(c)
	case c == '~':
		return -1
	case c != 0:
		return int(c) + 256
	default:
		return 0
	}
}

func verrevcmp(a string, b string) int {
	at := func(s string) byte {
		if s == "" {
			return 0
		}
		return s[0]
	}
	for a != "" || b != "" {
		firstDiff := 0
		for (a != "" && !isDigit(a[0])) || (b != "" && !isDigit(b[0])) {
			ac := order(at(a))
			bc := order(at(b))
			if ac != bc {
				return ac - bc
			}
			if a != "" {
				a = a[1:]
			}
			if b != "" {
				b = b[1:]
			}
		}
		for a != "" && a[0] == '0' {
			a = a[1:]
		}
		for b != "" && b[0] == '0' {
			b = b[1:]
		}
		for a != "" && isDigit(a[0]) && b != "" && isDigit(b[0]) {
			if firstDiff == 0 {
				firstDiff = int(a[0]) - int(b[0])
			}
			a = a[1:]
			b = b[1:]
		}
		if a != "" && isDigit(a[0]) {
			return 1
		}
		if b != "" && isDigit(b[0]) {
			return -1
		}
		if firstDiff != 0 {
			return firstDiff
		}
	}
	return 0
}
