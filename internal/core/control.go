package core

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"aptsync/internal/types"
)

// StanzaKind selects how ParseStanza treats blank lines.
type StanzaKind int

const (
	// StanzaKindPackages stops at the first blank line after content.
	StanzaKindPackages StanzaKind = iota
	// StanzaKindRelease treats the whole input as one stanza.
	StanzaKindRelease
)

// Stanza maps lower-cased control field names to their values.
type Stanza map[string]string

const maxStanzaLine = 4 * 1024 * 1024

// ParseStanza parses one control stanza from text and returns the unparsed
// remainder. Continuation lines are appended to the previous value with a
// newline; duplicate keys keep the last value.
func ParseStanza(text string, kind StanzaKind) (Stanza, string, error) {
	stanza := Stanza{}
	var lastKey string
	rest := text
	for rest != "" {
		var line string
		if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
			line, rest = rest[:idx], rest[idx+1:]
		} else {
			line, rest = rest, ""
		}
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			if kind == StanzaKindPackages && len(stanza) > 0 {
				return stanza, rest, nil
			}
			continue
		}
		if err := stanza.addLine(line, &lastKey); err != nil {
			return nil, "", err
		}
	}
	return stanza, "", nil
}

func (s Stanza) addLine(line string, lastKey *string) error {
	if line[0] == ' ' || line[0] == '\t' {
		if *lastKey == "" {
			return malformedStanza(line)
		}
		s[*lastKey] += "\n" + strings.TrimSpace(line)
		return nil
	}
	if strings.HasPrefix(line, "#") {
		return nil
	}
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return malformedStanza(line)
	}
	key := strings.ToLower(strings.TrimSpace(line[:idx]))
	s[key] = strings.TrimSpace(line[idx+1:])
	*lastKey = key
	return nil
}

func malformedStanza(line string) error {
	return types.NewSyncError(types.FailureMalformedStanza, fmt.Errorf("line without separator: %q", line))
}

var canonicalFieldNames = map[string]string{
	"types":          "Types",
	"uris":           "URIs",
	"suites":         "Suites",
	"components":     "Components",
	"signed-by":      "Signed-By",
	"architectures":  "Architectures",
	"enabled":        "Enabled",
	"package":        "Package",
	"version":        "Version",
	"architecture":   "Architecture",
	"sha256":         "SHA256",
	"sha512":         "SHA512",
	"md5sum":         "MD5Sum",
	"installed-size": "Installed-Size",
}

// CanonicalFieldName restores the conventional capitalisation of a
// lower-cased field name.
func CanonicalFieldName(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if name, ok := canonicalFieldNames[key]; ok {
		return name
	}
	parts := strings.Split(key, "-")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, "-")
}

// SerializeStanza writes keys of stanza in the given order. Keys missing
// from the stanza are skipped. Multi-line values become continuation lines.
func SerializeStanza(stanza Stanza, keys []string) string {
	var b strings.Builder
	for _, key := range keys {
		value, ok := stanza[strings.ToLower(key)]
		if !ok {
			continue
		}
		lines := strings.Split(value, "\n")
		b.WriteString(CanonicalFieldName(key))
		b.WriteString(":")
		if lines[0] != "" {
			b.WriteString(" ")
			b.WriteString(lines[0])
		}
		for _, line := range lines[1:] {
			b.WriteString("\n ")
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// StanzaScanner streams the stanzas of a Packages file.
type StanzaScanner struct {
	scanner *bufio.Scanner
	stanza  Stanza
	err     error
	skipped int
}

func NewStanzaScanner(r io.Reader) *StanzaScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStanzaLine)
	return &StanzaScanner{scanner: scanner}
}

// Scan advances to the next well-formed stanza. Malformed stanzas are
// skipped and counted.
func (s *StanzaScanner) Scan() bool {
	for {
		stanza := Stanza{}
		var lastKey string
		malformed := false
		sawLine := false
		for s.scanner.Scan() {
			line := strings.TrimSuffix(s.scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				if sawLine {
					break
				}
				continue
			}
			sawLine = true
			if malformed {
				continue
			}
			if err := stanza.addLine(line, &lastKey); err != nil {
				malformed = true
			}
		}
		if err := s.scanner.Err(); err != nil {
			s.err = err
			return false
		}
		if !sawLine {
			return false
		}
		if malformed {
			s.skipped++
			continue
		}
		s.stanza = stanza
		return true
	}
}

func (s *StanzaScanner) Stanza() Stanza {
	return s.stanza
}

func (s *StanzaScanner) Err() error {
	return s.err
}

// Skipped counts malformed stanzas dropped so far.
func (s *StanzaScanner) Skipped() int {
	return s.skipped
}
