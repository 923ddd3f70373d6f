package adapters

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"aptsync/internal/core"
	"aptsync/internal/shared"
	"aptsync/internal/types"
)

var sourceStanzaKeys = []string{"Types", "URIs", "Suites", "Components"}

// SourceListAdapter reads one-line .list files, deb822 .sources files and
// plain "uri [suite] [components...]" lists. Directories are expanded to
// their .list and .sources files in name order.
type SourceListAdapter struct{}

func NewSourceListAdapter() SourceListAdapter {
	return SourceListAdapter{}
}

func (a SourceListAdapter) Load(paths []string) ([]types.Repository, []types.Diagnostic, error) {
	var repos []types.Repository
	var diagnostics []types.Diagnostic
	seen := map[string]struct{}{}
	files, diags, err := expandSourcePaths(paths)
	if err != nil {
		return nil, nil, err
	}
	diagnostics = append(diagnostics, diags...)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg("failed to read source list " + path).
				WithCause(err)
		}
		var parsed []types.Repository
		switch filepath.Ext(path) {
		case ".sources":
			parsed, diags = parseDeb822Sources(path, string(data))
		case ".list":
			parsed, diags = parseOneLineSources(path, string(data))
		default:
			parsed, diags = parsePlainSources(path, string(data))
		}
		diagnostics = append(diagnostics, diags...)
		for _, repo := range parsed {
			key := repo.Key()
			if _, ok := seen[key]; ok {
				diagnostics = append(diagnostics, types.Diagnostic{
					Severity:   types.SeverityWarning,
					Repository: key,
					Message:    fmt.Sprintf("%s: duplicate source %s ignored", path, repo.AptSource()),
				})
				continue
			}
			seen[key] = struct{}{}
			repos = append(repos, repo)
		}
	}
	log.Debug().Int("repositories", len(repos)).Int("diagnostics", len(diagnostics)).Msg("sources loaded")
	return repos, diagnostics, nil
}

func expandSourcePaths(paths []string) ([]string, []types.Diagnostic, error) {
	var files []string
	var diagnostics []types.Diagnostic
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				diagnostics = append(diagnostics, types.Diagnostic{
					Severity: types.SeverityWarning,
					Message:  fmt.Sprintf("source list %s does not exist", path),
				})
				continue
			}
			return nil, nil, errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg("failed to stat source list").
				WithCause(err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, nil, errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg("failed to read source directory").
				WithCause(err)
		}
		var names []string
		for _, entry := range entries {
			ext := filepath.Ext(entry.Name())
			if entry.IsDir() || (ext != ".list" && ext != ".sources") {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			files = append(files, filepath.Join(path, name))
		}
	}
	return files, diagnostics, nil
}

func parseOneLineSources(path string, content string) ([]types.Repository, []types.Diagnostic) {
	var repos []types.Repository
	var diagnostics []types.Diagnostic
	for i, line := range strings.Split(content, "\n") {
		line = stripComment(line)
		if line == "" {
			continue
		}
		fields := dropOptions(strings.Fields(line))
		if len(fields) < 3 {
			diagnostics = append(diagnostics, badEntry(path, i+1, line, "expected \"deb uri suite [components...]\""))
			continue
		}
		if fields[0] != "deb" {
			continue
		}
		repo, err := newSourceRepository(fields[1], fields[2], fields[3:])
		if err != nil {
			diagnostics = append(diagnostics, badEntry(path, i+1, line, err.Error()))
			continue
		}
		repo.EntryFile = path
		repo.RawEntry = line
		repos = append(repos, repo)
	}
	return repos, diagnostics
}

func parsePlainSources(path string, content string) ([]types.Repository, []types.Diagnostic) {
	var repos []types.Repository
	var diagnostics []types.Diagnostic
	for i, line := range strings.Split(content, "\n") {
		line = stripComment(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		suite := types.FlatSuite
		if len(fields) > 1 {
			suite = fields[1]
		}
		var components []string
		if len(fields) > 2 {
			components = fields[2:]
		}
		repo, err := newSourceRepository(fields[0], suite, components)
		if err != nil {
			diagnostics = append(diagnostics, badEntry(path, i+1, line, err.Error()))
			continue
		}
		repo.EntryFile = path
		repo.RawEntry = line
		repos = append(repos, repo)
	}
	return repos, diagnostics
}

func parseDeb822Sources(path string, content string) ([]types.Repository, []types.Diagnostic) {
	var repos []types.Repository
	var diagnostics []types.Diagnostic
	scanner := core.NewStanzaScanner(strings.NewReader(content))
	index := 0
	for scanner.Scan() {
		index++
		stanza := scanner.Stanza()
		if len(stanza) == 0 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(stanza["enabled"]), "no") {
			continue
		}
		if !containsField(stanza["types"], "deb") {
			continue
		}
		uris := strings.Fields(stanza["uris"])
		suites := strings.Fields(stanza["suites"])
		components := strings.Fields(stanza["components"])
		if len(uris) == 0 || len(suites) == 0 {
			diagnostics = append(diagnostics, types.Diagnostic{
				Severity: types.SeverityError,
				Message:  fmt.Sprintf("%s: stanza %d: URIs and Suites are required", path, index),
			})
			continue
		}
		raw := strings.TrimSpace(core.SerializeStanza(stanza, sourceStanzaKeys))
		for _, uri := range uris {
			for _, suite := range suites {
				repo, err := newSourceRepository(uri, suite, components)
				if err != nil {
					diagnostics = append(diagnostics, types.Diagnostic{
						Severity: types.SeverityError,
						Message:  fmt.Sprintf("%s: stanza %d: %v", path, index, err),
					})
					continue
				}
				repo.EntryFile = path
				repo.RawEntry = raw
				repos = append(repos, repo)
			}
		}
	}
	if skipped := scanner.Skipped(); skipped > 0 {
		diagnostics = append(diagnostics, types.Diagnostic{
			Severity: types.SeverityWarning,
			Message:  fmt.Sprintf("%s: %d malformed stanzas skipped", path, skipped),
		})
	}
	return repos, diagnostics
}

// newSourceRepository applies the rules shared by every source format: an
// http(s) URI with a host, and a flat suite exactly when there are no
// components.
func newSourceRepository(rawURL string, suite string, components []string) (types.Repository, error) {
	normalized, err := NormalizeRepositoryURL(rawURL)
	if err != nil {
		return types.Repository{}, err
	}
	suite = strings.TrimSpace(suite)
	if suite == "" {
		suite = types.FlatSuite
	}
	flatSuite := strings.HasSuffix(suite, "/")
	if flatSuite && len(components) > 0 {
		return types.Repository{}, fmt.Errorf("flat suite %q cannot list components", suite)
	}
	if !flatSuite && len(components) == 0 {
		return types.Repository{}, fmt.Errorf("suite %q needs at least one component", suite)
	}
	return types.Repository{
		RawURL:        normalized,
		Suite:         suite,
		Components:    append([]string(nil), components...),
		PreferredArch: types.ArchitectureUnknown,
	}, nil
}

// NormalizeRepositoryURL validates an http(s) repository URL and gives it
// a trailing slash.
func NormalizeRepositoryURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported uri scheme in %q", rawURL)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("uri %q has no host", rawURL)
	}
	if !strings.HasSuffix(rawURL, "/") {
		rawURL += "/"
	}
	return rawURL, nil
}

// Write replaces path with a deb822 file holding one stanza per repository.
func (a SourceListAdapter) Write(path string, repos []types.Repository) error {
	if strings.TrimSpace(path) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("source list path is required")
	}
	stanzas := make([]string, 0, len(repos))
	for _, repo := range repos {
		stanza := core.Stanza{
			"types":  "deb",
			"uris":   repo.RawURL,
			"suites": repo.Suite,
		}
		if len(repo.Components) > 0 {
			stanza["components"] = strings.Join(repo.Components, " ")
		}
		stanzas = append(stanzas, core.SerializeStanza(stanza, sourceStanzaKeys))
	}
	if err := shared.WriteFileAtomic(path, []byte(strings.Join(stanzas, "\n")), 0644); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to write source list").
			WithCause(err)
	}
	return nil
}

func stripComment(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// dropOptions removes a "[arch=amd64 signed-by=...]" block after the type.
func dropOptions(fields []string) []string {
	if len(fields) < 2 || !strings.HasPrefix(fields[1], "[") {
		return fields
	}
	for i := 1; i < len(fields); i++ {
		if strings.HasSuffix(fields[i], "]") {
			return append([]string{fields[0]}, fields[i+1:]...)
		}
	}
	return fields[:1]
}

func containsField(value string, want string) bool {
	for _, field := range strings.Fields(value) {
		if field == want {
			return true
		}
	}
	return false
}

func badEntry(path string, line int, entry string, reason string) types.Diagnostic {
	return types.Diagnostic{
		Severity: types.SeverityError,
		Message:  fmt.Sprintf("%s:%d: %s: %s", path, line, entry, reason),
	}
}
