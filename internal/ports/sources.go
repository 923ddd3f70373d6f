package ports

import "aptsync/internal/types"

// SourceListPort reads and writes repository source files.
type SourceListPort interface {
	Load(paths []string) ([]types.Repository, []types.Diagnostic, error)
	Write(path string, repos []types.Repository) error
}
