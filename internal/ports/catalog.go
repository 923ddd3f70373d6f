package ports

import (
	"context"

	"aptsync/internal/types"
)

// CatalogReaderPort is the read side of the registry plus the one write
// consumers may trigger: a user-initiated sync.
type CatalogReaderPort interface {
	Repositories(ctx context.Context) []types.RepositoryStatus
	LookupPackage(ctx context.Context, repositoryID string, identifier string) (types.PackageLookup, error)
	RepositoryProgress(ctx context.Context, repositoryID string) (types.Progress, error)
	TriggerSync(ctx context.Context, force bool) (types.SyncSummary, error)
}
