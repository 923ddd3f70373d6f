package app

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"aptsync/internal/types"
)

func (s Service) Repositories(ctx context.Context) []types.RepositoryStatus {
	repos := s.Registry.List()
	out := make([]types.RepositoryStatus, 0, len(repos))
	for _, repo := range repos {
		out = append(out, s.status(repo))
	}
	return out
}

func (s Service) status(repo types.Repository) types.RepositoryStatus {
	key := repo.Key()
	progress, _ := s.Registry.Progress(key)
	return types.RepositoryStatus{
		ID:            repo.ID(),
		Key:           key,
		URL:           repo.URL(),
		Suite:         repo.Suite,
		Components:    repo.Components,
		Name:          repo.DisplayName(),
		PreferredArch: repo.PreferredArch,
		State:         s.Registry.State(key),
		Packages:      s.Registry.Catalog(key).Len(),
		Progress:      progress.Total(),
	}
}

// LookupPackage reports the preferred and newest record plus every version
// of identifier across architectures.
func (s Service) LookupPackage(ctx context.Context, repositoryID string, identifier string) (types.PackageLookup, error) {
	repo, ok := s.Registry.Find(repositoryID)
	if !ok {
		return types.PackageLookup{}, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("unknown repository " + repositoryID)
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return types.PackageLookup{}, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("package identifier is required")
	}
	catalog := s.Registry.Catalog(repo.Key())
	preferred, ok := catalog.Preferred(identifier)
	if !ok {
		return types.PackageLookup{}, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("package " + identifier + " not found")
	}
	newest, _ := catalog.Newest(identifier)
	return types.PackageLookup{
		Repository: repo.Key(),
		Identifier: identifier,
		Preferred:  &preferred,
		Newest:     &newest,
		Versions:   catalog.AllVersions(identifier, true),
	}, nil
}

func (s Service) RepositoryProgress(ctx context.Context, repositoryID string) (types.Progress, error) {
	repo, ok := s.Registry.Find(repositoryID)
	if !ok {
		return types.Progress{}, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("unknown repository " + repositoryID)
	}
	progress, _ := s.Registry.Progress(repo.Key())
	return progress, nil
}

// TriggerSync is a user-initiated sync of every repository.
func (s Service) TriggerSync(ctx context.Context, force bool) (types.SyncSummary, error) {
	return s.Sync(ctx, SyncRequest{Force: force, UserInitiated: true})
}
