package app

import "aptsync/internal/types"

type SyncRequest struct {
	// Repositories limits the sync to these keys or IDs; empty means all.
	Repositories  []string
	Force         bool
	UserInitiated bool
	Workers       int
}

type AddRepositoryRequest struct {
	URL        string
	Suites     []string
	Components []string
}

type LoadResult struct {
	Repositories []types.Repository
	Diagnostics  []types.Diagnostic
	Catalogs     int
}
