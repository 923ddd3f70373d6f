package ports

import (
	"context"
	"time"

	"aptsync/internal/types"
)

type FetchRequest struct {
	URL             string
	Destination     string
	IfModifiedSince time.Time
	Progress        func(fraction float64)
}

type FetchResult struct {
	Status types.FetchStatus
	URL    string
	Path   string
	Size   int64
}

// FetcherPort performs one HTTP transfer. It never retries; 404 and 304 are
// reported through FetchResult.Status rather than as errors.
type FetcherPort interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}
