package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"aptsync/internal/ports"
	"aptsync/internal/types"
)

const (
	defaultBackgroundTimeout = 10 * time.Second
	defaultUserTimeout       = 20 * time.Second
)

// FetchOrchestrator runs the sub-fetches of one repository. Each sub-fetch
// gets its own timeout derived from the caller's context and is never
// retried here.
type FetchOrchestrator struct {
	fetcher    ports.FetcherPort
	files      ports.FileStorePort
	extensions []string
	timeout    time.Duration
}

// PackagesFetch describes the Packages variant that answered.
type PackagesFetch struct {
	Status types.FetchStatus
	URL    string
	Ext    string
	Path   string
}

func NewFetchOrchestrator(fetcher ports.FetcherPort, files ports.FileStorePort, extensions []string, timeout time.Duration) FetchOrchestrator {
	if timeout <= 0 {
		timeout = defaultBackgroundTimeout
	}
	return FetchOrchestrator{
		fetcher:    fetcher,
		files:      files,
		extensions: extensions,
		timeout:    timeout,
	}
}

// PackagesFileURL is the URL of one compression variant of the Packages
// file. The empty extension is the plain file.
func PackagesFileURL(repo types.Repository, arch types.Architecture, ext string) string {
	if ext == "" {
		return repo.PackagesURL(arch)
	}
	return repo.PackagesURL(arch) + "." + ext
}

func (o FetchOrchestrator) fetchInto(ctx context.Context, url string, pattern string, since time.Time, progress func(float64)) (ports.FetchResult, string, error) {
	dest, err := o.files.TempFile(pattern)
	if err != nil {
		return ports.FetchResult{}, "", err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	result, err := o.fetcher.Fetch(fetchCtx, ports.FetchRequest{
		URL:             url,
		Destination:     dest,
		IfModifiedSince: since,
		Progress:        progress,
	})
	if err != nil || result.Status != types.FetchStatusFetched {
		_ = o.files.Remove(dest)
		if err != nil && ctx.Err() != nil {
			return result, "", types.NewSyncError(types.KindOf(ctx.Err()), err)
		}
		return result, "", err
	}
	return result, dest, nil
}

// FetchRelease downloads the Release file; a missing Release is a network
// failure since nothing else can be located without it.
func (o FetchOrchestrator) FetchRelease(ctx context.Context, repo types.Repository, progress func(float64)) (string, error) {
	url := repo.ReleaseURL()
	result, path, err := o.fetchInto(ctx, url, "Release-*", time.Time{}, progress)
	if err != nil {
		return "", err
	}
	if result.Status != types.FetchStatusFetched {
		return "", types.NewSyncError(types.FailureNetwork, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("release not found").
			WithCause(fmt.Errorf("url=%s status=%s", url, result.Status)))
	}
	return path, nil
}

// FetchSignature reports found=false when the repository publishes no
// detached signature.
func (o FetchOrchestrator) FetchSignature(ctx context.Context, repo types.Repository, progress func(float64)) (string, bool, error) {
	result, path, err := o.fetchInto(ctx, repo.ReleaseSignatureURL(), "Release.gpg-*", time.Time{}, progress)
	if err != nil {
		return "", false, err
	}
	return path, result.Status == types.FetchStatusFetched, nil
}

// FetchPackages walks the extension list until one variant answers. A 404
// or a failed transfer falls through to the next extension. One timeout
// bounds the whole walk; a timeout or cancellation stops immediately.
func (o FetchOrchestrator) FetchPackages(ctx context.Context, repo types.Repository, arch types.Architecture, since time.Time, progress func(float64)) (PackagesFetch, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	var lastErr error
	for _, ext := range o.extensions {
		url := PackagesFileURL(repo, arch, ext)
		pattern := "Packages-*"
		if ext != "" {
			pattern += "." + ext
		}
		result, path, err := o.fetchInto(ctx, url, pattern, since, progress)
		if err != nil {
			if ctx.Err() != nil || types.KindOf(err) == types.FailureTimeout {
				return PackagesFetch{}, err
			}
			log.Ctx(ctx).Debug().Err(err).Str("url", url).Msg("packages variant failed")
			lastErr = err
			continue
		}
		switch result.Status {
		case types.FetchStatusNotFound:
			continue
		case types.FetchStatusNotModified:
			return PackagesFetch{Status: result.Status, URL: url, Ext: ext}, nil
		}
		return PackagesFetch{Status: result.Status, URL: url, Ext: ext, Path: path}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no variant of %s exists", repo.PackagesURL(arch))
	}
	return PackagesFetch{}, types.NewSyncError(types.FailureNoPackagesFile, errbuilder.New().
		WithCode(errbuilder.CodeNotFound).
		WithMsg("no packages file found").
		WithCause(lastErr))
}
