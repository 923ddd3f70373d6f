package adapters

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"aptsync/internal/ports"
	"aptsync/internal/shared"
	"aptsync/internal/types"
)

const defaultUserAgent = "aptsync/1.0"

// HTTPFetcherAdapter downloads one URL per call into a destination file.
// Timeouts come from the caller's context; the client itself has none.
type HTTPFetcherAdapter struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcherAdapter(client *http.Client, userAgent string) HTTPFetcherAdapter {
	if client == nil {
		client = &http.Client{}
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	return HTTPFetcherAdapter{client: client, userAgent: userAgent}
}

func (a HTTPFetcherAdapter) Fetch(ctx context.Context, request ports.FetchRequest) (ports.FetchResult, error) {
	result := ports.FetchResult{URL: request.URL}
	if strings.TrimSpace(request.URL) == "" || strings.TrimSpace(request.Destination) == "" {
		return result, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("fetch url and destination are required")
	}
	resp, err := a.doRequest(ctx, request)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.Status = types.FetchStatusNotModified
		report(request.Progress, 1)
		return result, nil
	case resp.StatusCode == http.StatusNotFound:
		result.Status = types.FetchStatusNotFound
		return result, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return result, types.NewSyncError(types.FailureNetwork, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("unexpected response").
			WithCause(shared.HTTPStatusError(resp.StatusCode, request.URL)))
	}

	size, err := a.writeBody(ctx, resp, request)
	if err != nil {
		_ = os.Remove(request.Destination)
		return result, err
	}
	result.Status = types.FetchStatusFetched
	result.Path = request.Destination
	result.Size = size
	log.Ctx(ctx).Debug().
		Str("url", request.URL).
		Int64("bytes", size).
		Msg("fetched")
	return result, nil
}

func (a HTTPFetcherAdapter) doRequest(ctx context.Context, request ports.FetchRequest) (*http.Response, error) {
	if ctx.Err() != nil {
		return nil, contextFailure(ctx, "request canceled")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, request.URL, nil)
	if err != nil {
		return nil, types.NewSyncError(types.FailureNetwork, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("failed to create request").
			WithCause(err))
	}
	req.Header.Set("User-Agent", a.userAgent)
	if !request.IfModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", request.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextFailure(ctx, "request canceled")
		}
		return nil, types.NewSyncError(types.FailureNetwork, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("request failed").
			WithCause(err))
	}
	return resp, nil
}

func (a HTTPFetcherAdapter) writeBody(ctx context.Context, resp *http.Response, request ports.FetchRequest) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(request.Destination), 0755); err != nil {
		return 0, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create download directory").
			WithCause(err)
	}
	file, err := os.Create(request.Destination)
	if err != nil {
		return 0, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create download file").
			WithCause(err)
	}
	defer file.Close()
	reader := &progressReader{
		reader:   resp.Body,
		total:    resp.ContentLength,
		progress: request.Progress,
	}
	size, err := io.Copy(file, reader)
	if err != nil {
		if ctx.Err() != nil {
			return 0, contextFailure(ctx, "download canceled")
		}
		return 0, types.NewSyncError(types.FailureNetwork, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to read response body").
			WithCause(err))
	}
	if err := file.Close(); err != nil {
		return 0, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to write download file").
			WithCause(err)
	}
	report(request.Progress, 1)
	return size, nil
}

// contextFailure distinguishes a caller cancel from an expired deadline.
func contextFailure(ctx context.Context, msg string) error {
	return types.NewSyncError(types.KindOf(ctx.Err()), errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg(msg).
		WithCause(ctx.Err()))
}

type progressReader struct {
	reader   io.Reader
	total    int64
	read     int64
	progress func(float64)
	last     time.Time
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read += int64(n)
	if r.total > 0 && time.Since(r.last) > 50*time.Millisecond {
		r.last = time.Now()
		fraction := float64(r.read) / float64(r.total)
		if fraction > 1 {
			fraction = 1
		}
		report(r.progress, fraction)
	}
	return n, err
}

func report(progress func(float64), fraction float64) {
	if progress != nil {
		progress(fraction)
	}
}
