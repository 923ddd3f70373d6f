package adapters

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"aptsync/internal/ports"
)

// CatalogHandler serves the registry read-only over HTTP, plus POST /sync.
type CatalogHandler struct {
	mux    *chi.Mux
	reader ports.CatalogReaderPort
}

func NewCatalogHandler(reader ports.CatalogReaderPort) *CatalogHandler {
	h := &CatalogHandler{mux: chi.NewRouter(), reader: reader}
	h.mux.Use(middleware.RequestID)
	h.mux.Use(middleware.RealIP)
	h.mux.Use(requestLogger)
	h.mux.Use(middleware.Recoverer)

	h.mux.Get("/repositories", h.Repositories)
	h.mux.Get("/repositories/{id}/packages/{identifier}", h.Package)
	h.mux.Get("/repositories/{id}/progress", h.Progress)
	h.mux.Post("/sync", h.Sync)
	return h
}

func (h *CatalogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *CatalogHandler) Repositories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reader.Repositories(r.Context()))
}

func (h *CatalogHandler) Package(w http.ResponseWriter, r *http.Request) {
	lookup, err := h.reader.LookupPackage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "identifier"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lookup)
}

func (h *CatalogHandler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.reader.RepositoryProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"release":           progress.Release,
		"release_signature": progress.ReleaseSignature,
		"packages":          progress.Packages,
		"started":           progress.Started,
		"total":             progress.Total(),
	})
}

// Sync runs a user-initiated sync; ?force=true bypasses change detection.
func (h *CatalogHandler) Sync(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	summary, err := h.reader.TriggerSync(r.Context(), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errbuilder.CodeOf(err) {
	case errbuilder.CodeNotFound:
		status = http.StatusNotFound
	case errbuilder.CodeInvalidArgument:
		status = http.StatusBadRequest
	case errbuilder.CodeFailedPrecondition, errbuilder.CodeAlreadyExists:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		defer func() {
			event := log.Debug()
			if ww.Status() >= http.StatusBadRequest {
				event = log.Warn()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(started)).
				Msg("request served")
		}()
		next.ServeHTTP(ww, r)
	})
}
