package httpx

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/j3t/pipeline-cache/internal/cache"
	"github.com/j3t/pipeline-cache/internal/metrics"
)

// Cache status values of the X-Pipeline-Cache header.
const (
	StatusHit    = "HIT"
	StatusPrefix = "PREFIX"
	StatusMiss   = "MISS"
	StatusExists = "EXISTS"
)

const (
	headerCacheStatus = "X-Pipeline-Cache"
	headerCacheKey    = "X-Cache-Key"
)

// Handler serves backup and restore requests on /cache/{key...}.
type Handler struct {
	Cache   *cache.Cache
	Metrics *metrics.CacheMetrics
	Logger  zerolog.Logger
}

func NewHandler(c *cache.Cache, m *metrics.CacheMetrics, logger zerolog.Logger) *Handler {
	return &Handler{Cache: c, Metrics: m, Logger: logger}
}

// Probe answers HEAD requests with the size of the item a restore would read.
func (h *Handler) Probe(w http.ResponseWriter, r *http.Request) {
	info := ClassifyRequest(r)
	if !info.Valid {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m, ok, err := h.Cache.Lookup(ctx, info.Key, info.RestoreKeys...)
	if err != nil {
		h.fail(w, "probe", info.Key, err)
		return
	}
	if !ok {
		writeMiss(w)
		return
	}
	size, err := h.Cache.Repository().ContentLength(ctx, m.Key)
	if errors.Is(err, cache.ErrNotFound) {
		writeMiss(w)
		return
	}
	if err != nil {
		h.fail(w, "probe", m.Key, err)
		return
	}
	writeMatchHeaders(w, m, size)
	w.WriteHeader(http.StatusOK)
}

// Restore streams the best matching item.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	info := ClassifyRequest(r)
	if !info.Valid {
		http.Error(w, info.Reason, http.StatusBadRequest)
		return
	}

	e, ok, err := h.Cache.Open(r.Context(), info.Key, info.RestoreKeys...)
	if err != nil {
		h.fail(w, "restore", info.Key, err)
		return
	}
	if !ok {
		h.recordRestore("miss")
		writeMiss(w)
		return
	}
	defer e.Close()

	if e.Match.Kind == cache.MatchPrefix {
		h.recordRestore("prefix")
	} else {
		h.recordRestore("hit")
	}
	writeMatchHeaders(w, e.Match, e.Size)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, e); err != nil {
		// Headers are out, the client sees a short body.
		h.Logger.Warn().Err(err).Str("key", e.Match.Key).Msg("restore interrupted")
	}
}

// Backup stores the request body unless the key is already taken.
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	info := ClassifyRequest(r)
	if !info.Valid {
		http.Error(w, info.Reason, http.StatusBadRequest)
		return
	}

	res, err := h.Cache.Backup(r.Context(), info.Key, r.Body)
	if err != nil {
		h.fail(w, "backup", info.Key, err)
		return
	}
	w.Header().Set(headerCacheKey, res.Key)
	if !res.Saved {
		w.Header().Set(headerCacheStatus, StatusExists)
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) recordRestore(result string) {
	if h.Metrics != nil {
		h.Metrics.RecordRestore(result)
	}
}

func (h *Handler) fail(w http.ResponseWriter, op, key string, err error) {
	h.Logger.Error().Err(err).Str("op", op).Str("key", key).Msg("cache request failed")
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

func writeMatchHeaders(w http.ResponseWriter, m cache.Match, size int64) {
	status := StatusHit
	if m.Kind == cache.MatchPrefix {
		status = StatusPrefix
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set(headerCacheKey, m.Key)
	w.Header().Set(headerCacheStatus, status)
}

func writeMiss(w http.ResponseWriter) {
	w.Header().Set(headerCacheStatus, StatusMiss)
	w.WriteHeader(http.StatusNotFound)
}
