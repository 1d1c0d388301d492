package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/j3t/pipeline-cache/internal/evict"
)

// Evictor runs one eviction pass.
type Evictor interface {
	RunOnce(ctx context.Context) (evict.Result, error)
}

// EvictHandler triggers an eviction run on POST /evict.
type EvictHandler struct {
	Evictor Evictor
	Logger  zerolog.Logger
}

func (h *EvictHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := h.Evictor.RunOnce(r.Context())
	if errors.Is(err, evict.ErrLocked) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Msg("eviction failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.Logger.Warn().Err(err).Msg("failed to write eviction result")
	}
}
