package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/j3t/pipeline-cache/internal/cache"
)

// Routes wires the HTTP API. Evict and Gatherer may be nil, which
// leaves /evict and /metrics unregistered.
type Routes struct {
	Cache    *Handler
	Evict    *EvictHandler
	Gatherer prometheus.Gatherer
}

func NewMux(rt Routes) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /readyz", readiness(rt.Cache.Cache.Repository()))

	mux.HandleFunc("HEAD /cache/{key...}", rt.Cache.Probe)
	mux.HandleFunc("GET /cache/{key...}", rt.Cache.Restore)
	mux.HandleFunc("PUT /cache/{key...}", rt.Cache.Backup)

	if rt.Evict != nil {
		mux.Handle("POST /evict", rt.Evict)
	}
	if rt.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func readiness(repo cache.Repository) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		ok, err := repo.BucketExists(ctx)
		if err != nil || !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// NewServer returns a server for h. Bodies are streamed, so only headers
// and idle connections are bounded.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
