// Package admin serves the read-only HTTP surface of the metadata service
// and the block shards: health, Prometheus metrics and inspection routes.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	logs "github.com/danmuck/smplog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/block_store"
	"github.com/danmuck/dps_sync/src/impl"
)

type fileResponse struct {
	Name     string   `json:"name"`
	Version  int64    `json:"version"`
	Blocks   int      `json:"blocks"`
	Deleted  bool     `json:"deleted"`
	Hashlist []string `json:"hashlist,omitempty"`
}

type statsResponse struct {
	Blocks int   `json:"blocks"`
	Bytes  int64 `json:"bytes"`
}

// pinger is the liveness half of both service interfaces.
type pinger interface {
	Ping(ctx context.Context) error
}

// NewMetaMux routes the metadata service admin endpoints:
//
//	GET /health
//	GET /metrics
//	GET /files
//	GET /files/{name}
func NewMetaMux(meta api.MetadataService, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth(meta))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /files", handleListFiles(meta))
	mux.HandleFunc("GET /files/{name}", handleFileInfo(meta))
	return mux
}

// NewShardMux routes the block shard admin endpoints:
//
//	GET /health
//	GET /metrics
//	GET /stats
//	GET /blocks/{hash}
func NewShardMux(shard *block_store.BlockStore, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth(shard))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /stats", handleStats(shard))
	mux.HandleFunc("GET /blocks/{hash}", handleHasBlock(shard))
	return mux
}

func handleHealth(svc pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleListFiles(meta api.MetadataService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := meta.ListFiles(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		entries := make([]fileResponse, len(files))
		for i, f := range files {
			entries[i] = fileResponse{
				Name:    f.Filename,
				Version: f.Version,
				Blocks:  len(f.Hashlist),
				Deleted: f.Deleted(),
			}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleFileInfo(meta api.MetadataService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		info, err := meta.ReadFile(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !info.Exists() {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, fileResponse{
			Name:     name,
			Version:  info.Version,
			Blocks:   len(info.Hashlist),
			Deleted:  info.Deleted(),
			Hashlist: info.Hashlist,
		})
	}
}

func handleStats(shard *block_store.BlockStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := shard.Stats()
		writeJSON(w, http.StatusOK, statsResponse{Blocks: st.Blocks, Bytes: st.Bytes})
	}
}

func handleHasBlock(shard *block_store.BlockStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if !impl.ValidHash(hash) {
			http.Error(w, "invalid hash", http.StatusBadRequest)
			return
		}
		found, err := shard.HasBlock(r.Context(), hash)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"found": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logs.Warnf("admin: failed to encode response: %v", err)
	}
}
