package api

import (
	"net/http"
	"time"

	"sitecache/pkg/cache"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// cachePutRequest is the body of PUT /api/cache/{key}. TTL is in seconds;
// omitted means the cache default and 0 means never expire.
type cachePutRequest struct {
	Value any      `json:"value"`
	TTL   *int     `json:"ttl,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := s.cache.Stats(ctx)

	writeJSON(w, http.StatusOK, map[string]any{
		"backend":     stats.Backend,
		"size":        stats.Size,
		"memoryUsage": stats.MemoryUsage,
		"circuit":     s.cache.CircuitState().String(),
	})
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := cache.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, ok := s.cache.GetEntry(r.Context(), key)
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}

	resp := map[string]any{
		"key":      key,
		"value":    entry.Value,
		"metadata": entry.Metadata,
	}
	if exp := entry.ExpiresAt(); exp > 0 {
		resp["expiresAt"] = exp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := cache.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req cachePutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	var opts []cache.SetOption
	if req.TTL != nil {
		if *req.TTL < 0 {
			writeError(w, http.StatusBadRequest, "ttl must not be negative")
			return
		}
		opts = append(opts, cache.WithTTL(time.Duration(*req.TTL)*time.Second))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, cache.WithTags(req.Tags...))
	}

	if !s.cache.Set(r.Context(), key, req.Value, opts...) {
		writeError(w, http.StatusServiceUnavailable, "cache write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "stored": true})
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := cache.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"deleted": s.cache.Delete(r.Context(), key),
	})
}

func (s *Server) handleInvalidateTag(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	removed := s.cache.InvalidateByTag(r.Context(), tag)

	s.logger.Info("cache tag invalidated",
		zap.String("tag", tag),
		zap.Int("removed", removed),
		zap.String("request_id", RequestID(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "removed": removed})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if !s.cache.Clear(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "cache clear failed")
		return
	}

	s.logger.Warn("cache cleared", zap.String("request_id", RequestID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limiter, ok := s.limiters.Get(vars["limiter"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown limiter")
		return
	}

	if err := limiter.Reset(r.Context(), vars["identity"]); err != nil {
		s.logger.Error("rate limit reset failed",
			zap.String("limiter", limiter.Name()),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "reset failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
