package api

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simforge/internal/cache"
	"github.com/seantiz/simforge/internal/model"
	"github.com/seantiz/simforge/internal/storage"
)

type clearCacheResponse struct {
	Removed int `json:"removed"`
}

// cacheOrError returns the scheduler's cache, writing a 503 when caching is
// disabled.
func (s *Server) cacheOrError(w http.ResponseWriter) *cache.Cache {
	c := s.sched.Cache()
	if c == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cache is disabled")
	}
	return c
}

func (s *Server) keyParam(w http.ResponseWriter, r *http.Request) (model.CacheKey, bool) {
	key, err := model.ParseCacheKey(chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid cache key")
		return key, false
	}
	return key, true
}

func (s *Server) handleGetCacheEntry(w http.ResponseWriter, r *http.Request) {
	c := s.cacheOrError(w)
	if c == nil {
		return
	}
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	entry, err := c.Entry(r.Context(), key)
	switch {
	case storage.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, "cache entry not found")
	case errors.Is(err, cache.ErrCacheCorruption):
		s.writeError(w, http.StatusConflict, "cache entry is corrupt")
	case err != nil:
		s.logger.Error("get cache entry", "cache_key", key.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read cache entry")
	default:
		s.writeJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleInvalidateCacheEntry(w http.ResponseWriter, r *http.Request) {
	c := s.cacheOrError(w)
	if c == nil {
		return
	}
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	if err := c.Invalidate(r.Context(), key); err != nil {
		s.logger.Error("invalidate cache entry", "cache_key", key.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to invalidate cache entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	c := s.cacheOrError(w)
	if c == nil {
		return
	}

	n, err := c.Clear(r.Context())
	if err != nil {
		s.logger.Error("clear cache", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	s.logger.Info("cache cleared", "entries", n)
	s.writeJSON(w, http.StatusOK, clearCacheResponse{Removed: n})
}
