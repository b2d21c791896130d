package server

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/goccy/go-json"

	"github.com/voyagen/mayotv/internal/directory"
	"github.com/voyagen/mayotv/internal/fetcher"
	"github.com/voyagen/mayotv/internal/models"
	"github.com/voyagen/mayotv/internal/playlist"
	"github.com/voyagen/mayotv/internal/service"
)

// originHeader reports whether a directory response came from the
// snapshot, a fresh fetch or the demo catalog.
const originHeader = "X-Directory-Origin"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- directory handlers ---

func (s *Server) handleSkeleton(w http.ResponseWriter, r *http.Request) {
	sk, err := s.dir.Skeleton(r.Context())
	if err != nil {
		var rfe *fetcher.ResourceFetchError
		if errors.As(err, &rfe) {
			s.writeErr(w, r, http.StatusBadGateway, err)
			return
		}
		s.writeErr(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	dir, origin := s.dir.Full(r.Context())
	w.Header().Set(originHeader, string(origin))
	writeJSON(w, http.StatusOK, dir)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.queue != nil {
		job, err := s.queue.Push(r.Context(), "api")
		if err != nil {
			s.writeErr(w, r, http.StatusServiceUnavailable, fmt.Errorf("enqueue refresh: %w", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "queued"})
		return
	}

	dir, err := s.dir.Refresh(r.Context())
	if err != nil {
		s.writeErr(w, r, http.StatusBadGateway, err)
		return
	}
	s.views.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed", "channels": len(dir.AllChannels)})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Invalidate(r.Context()); err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, err)
		return
	}
	s.views.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// --- browsing handlers ---

func filterFrom(r *http.Request) directory.Filter {
	q := r.URL.Query()
	return directory.Filter{
		Country:  q.Get("country"),
		Category: q.Get("category"),
		Language: q.Get("language"),
		Query:    q.Get("q"),
	}
}

// channels returns the filtered list, memoized unless the directory is
// the demo catalog.
func (s *Server) channels(r *http.Request) ([]models.Channel, service.Origin) {
	f := filterFrom(r)
	key := f.Key()
	if v, ok := s.views.Get(r.Context(), key); ok {
		return v, service.OriginCache
	}
	dir, origin := s.dir.Full(r.Context())
	chs := f.Apply(dir)
	if origin != service.OriginDemo {
		s.views.Set(r.Context(), key, chs)
	}
	return chs, origin
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	chs, origin := s.channels(r)
	w.Header().Set(originHeader, string(origin))
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": chs,
		"total":    len(chs),
	})
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	dir, origin := s.dir.Full(r.Context())
	w.Header().Set(originHeader, string(origin))
	writeJSON(w, http.StatusOK, nonNil(dir.Countries))
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	dir, origin := s.dir.Full(r.Context())
	w.Header().Set(originHeader, string(origin))
	writeJSON(w, http.StatusOK, nonNil(dir.Categories))
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	dir, origin := s.dir.Full(r.Context())
	w.Header().Set(originHeader, string(origin))
	writeJSON(w, http.StatusOK, nonNil(dir.Languages))
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	chs, origin := s.channels(r)
	w.Header().Set(originHeader, string(origin))
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Content-Disposition", `attachment; filename="mayotv.m3u"`)
	w.WriteHeader(http.StatusOK)
	if err := playlist.WriteM3U(w, chs); err != nil {
		l := s.log.WithContext(r.Context())
		l.Warn().Err(err).Msg("playlist write")
	}
}

// --- view cache handlers ---

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.views.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		n := s.views.Len()
		s.views.Clear(r.Context())
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
		return
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, fmt.Errorf("invalid pattern: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.views.InvalidatePattern(r.Context(), re)})
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		l := s.log.WithContext(r.Context())
		l.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}
