package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docrobotics/viewerd/model"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", slog.String("err", err.Error()))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

func (s *Server) handleSpec(w http.ResponseWriter, _ *http.Request) {
	collection, err := model.LoadSchemaCollection(s.cfg.SchemaDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.respondError(w, http.StatusNotFound, "Schema directory not found. Is dr CLI initialized?")
			return
		}
		s.logger.Error("failed to load spec", slog.String("err", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "Failed to load spec: "+err.Error())
		return
	}

	s.logger.Info("serving schema collection", slog.Int("schemas", collection.SchemaCount))
	s.respondJSON(w, http.StatusOK, collection)
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	m, err := s.loader.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.respondError(w, http.StatusNotFound, "Model manifest not found. Is dr CLI initialized?")
			return
		}
		s.logger.Error("failed to load model", slog.String("err", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "Failed to load model: "+err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleLinkRegistry(w http.ResponseWriter, _ *http.Request) {
	registry, err := model.LoadLinkRegistry(s.cfg.SchemaDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.respondError(w, http.StatusNotFound, "Link registry not found. Is dr CLI initialized?")
			return
		}
		s.logger.Error("failed to load link registry", slog.String("err", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "Failed to load link registry: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(registry); err != nil {
		s.logger.Error("failed to write link registry", slog.String("err", err.Error()))
	}
}

func (s *Server) handleChangesets(w http.ResponseWriter, _ *http.Request) {
	registry, err := s.changesets.Registry()
	if err != nil {
		s.logger.Error("failed to load changeset registry", slog.String("err", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "Failed to load changesets: "+err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, registry)
}

func (s *Server) handleChangeset(w http.ResponseWriter, r *http.Request) {
	changesetID := chi.URLParam(r, "changesetID")

	changeset, err := s.changesets.Get(changesetID)
	if err != nil {
		if errors.Is(err, model.ErrChangesetNotFound) {
			s.respondError(w, http.StatusNotFound, "Changeset "+changesetID+" not found")
			return
		}
		s.logger.Error("failed to load changeset",
			slog.String("changesetID", changesetID),
			slog.String("err", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "Failed to load changeset: "+err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, changeset)
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	elementID := r.URL.Query().Get("elementId")

	list, err := s.annotation.List(elementID)
	if err != nil {
		s.logger.Error("failed to load annotations", slog.String("err", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "Failed to load annotations: "+err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

// mountStatic serves the built viewer app: /assets from disk, everything else
// falls back to the app's index page so client-side routing works.
func (s *Server) mountStatic(mux *chi.Mux) {
	assetsDir := filepath.Join(s.cfg.StaticDir, "assets")
	mux.Handle("/assets/*", http.StripPrefix("/assets/",
		http.FileServer(http.Dir(assetsDir))))

	index := filepath.Join(s.cfg.StaticDir, "index.html")
	mux.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if strings.HasPrefix(path, "api/") || strings.HasPrefix(path, "assets/") {
			s.respondError(w, http.StatusNotFound, "Not found")
			return
		}
		if _, err := os.Stat(index); err != nil {
			s.respondError(w, http.StatusNotFound, "Viewer app not built")
			return
		}
		http.ServeFile(w, r, index)
	})
}

// instrument records request counts and latency per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		s.metrics.httpDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
