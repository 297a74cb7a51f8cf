package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/brunobiangulo/storyline"
	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/store"
)

type handler struct {
	engine storyline.Engine

	// ctx bounds background runs; it is cancelled on shutdown.
	ctx context.Context
	wg  sync.WaitGroup
}

func newHandler(ctx context.Context, e storyline.Engine) *handler {
	return &handler{engine: e, ctx: ctx}
}

// wait blocks until every background run has returned.
func (h *handler) wait() {
	h.wg.Wait()
}

type runRequest struct {
	Path         string `json:"path"`
	NovelName    string `json:"novel_name,omitempty"`
	TaxonomyPath string `json:"taxonomy_path,omitempty"`
	Reset        bool   `json:"reset,omitempty"`
}

// POST /runs
// Accepts a multipart upload ("file", optional "novel_name") or JSON with
// a file path. The run continues in the background; progress is streamed
// on /runs/{id}/stream.
func (h *handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	runID := uuid.NewString()
	var req runRequest
	var upload string

	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart request needs a 'file' field")
			return
		}
		defer file.Close()

		// Sanitise filename to prevent path traversal.
		safeName := filepath.Base(header.Filename)
		upload = filepath.Join(os.TempDir(), runID+"-"+safeName)
		dst, err := os.Create(upload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to process file")
			slog.Error("creating temp file", "error", err)
			return
		}
		if _, err := io.Copy(dst, file); err != nil {
			dst.Close()
			os.Remove(upload)
			writeError(w, http.StatusInternalServerError, "failed to save file")
			slog.Error("saving uploaded file", "error", err)
			return
		}
		dst.Close()

		req.Path = upload
		req.NovelName = r.FormValue("novel_name")
		if req.NovelName == "" {
			req.NovelName = trimExt(safeName)
		}
		req.TaxonomyPath = r.FormValue("taxonomy_path")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}

	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	for _, p := range []string{req.Path, req.TaxonomyPath} {
		if p == "" {
			continue
		}
		// Validate that path is a real file (prevents directory traversal probing).
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			if upload != "" {
				os.Remove(upload)
			}
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
	}

	opts := []storyline.ProcessOption{storyline.WithRunID(runID)}
	if req.NovelName != "" {
		opts = append(opts, storyline.WithNovelName(req.NovelName))
	}
	if req.TaxonomyPath != "" {
		opts = append(opts, storyline.WithTaxonomy(req.TaxonomyPath))
	}
	if req.Reset {
		opts = append(opts, storyline.WithReset())
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if upload != "" {
			defer os.Remove(upload)
		}
		res, err := h.engine.ProcessNovel(h.ctx, req.Path, opts...)
		if err != nil {
			slog.Error("run failed", "run", runID, "error", err)
			return
		}
		slog.Info("run finished", "run", runID, "state", res.State,
			"events", res.Stats.EventsFound, "relationships", res.Stats.RelationshipsCreated)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"stream": "/runs/" + runID + "/stream",
	})
}

// runView is a run row with its stats decoded.
type runView struct {
	ID           string          `json:"id"`
	NovelName    string          `json:"novelName"`
	DocumentPath string          `json:"documentPath,omitempty"`
	State        string          `json:"state"`
	Stats        json.RawMessage `json:"stats,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    string          `json:"createdAt"`
	UpdatedAt    string          `json:"updatedAt"`
}

func viewOf(r store.Run) runView {
	v := runView{
		ID:           r.ID,
		NovelName:    r.NovelName,
		DocumentPath: r.DocumentPath,
		State:        r.State,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Stats != "" && json.Valid([]byte(r.Stats)) {
		v.Stats = json.RawMessage(r.Stats)
	}
	return v
}

// GET /runs
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		slog.Error("list runs error", "error", err)
		return
	}
	views := make([]runView, len(runs))
	for i, run := range runs {
		views[i] = viewOf(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": views,
	})
}

// GET /runs/{id}
func (h *handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*run))
}

// GET /runs/{id}/log
func (h *handler) handleRunLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !bus.ValidRunID(id) {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	log, err := h.engine.Replay(r.Context(), id)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	if log == nil {
		log = []bus.Envelope{}
	}
	writeJSON(w, http.StatusOK, log)
}

func (h *handler) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storyline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, bus.ErrInvalidRunID):
		writeError(w, http.StatusBadRequest, "invalid run id")
	default:
		writeError(w, http.StatusInternalServerError, "failed to load run")
		slog.Error("run lookup error", "error", err)
	}
}

// GET /novels/{name}/events
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	events, err := h.engine.Events(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		slog.Error("list events error", "novel", name, "error", err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"novel":  name,
		"events": events,
	})
}

// GET /novels/{name}/relationships
func (h *handler) handleRelationships(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rels, err := h.engine.Relationships(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list relationships")
		slog.Error("list relationships error", "novel", name, "error", err)
		return
	}
	if rels == nil {
		rels = []store.Relationship{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"novel":         name,
		"relationships": rels,
	})
}

// DELETE /novels/{name}
func (h *handler) handleDeleteNovel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.engine.DeleteNovel(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		slog.Error("delete novel error", "novel", name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		slog.Warn("server: health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"database": stats,
	})
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
