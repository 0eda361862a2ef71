package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simforge/internal/engine"
	"github.com/seantiz/simforge/internal/model"
	"github.com/seantiz/simforge/internal/storage"
	"github.com/seantiz/simforge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 32 << 20 // 32 MB, models are sent inline
)

// jobRequest is one job of a POST /v1/batches body. Exactly one of Model
// (inline model text) and ModelPath (a file below the server's work
// directory) is set. Weather.Path and OutputDir are also relative to the work
// directory.
type jobRequest struct {
	Model     string           `json:"model"`
	ModelPath string           `json:"model_path"`
	Weather   model.WeatherRef `json:"weather"`
	Options   model.Options    `json:"options"`
	OutputDir string           `json:"output_dir"`
	TimeoutS  float64          `json:"timeout_s"`
	Label     string           `json:"label"`
}

// createBatchRequest is the JSON body for POST /v1/batches.
type createBatchRequest struct {
	Jobs []jobRequest `json:"jobs"`
}

// listBatchesResponse wraps the paginated list response.
type listBatchesResponse struct {
	Batches []*model.Batch `json:"batches"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

func (r jobRequest) spec(i int, workDir string) (model.JobSpec, error) {
	j := model.JobSpec{
		Weather: r.Weather,
		Options: r.Options,
		Timeout: time.Duration(r.TimeoutS * float64(time.Second)),
		Label:   r.Label,
	}
	if r.Weather.Path != "" && r.Weather.URI != "" {
		return j, errors.Newf("job %d: weather path and uri are mutually exclusive", i)
	}
	if r.TimeoutS < 0 {
		return j, errors.Newf("job %d: timeout_s must not be negative", i)
	}

	switch {
	case r.Model != "" && r.ModelPath != "":
		return j, errors.Newf("job %d: model and model_path are mutually exclusive", i)
	case r.Model != "":
		j.Document = model.RawDocument(r.Model)
	case r.ModelPath != "":
		p, err := storage.ResolveUnder(workDir, r.ModelPath)
		if err != nil {
			return j, errors.Wrapf(err, "job %d: model_path", i)
		}
		j.Document = model.FileDocument(p)
	default:
		return j, errors.Newf("job %d: model or model_path is required", i)
	}

	if r.Weather.Path != "" {
		p, err := storage.ResolveUnder(workDir, r.Weather.Path)
		if err != nil {
			return j, errors.Wrapf(err, "job %d: weather path", i)
		}
		j.Weather.Path = p
	}
	if r.OutputDir != "" {
		p, err := storage.ResolveUnder(workDir, r.OutputDir)
		if err != nil {
			return j, errors.Wrapf(err, "job %d: output_dir", i)
		}
		j.OutputDir = p
	}
	return j, nil
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(req.Jobs) == 0 {
		s.writeError(w, http.StatusBadRequest, "jobs is required")
		return
	}

	jobs := make([]model.JobSpec, len(req.Jobs))
	for i, jr := range req.Jobs {
		j, err := jr.spec(i, s.workDir)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		jobs[i] = j
	}

	b, err := s.sched.Submit(r.Context(), jobs)
	switch {
	case errors.Is(err, engine.ErrDuplicateOutput):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrEngineNotFound):
		s.logger.Error("submit batch", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "simulation engine not available")
		return
	case err != nil:
		s.logger.Error("submit batch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit batch")
		return
	}

	s.writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := s.store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		s.logger.Error("get batch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get batch")
		return
	}

	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	batches, total, err := s.store.ListBatches(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list batches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}

	if batches == nil {
		batches = []*model.Batch{}
	}

	s.writeJSON(w, http.StatusOK, listBatchesResponse{
		Batches: batches,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleCancelBatch cancels a running batch. Jobs already finished keep their
// outcomes; the rest finish as cancelled.
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := s.store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		s.logger.Error("get batch for cancel", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get batch")
		return
	}

	if !s.sched.Cancel(id) {
		s.writeError(w, http.StatusConflict, "batch is not running")
		return
	}
	s.logger.Info("batch cancel requested", "batch_id", id)

	s.writeJSON(w, http.StatusAccepted, b)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
