package httpapi

// ============================================================================
// HTTP handlers
// 錯誤回應統一為 {"detail": "..."}
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/plan2mesh/internal/controller"
	"github.com/ChuLiYu/plan2mesh/internal/imagefmt"
	"github.com/ChuLiYu/plan2mesh/internal/jobmanager"
	"github.com/ChuLiYu/plan2mesh/internal/storage"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// 預設限制
const (
	DefaultMaxPhotos    = 20
	DefaultMaxFileBytes = 10 << 20
	DefaultListLimit    = 50
)

// Jobs is the controller surface used by the handlers.
type Jobs interface {
	Submit(ctx context.Context, sub controller.Submission) (types.Job, error)
	Status(id types.JobID) (controller.Report, error)
	List(filter jobmanager.ListFilter) []types.Job
	Delete(id types.JobID) error
	Health() controller.Health
}

// Limits bounds what an upload may contain.
type Limits struct {
	MaxPhotos    int
	MaxFileBytes int64
}

// API holds handler dependencies.
type API struct {
	Jobs    Jobs
	Layout  *storage.Layout
	Metrics http.Handler // nil disables /metrics
	Limits  Limits
	Version string
}

// ============================================================================
// 系統
// ============================================================================

func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "online",
		"service": "plan2mesh",
		"version": a.Version,
	})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	h := a.Jobs.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"device":      h.Device,
		"workers":     h.Workers,
		"queued":      h.Queued,
		"active_jobs": h.ActiveJobs,
		"total_jobs":  h.TotalJobs,
		"uptime":      h.Uptime.Round(time.Second).String(),
	})
}

// ============================================================================
// 上傳
// ============================================================================

// Upload accepts a multipart form with one "floorplan" file and 1..N
// "photos" files. Photos that are not decodable images are skipped.
func (a *API) Upload(w http.ResponseWriter, r *http.Request) {
	limits := a.limits()
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxFileBytes*int64(limits.MaxPhotos+1)+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	plans := r.MultipartForm.File["floorplan"]
	if len(plans) == 0 {
		writeError(w, http.StatusBadRequest, "Floorplan image is required")
		return
	}
	photos := r.MultipartForm.File["photos"]
	if len(photos) < 1 {
		writeError(w, http.StatusBadRequest, "At least 1 room photo is required")
		return
	}
	if len(photos) > limits.MaxPhotos {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Maximum %d photos allowed", limits.MaxPhotos))
		return
	}

	planData, err := readImage(plans[0], limits.MaxFileBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid floorplan image format")
		return
	}

	id := controller.NewJobID()
	fail := func(code int, msg string) {
		if err := a.Layout.RemoveJob(string(id), ""); err != nil {
			logger().Warn("failed to remove rejected upload", "jobID", id, "error", err)
		}
		writeError(w, code, msg)
	}

	planPath, err := a.Layout.SaveFloorplan(string(id), plans[0].Filename, planData)
	if err != nil {
		fail(http.StatusInternalServerError, "Failed to store floorplan")
		return
	}
	var photoPaths []string
	for i, fh := range photos {
		data, err := readImage(fh, limits.MaxFileBytes)
		if err != nil {
			logger().Warn("skipping invalid photo", "jobID", id, "file", fh.Filename, "error", err)
			continue
		}
		path, err := a.Layout.SavePhoto(string(id), i, fh.Filename, data)
		if err != nil {
			fail(http.StatusInternalServerError, "Failed to store photo")
			return
		}
		photoPaths = append(photoPaths, path)
	}
	if len(photoPaths) == 0 {
		fail(http.StatusBadRequest, "No valid photos provided")
		return
	}

	job, err := a.Jobs.Submit(r.Context(), controller.Submission{
		ID:            id,
		FloorplanPath: planPath,
		PhotoPaths:    photoPaths,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, controller.ErrStopped) {
			code = http.StatusServiceUnavailable
		}
		fail(code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"message": "Processing started",
	})
}

// readImage reads one part, enforcing the size limit and that it decodes.
func readImage(fh *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	if fh.Size > maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", fh.Filename, maxBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", fh.Filename, maxBytes)
	}
	if _, err := imagefmt.Sniff(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return data, nil
}

// ============================================================================
// 查詢
// ============================================================================

func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := a.Jobs.Status(types.JobID(id))
	if err != nil {
		a.jobError(w, err)
		return
	}

	resp := map[string]any{
		"job_id":     report.JobID,
		"status":     report.Status,
		"progress":   report.Progress,
		"message":    report.Message,
		"created_at": report.CreatedAt,
	}
	if report.CompletedAt != nil {
		resp["completed_at"] = report.CompletedAt
	}
	switch report.Status {
	case types.StatusCompleted:
		urls := make(map[string]string, len(report.Artifacts))
		for name, rel := range report.Artifacts {
			urls[name] = outputURL(id, rel)
		}
		resp["files"] = urls
		if u, ok := urls["model"]; ok {
			resp["model_url"] = u
		}
		if u, ok := urls["video"]; ok {
			resp["video_url"] = u
		}
		if u, ok := urls["scene_json"]; ok {
			resp["scene_json"] = u
		}
	case types.StatusFailed:
		resp["error"] = report.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobmanager.ListFilter{Limit: DefaultListLimit}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if s := q.Get("status"); s != "" {
		st := types.JobStatus(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		filter.Status = st
	}

	jobs := a.Jobs.List(filter)
	items := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		item := map[string]any{
			"job_id":     j.ID,
			"status":     j.Status,
			"progress":   j.Progress,
			"message":    j.Message,
			"created_at": j.CreatedAt,
		}
		if j.CompletedAt != nil {
			item["completed_at"] = j.CompletedAt
		}
		if j.Error != "" {
			item["error"] = j.Error
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

// Download serves one artifact of a completed job.
func (a *API) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "*")

	report, err := a.Jobs.Status(types.JobID(id))
	if err != nil {
		a.jobError(w, err)
		return
	}
	if report.Status != types.StatusCompleted {
		writeError(w, http.StatusBadRequest, "Job not completed")
		return
	}

	path, err := storage.ResolveOutput(a.Layout.JobOutputDir(id), name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file name")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Name()))
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (a *API) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Jobs.Delete(types.JobID(id)); err != nil {
		a.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job deleted successfully"})
}

// ============================================================================
// 工具
// ============================================================================

func (a *API) limits() Limits {
	l := a.Limits
	if l.MaxPhotos <= 0 {
		l.MaxPhotos = DefaultMaxPhotos
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = DefaultMaxFileBytes
	}
	return l
}

func (a *API) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, jobmanager.ErrJobBusy):
		writeError(w, http.StatusBadRequest, "Cannot delete job while processing")
	default:
		logger().Error("job request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func outputURL(id, rel string) string {
	return "/outputs/" + id + "/" + rel
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
