// Package handlers exposes the REST surface: upload, status polling, the
// worker progress callback, download, and quota queries.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"filepulse/dispatch"
	"filepulse/models"
	"filepulse/progress"
	"filepulse/ratelimit"
	"filepulse/services"
	"filepulse/store"

	"github.com/gorilla/mux"
)

// Identity is what the upstream credential provider supplies: who the
// caller is and whether they are authenticated.
type Identity struct {
	Owner         string
	Authenticated bool
}

// IdentityFunc resolves the caller identity from a request. The default
// trusts the gateway-set X-User-ID header; everything else is a guest.
type IdentityFunc func(*http.Request) Identity

func HeaderIdentity(r *http.Request) Identity {
	if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
		return Identity{Owner: userID, Authenticated: true}
	}
	return Identity{Owner: models.GuestOwner}
}

type Handler struct {
	jobs       store.Jobs
	limiter    ratelimit.Limiter
	projector  *progress.Projector
	dispatcher *dispatch.Dispatcher
	blobs      services.BlobStore
	identity   IdentityFunc
	dailyLimit int

	now func() time.Time
}

func NewHandler(
	jobs store.Jobs,
	limiter ratelimit.Limiter,
	projector *progress.Projector,
	dispatcher *dispatch.Dispatcher,
	blobs services.BlobStore,
	identity IdentityFunc,
	dailyLimit int,
) *Handler {
	if identity == nil {
		identity = HeaderIdentity
	}
	return &Handler{
		jobs:       jobs,
		limiter:    limiter,
		projector:  projector,
		dispatcher: dispatcher,
		blobs:      blobs,
		identity:   identity,
		dailyLimit: dailyLimit,
		now:        time.Now,
	}
}

// Upload handles POST /api/conversions/upload.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ident := h.identity(r)
	quotaID := ratelimit.ClientIdentity(r)

	allowed, _, err := h.limiter.Check(r.Context(), quotaID, ident.Authenticated)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}
	if !allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":                 "Guest conversion limit reached",
			"message":               fmt.Sprintf("You have used your %d free conversions today. Please register for unlimited conversions.", h.dailyLimit),
			"remaining_conversions": 0,
			"requires_registration": true,
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "File and target_format required")
		return
	}
	defer file.Close()

	targetFormat := models.NormalizeFormat(r.FormValue("target_format"))
	if targetFormat == "" {
		writeError(w, http.StatusBadRequest, "File and target_format required")
		return
	}

	sourceFormat := models.NormalizeFormat(filepath.Ext(header.Filename))
	if sourceFormat == "" {
		writeError(w, http.StatusBadRequest, "Cannot determine file type from filename")
		return
	}
	if !models.FormatSupported(sourceFormat) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported source format: %s", sourceFormat))
		return
	}
	if !models.FormatSupported(targetFormat) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported target format: %s", targetFormat))
		return
	}

	head := make([]byte, 512)
	n, _ := file.Read(head)
	mimeType := services.SniffContentType(head[:n])
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read file")
		return
	}

	inputLocation, err := h.blobs.Put(r.Context(), file, header.Filename)
	if err != nil {
		log.Printf("blob upload failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save file")
		return
	}

	job := &models.Job{
		Owner:            ident.Owner,
		OriginalFilename: header.Filename,
		FileSize:         header.Size,
		SourceFormat:     sourceFormat,
		TargetFormat:     targetFormat,
		Status:           models.StatusQueued,
		InputLocation:    inputLocation,
		CreatedAt:        h.now(),
	}
	if err := h.jobs.Create(r.Context(), job); err != nil {
		if delErr := h.blobs.Delete(r.Context(), inputLocation); delErr != nil {
			log.Printf("failed to delete blob after create failure: %v", delErr)
		}
		log.Printf("job create failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.limiter.Consume(r.Context(), quotaID, ident.Authenticated); err != nil {
		log.Printf("quota consume failed for %s: %v", quotaID, err)
	}

	if err := h.dispatcher.Enqueue(r.Context(), job); err != nil {
		log.Printf("dispatch failed for job %s: %v", job.JobID, err)
		writeError(w, http.StatusInternalServerError, "Failed to dispatch conversion")
		return
	}

	resp := map[string]interface{}{
		"job_id":              job.JobID,
		"status":              string(job.Status),
		"original_filename":   job.OriginalFilename,
		"source_format":       strings.ToUpper(job.SourceFormat),
		"target_format":       strings.ToUpper(job.TargetFormat),
		"file_size":           job.FileSize,
		"mime_type":           mimeType,
		"is_guest_conversion": job.IsGuest(),
	}
	if job.IsGuest() {
		_, remaining, err := h.limiter.Check(r.Context(), quotaID, false)
		if err == nil {
			resp["remaining_guest_conversions"] = remaining
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Status handles GET /api/conversions/status/{job_id}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	proj, err := h.projector.Project(r.Context(), jobID, h.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		log.Printf("status projection failed for %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "Job status error")
		return
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}

	resp := map[string]interface{}{
		"job_id":        job.JobID,
		"status":        string(proj.Status),
		"progress":      proj.Percent,
		"current_stage": proj.Stage,
		"file_info": map[string]interface{}{
			"original_filename": job.OriginalFilename,
			"file_size":         job.FileSize,
			"source_format":     job.SourceFormat,
			"target_format":     job.TargetFormat,
		},
		"created_at": job.CreatedAt.Format(time.RFC3339),
	}
	if proj.Status == models.StatusCompleted {
		resp["download_url"] = fmt.Sprintf("/api/conversions/download/%s", job.JobID)
		resp["output_file_size"] = int64(float64(job.FileSize) * 0.9)
	}
	writeJSON(w, http.StatusOK, resp)
}

type progressRequest struct {
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
}

// Progress handles POST /api/conversions/progress/{job_id}, the worker
// callback. Unknown job ids still return 200 so late reports after
// eviction are harmless.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid progress payload")
		return
	}
	if req.Stage == "" {
		req.Stage = models.StageConverting
	}
	if req.Status == "" {
		req.Status = string(models.StatusProcessing)
	}

	if err := h.dispatcher.ReportProgress(r.Context(), jobID, req.Progress, req.Stage, models.Status(req.Status)); err != nil {
		log.Printf("progress report failed for %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "Failed to update progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Progress updated successfully"})
}

// Download handles GET /api/conversions/download/{job_id}.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	dl, err := h.dispatcher.RequestDownload(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, dispatch.ErrNotReady):
			writeError(w, http.StatusBadRequest, "File not ready for download")
		case errors.Is(err, services.ErrBlobNotFound):
			writeError(w, http.StatusNotFound, "Converted file not found")
		default:
			log.Printf("download failed for %s: %v", jobID, err)
			writeError(w, http.StatusInternalServerError, "Download error")
		}
		return
	}
	defer dl.Body.Close()

	contentType := mime.TypeByExtension("." + dl.Job.TargetFormat)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
	if _, err := io.Copy(w, dl.Body); err != nil {
		log.Printf("download stream failed for %s: %v", jobID, err)
	}
}

// Quota handles GET /api/conversions/guest-status.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	ident := h.identity(r)
	quotaID := ratelimit.ClientIdentity(r)

	allowed, remaining, err := h.limiter.Check(r.Context(), quotaID, ident.Authenticated)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}

	resp := map[string]interface{}{
		"can_convert":           allowed,
		"remaining_conversions": remaining,
		"is_authenticated":      ident.Authenticated,
	}
	if ident.Authenticated {
		resp["daily_limit"] = "unlimited"
		resp["remaining_conversions"] = "unlimited"
	} else {
		resp["daily_limit"] = h.dailyLimit
	}
	writeJSON(w, http.StatusOK, resp)
}

// Supported handles GET /api/conversions/supported.
func (h *Handler) Supported(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.SupportedConversions())
}

// Presets handles GET /api/conversions/presets.
func (h *Handler) Presets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"video": map[string]interface{}{
			"4k":    map[string]interface{}{"width": 3840, "height": 2160, "bitrate": "8000k"},
			"1080p": map[string]interface{}{"width": 1920, "height": 1080, "bitrate": "2000k"},
			"720p":  map[string]interface{}{"width": 1280, "height": 720, "bitrate": "1000k"},
			"480p":  map[string]interface{}{"width": 854, "height": 480, "bitrate": "500k"},
		},
		"audio": map[string]interface{}{
			"high":       map[string]interface{}{"bitrate": "320kbps"},
			"standard":   map[string]interface{}{"bitrate": "192kbps"},
			"compressed": map[string]interface{}{"bitrate": "128kbps"},
		},
		"image": map[string]interface{}{
			"best_quality":     map[string]interface{}{"quality": 95},
			"balanced":         map[string]interface{}{"quality": 80},
			"best_compression": map[string]interface{}{"quality": 60},
		},
	})
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "API is working!",
		"timestamp": h.now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
