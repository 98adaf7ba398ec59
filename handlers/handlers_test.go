package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"filepulse/dispatch"
	"filepulse/progress"
	"filepulse/ratelimit"
	"filepulse/services"
	"filepulse/store"

	"github.com/gorilla/mux"
)

type fixture struct {
	handler *Handler
	router  *mux.Router
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	jobs := store.NewMemoryStore(time.Hour)
	blobs := services.NewMemoryBlobs()
	limiter := ratelimit.NewMemory(3)
	projector := progress.NewProjector(jobs, blobs)
	dispatcher := dispatch.NewDispatcher(dispatch.NopQueue{}, jobs, blobs)

	f := &fixture{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	f.handler = NewHandler(jobs, limiter, projector, dispatcher, blobs, nil, 3)
	f.handler.now = func() time.Time { return f.now }
	f.router = NewRouter(f.handler)
	return f
}

func uploadRequest(t *testing.T, filename, content, targetFormat string) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := io.Copy(part, strings.NewReader(content)); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if targetFormat != "" {
		_ = writer.WriteField("target_format", targetFormat)
	}
	_ = writer.Close()

	r := httptest.NewRequest("POST", "/api/conversions/upload", body)
	r.Header.Set("Content-Type", writer.FormDataContentType())
	r.RemoteAddr = "203.0.113.7:51234"
	return r
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestGuestUploadPollDownload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	content := strings.Repeat("x", 1024)

	w := f.do(uploadRequest(t, "photo.jpg", content, "png"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201 (%s)", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["is_guest_conversion"] != true {
		t.Error("expected is_guest_conversion true")
	}
	if resp["remaining_guest_conversions"] != float64(2) {
		t.Errorf("remaining_guest_conversions = %v, want 2", resp["remaining_guest_conversions"])
	}
	if resp["source_format"] != "JPG" || resp["target_format"] != "PNG" {
		t.Errorf("formats = %v/%v, want JPG/PNG", resp["source_format"], resp["target_format"])
	}
	if resp["status"] != "queued" {
		t.Errorf("status = %v, want queued", resp["status"])
	}
	jobID, _ := resp["job_id"].(string)
	if jobID == "" {
		t.Fatal("missing job_id")
	}

	// Download before completion is rejected
	w = f.do(httptest.NewRequest("GET", "/api/conversions/download/"+jobID, nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("early download status = %d, want 400", w.Code)
	}

	// First poll starts the simulated clock
	f.do(httptest.NewRequest("GET", "/api/conversions/status/"+jobID, nil))

	f.now = f.now.Add(1 * time.Second)
	w = f.do(httptest.NewRequest("GET", "/api/conversions/status/"+jobID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status poll = %d, want 200", w.Code)
	}
	status := decode(t, w)
	if status["current_stage"] != "uploading" {
		t.Errorf("stage at 1s = %v, want uploading", status["current_stage"])
	}
	pct := status["progress"].(float64)
	if pct < 10 || pct > 30 {
		t.Errorf("progress at 1s = %v, want within [10,30]", pct)
	}

	f.now = f.now.Add(10 * time.Second)
	w = f.do(httptest.NewRequest("GET", "/api/conversions/status/"+jobID, nil))
	status = decode(t, w)
	if status["status"] != "completed" || status["progress"] != float64(100) {
		t.Fatalf("at 11s: status=%v progress=%v, want completed/100", status["status"], status["progress"])
	}
	if status["download_url"] == nil {
		t.Fatal("completed status must carry a download url")
	}

	w = f.do(httptest.NewRequest("GET", "/api/conversions/download/"+jobID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("download status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != content {
		t.Errorf("downloaded %d bytes, want the 1024-byte artifact", len(got))
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "converted_photo.jpg") {
		t.Errorf("content disposition = %q, want converted_photo.jpg", cd)
	}
}

func TestFourthGuestUploadRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := 0; i < 3; i++ {
		w := f.do(uploadRequest(t, fmt.Sprintf("file%d.jpg", i), "data", "png"))
		if w.Code != http.StatusCreated {
			t.Fatalf("upload %d status = %d, want 201", i+1, w.Code)
		}
	}

	w := f.do(uploadRequest(t, "file4.jpg", "data", "png"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth upload status = %d, want 429", w.Code)
	}
	resp := decode(t, w)
	if resp["requires_registration"] != true {
		t.Error("expected requires_registration true")
	}
	if resp["remaining_conversions"] != float64(0) {
		t.Errorf("remaining_conversions = %v, want 0", resp["remaining_conversions"])
	}
}

func TestAuthenticatedUploadBypassesQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := 0; i < 5; i++ {
		r := uploadRequest(t, fmt.Sprintf("file%d.jpg", i), "data", "png")
		r.Header.Set("X-User-ID", "42")
		w := f.do(r)
		if w.Code != http.StatusCreated {
			t.Fatalf("upload %d status = %d, want 201", i+1, w.Code)
		}
		resp := decode(t, w)
		if resp["is_guest_conversion"] != false {
			t.Error("expected is_guest_conversion false for authenticated upload")
		}
		if _, ok := resp["remaining_guest_conversions"]; ok {
			t.Error("authenticated responses must not carry remaining_guest_conversions")
		}
	}
}

func TestUploadValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// Missing target format
	w := f.do(uploadRequest(t, "photo.jpg", "data", ""))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing target: status = %d, want 400", w.Code)
	}

	// Unsupported target format
	w = f.do(uploadRequest(t, "photo.jpg", "data", "exe"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported target: status = %d, want 400", w.Code)
	}

	// Unsupported source format
	w = f.do(uploadRequest(t, "binary.exe", "data", "png"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported source: status = %d, want 400", w.Code)
	}

	// Missing file entirely
	r := httptest.NewRequest("POST", "/api/conversions/upload", strings.NewReader("target_format=png"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.RemoteAddr = "203.0.113.7:51234"
	if w := f.do(r); w.Code != http.StatusBadRequest {
		t.Errorf("missing file: status = %d, want 400", w.Code)
	}

	// None of the rejects consumed quota
	wq := f.do(httptest.NewRequest("GET", "/api/conversions/guest-status", nil))
	quota := decode(t, wq)
	if quota["remaining_conversions"] != float64(3) {
		t.Errorf("remaining after rejects = %v, want 3", quota["remaining_conversions"])
	}
}

func TestProgressCallbackForEvictedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := strings.NewReader(`{"progress":50,"stage":"converting","status":"processing"}`)
	r := httptest.NewRequest("POST", "/api/conversions/progress/evicted-job-id", body)
	w := f.do(r)
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d, want 200 no-op", w.Code)
	}
}

func TestWorkerReportOverridesSimulation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(uploadRequest(t, "photo.jpg", "data", "png"))
	jobID := decode(t, w)["job_id"].(string)

	body := strings.NewReader(`{"progress":50,"stage":"converting","status":"processing"}`)
	if w := f.do(httptest.NewRequest("POST", "/api/conversions/progress/"+jobID, body)); w.Code != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", w.Code)
	}

	// Long past the simulated completion boundary, the report still wins
	f.now = f.now.Add(time.Minute)
	status := decode(t, f.do(httptest.NewRequest("GET", "/api/conversions/status/"+jobID, nil)))
	if status["status"] != "processing" || status["progress"] != float64(50) {
		t.Errorf("status = %v/%v, want reported processing/50", status["status"], status["progress"])
	}
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(httptest.NewRequest("GET", "/api/conversions/status/ghost", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	r := httptest.NewRequest("GET", "/api/conversions/guest-status", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	resp := decode(t, f.do(r))
	if resp["can_convert"] != true || resp["remaining_conversions"] != float64(3) {
		t.Errorf("guest quota = %v, want can_convert/3", resp)
	}
	if resp["is_authenticated"] != false || resp["daily_limit"] != float64(3) {
		t.Errorf("guest quota flags = %v, want unauthenticated with limit 3", resp)
	}

	r = httptest.NewRequest("GET", "/api/conversions/guest-status", nil)
	r.Header.Set("X-User-ID", "42")
	resp = decode(t, f.do(r))
	if resp["is_authenticated"] != true || resp["daily_limit"] != "unlimited" {
		t.Errorf("authenticated quota = %v, want unlimited", resp)
	}
}
