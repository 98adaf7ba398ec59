package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"filepulse/models"
	"filepulse/services"
	"filepulse/store"
)

type stubQueue struct {
	err    error
	pushed []*models.Job
}

func (q *stubQueue) Push(_ context.Context, job *models.Job) error {
	if q.err != nil {
		return q.err
	}
	q.pushed = append(q.pushed, job)
	return nil
}

func newJob(t *testing.T, jobs store.Jobs, blobs services.BlobStore) *models.Job {
	t.Helper()

	input, err := blobs.Put(context.Background(), strings.NewReader("payload"), "photo.jpg")
	if err != nil {
		t.Fatalf("blob put failed: %v", err)
	}
	job := &models.Job{
		Owner:            models.GuestOwner,
		OriginalFilename: "photo.jpg",
		FileSize:         7,
		SourceFormat:     "jpg",
		TargetFormat:     "png",
		InputLocation:    input,
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return job
}

func TestEnqueueHandsOff(t *testing.T) {
	t.Parallel()

	jobs := store.NewMemoryStore(time.Hour)
	blobs := services.NewMemoryBlobs()
	queue := &stubQueue{}
	d := NewDispatcher(queue, jobs, blobs)

	job := newJob(t, jobs, blobs)
	if err := d.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if len(queue.pushed) != 1 || queue.pushed[0].JobID != job.JobID {
		t.Fatalf("job was not handed to the queue")
	}
}

func TestEnqueueFailureRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := store.NewMemoryStore(time.Hour)
	blobs := services.NewMemoryBlobs()
	queue := &stubQueue{err: errors.New("redis down")}
	d := NewDispatcher(queue, jobs, blobs)

	job := newJob(t, jobs, blobs)
	err := d.Enqueue(ctx, job)
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("err = %v, want ErrDispatchFailed", err)
	}

	// No orphaned queued job, no orphaned blob
	if _, err := jobs.Get(ctx, job.JobID); err != store.ErrNotFound {
		t.Errorf("job survived rollback: %v", err)
	}
	if _, err := blobs.Get(ctx, job.InputLocation); err != services.ErrBlobNotFound {
		t.Errorf("blob survived rollback: %v", err)
	}
}

func TestReportProgressUnknownJobIsNoop(t *testing.T) {
	t.Parallel()

	jobs := store.NewMemoryStore(time.Hour)
	d := NewDispatcher(&stubQueue{}, jobs, services.NewMemoryBlobs())

	// Evicted or never-existed ids are indistinguishable; both succeed
	if err := d.ReportProgress(context.Background(), "evicted-id", 50, models.StageConverting, models.StatusProcessing); err != nil {
		t.Fatalf("expected no-op nil, got %v", err)
	}
	if _, err := jobs.GetProgress(context.Background(), "evicted-id"); err != store.ErrNotFound {
		t.Fatal("no-op callback must not create a record")
	}
}

func TestReportProgressMarksReported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := store.NewMemoryStore(time.Hour)
	blobs := services.NewMemoryBlobs()
	d := NewDispatcher(&stubQueue{}, jobs, blobs)
	job := newJob(t, jobs, blobs)

	if err := d.ReportProgress(ctx, job.JobID, 50, models.StageConverting, models.StatusProcessing); err != nil {
		t.Fatalf("report failed: %v", err)
	}

	rec, err := jobs.GetProgress(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get progress failed: %v", err)
	}
	if !rec.Reported {
		t.Error("record must enter reported mode")
	}
	if rec.Percent != 50 || rec.Stage != models.StageConverting {
		t.Errorf("record = %d/%s, want 50/converting", rec.Percent, rec.Stage)
	}

	got, _ := jobs.Get(ctx, job.JobID)
	if got.Status != models.StatusProcessing {
		t.Errorf("job status = %s, want processing", got.Status)
	}
}

func TestReportProgressFailureIsTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := store.NewMemoryStore(time.Hour)
	blobs := services.NewMemoryBlobs()
	d := NewDispatcher(&stubQueue{}, jobs, blobs)
	job := newJob(t, jobs, blobs)

	if err := d.ReportProgress(ctx, job.JobID, 70, models.StageConverting, models.StatusFailed); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	got, _ := jobs.Get(ctx, job.JobID)
	if got.Status != models.StatusFailed {
		t.Fatalf("job status = %s, want failed", got.Status)
	}

	// A late processing report must not resurrect the job
	if err := d.ReportProgress(ctx, job.JobID, 80, models.StageConverting, models.StatusProcessing); err != nil {
		t.Fatalf("late report failed: %v", err)
	}
	got, _ = jobs.Get(ctx, job.JobID)
	if got.Status != models.StatusFailed {
		t.Errorf("job status = %s, want failed to stick", got.Status)
	}
}

func TestRequestDownload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := store.NewMemoryStore(time.Hour)
	blobs := services.NewMemoryBlobs()
	d := NewDispatcher(&stubQueue{}, jobs, blobs)
	job := newJob(t, jobs, blobs)

	if _, err := d.RequestDownload(ctx, "ghost"); err != store.ErrNotFound {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
	if _, err := d.RequestDownload(ctx, job.JobID); !errors.Is(err, ErrNotReady) {
		t.Errorf("queued job: err = %v, want ErrNotReady", err)
	}

	out, err := blobs.Put(ctx, strings.NewReader("converted"), "converted_photo.png")
	if err != nil {
		t.Fatalf("blob put failed: %v", err)
	}
	if err := jobs.UpdateStatus(ctx, job.JobID, models.StatusCompleted, out); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	dl, err := d.RequestDownload(ctx, job.JobID)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer dl.Body.Close()

	if dl.Filename != "converted_photo.jpg" {
		t.Errorf("filename = %q, want converted_photo.jpg", dl.Filename)
	}
	data, _ := io.ReadAll(dl.Body)
	if string(data) != "converted" {
		t.Errorf("body = %q, want converted artifact", data)
	}
	if dl.Job.TargetFormat != "png" {
		t.Errorf("target format = %q, want png preserved through the round trip", dl.Job.TargetFormat)
	}
}
