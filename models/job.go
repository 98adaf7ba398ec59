package models

import "time"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition encodes the job lifecycle:
// queued -> processing -> {completed, failed}. Setting the same status
// again is allowed (idempotent updates), leaving a terminal state is not.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	switch s {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Progress stages, ordered by the percent bands they cover.
const (
	StageUploading  = "uploading"
	StageConverting = "converting"
	StageFinalizing = "finalizing"
	StageCompleted  = "completed"
)

// GuestOwner marks jobs created by unauthenticated callers.
const GuestOwner = "guest"

type Job struct {
	JobID            string    `json:"job_id"`
	Owner            string    `json:"owner"`
	OriginalFilename string    `json:"original_filename"`
	FileSize         int64     `json:"file_size"`
	SourceFormat     string    `json:"source_format"`
	TargetFormat     string    `json:"target_format"`
	Status           Status    `json:"status"`
	InputLocation    string    `json:"input_location"`
	OutputLocation   string    `json:"output_location,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (j *Job) IsGuest() bool {
	return j.Owner == GuestOwner
}

// ProgressRecord is the mutable progress view, kept separate from the job
// so worker callbacks and status polls never contend on job metadata.
type ProgressRecord struct {
	Percent   int       `json:"percent"`
	Stage     string    `json:"stage"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	// Reported is set once a worker callback has been received; from then
	// on elapsed-time simulation is no longer consulted for this job.
	Reported bool `json:"reported"`
	// OutputReady is set when the completion artifact has been produced.
	OutputReady bool `json:"output_ready"`
}

// GuestQuota is the per-identity daily conversion counter. The day field
// is compared at read time; a stale day means the count is treated as zero.
type GuestQuota struct {
	Identity string `json:"identity"`
	Count    int    `json:"count"`
	Day      string `json:"day"`
}
