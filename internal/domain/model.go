package domain

import (
	"encoding/json"
	"time"
)

// Core domain models shared by the stores, services and workers. HTTP shapes
// live in internal/adapters/http; keep these decoupled from the wire.

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

// jobTransitions is the only place job state edges are defined.
// running->pending is reserved for the reconciler's stuck-job sweep.
var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending: {JobRunning: true},
	JobRunning: {JobCompleted: true, JobFailed: true, JobPending: true},
}

// ValidJobTransition reports whether a job may move from one status to another.
func ValidJobTransition(from, to JobStatus) bool {
	return jobTransitions[from][to]
}

type ScanStatus string

const (
	ScanQueued        ScanStatus = "queued"
	ScanProcessing    ScanStatus = "processing"
	ScanCompleted     ScanStatus = "completed"
	ScanReviewPending ScanStatus = "review_pending"
	ScanApproved      ScanStatus = "approved"
	ScanFailed        ScanStatus = "failed"
)

func (s ScanStatus) Valid() bool {
	switch s {
	case ScanQueued, ScanProcessing, ScanCompleted, ScanReviewPending, ScanApproved, ScanFailed:
		return true
	}
	return false
}

// JobPayload is what a worker needs to process a scan.
type JobPayload struct {
	StoragePath string `json:"storage_path"`
	ContentType string `json:"content_type,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type ScanJob struct {
	ID         string
	ScanID     string
	Status     JobStatus
	Payload    JobPayload
	Attempt    int
	Error      string
	CreatedAt  time.Time
	PickedAt   *time.Time
	FinishedAt *time.Time
}

type Scan struct {
	ID               string
	OwnerID          string
	StoragePath      string
	Fingerprint      string
	ContentType      string
	ProcessingStatus ScanStatus
	ErrorMessage     string
	Results          json.RawMessage
	Version          int64
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s Scan) Deleted() bool { return s.DeletedAt != nil }

// ScanFilter narrows ListScans. Zero value lists every live scan of the owner.
type ScanFilter struct {
	Status ScanStatus
	Limit  int
}

type CommandType string

const (
	CommandDeleteScan CommandType = "DELETE_SCAN"
)

func (t CommandType) Valid() bool { return t == CommandDeleteScan }

type Command struct {
	ID          string
	Type        CommandType
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
}

type DeleteScanPayload struct {
	ScanID      string `json:"scan_id"`
	OwnerID     string `json:"owner_id"`
	StoragePath string `json:"storage_path,omitempty"`
}

// Outcome is a worker's terminal report for a claimed job.
type Outcome struct {
	Status      JobStatus
	Results     json.RawMessage
	NeedsReview bool
	Error       string
	// Attempt fences the report to the claim that produced it. Zero skips the check.
	Attempt int
}

func Completed(results json.RawMessage, needsReview bool) Outcome {
	return Outcome{Status: JobCompleted, Results: results, NeedsReview: needsReview}
}

func Failed(msg string) Outcome {
	return Outcome{Status: JobFailed, Error: msg}
}

// ScanStatusFor maps a terminal job outcome onto the scan's display state.
func (o Outcome) ScanStatusFor() ScanStatus {
	if o.Status == JobFailed {
		return ScanFailed
	}
	if o.NeedsReview {
		return ScanReviewPending
	}
	return ScanCompleted
}

// SweepResult summarizes one reconciler pass.
type SweepResult struct {
	Requeued   int
	Exhausted  int
	Purged     int
	Reenqueued int
}

func (s Scan) OwnedBy(ownerID string) bool { return s.OwnerID == ownerID }
