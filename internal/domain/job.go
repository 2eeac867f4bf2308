package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of an upload job.
// Values include JobStatusPending, JobStatusProcessing, JobStatusCompleted,
// JobStatusFailed, and JobStatusCancelled.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ActiveStatuses are the non-terminal statuses. A user should have at most
// one job in these statuses at a time; the supersede path enforces this.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition s -> next is permitted.
// Allowed: pending->processing, processing->{completed,failed},
// {pending,processing}->cancelled. Nothing leaves a terminal status.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case JobStatusProcessing:
		return s == JobStatusPending
	case JobStatusCompleted, JobStatusFailed:
		return s == JobStatusProcessing
	case JobStatusCancelled:
		return s == JobStatusPending || s == JobStatusProcessing
	}
	return false
}

// FileInfo captures the submitted file's metadata at creation time.
// Immutable after the job is created.
type FileInfo struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// Value implements driver.Valuer, storing FileInfo as JSON.
func (f FileInfo) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for FileInfo.
func (f *FileInfo) Scan(value interface{}) error {
	return scanJSON(value, f)
}

// JobResult holds the artifacts of a completed job. Analysis is nil when
// the profile analysis step failed; the job is still completed.
type JobResult struct {
	Stored     int              `json:"stored"`
	IDs        []string         `json:"ids"`
	ArchiveKey string           `json:"archive_key,omitempty"`
	Analysis   *ProfileAnalysis `json:"analysis,omitempty"`
}

// Value implements driver.Valuer, storing JobResult as JSON.
func (r JobResult) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JobResult.
func (r *JobResult) Scan(value interface{}) error {
	return scanJSON(value, r)
}

// JobError holds the failure details of a failed job.
type JobError struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Value implements driver.Valuer, storing JobError as JSON.
func (e JobError) Value() (driver.Value, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JobError.
func (e *JobError) Scan(value interface{}) error {
	return scanJSON(value, e)
}

// UploadJob is the durable record of one document-ingestion request.
// It is the single source of truth for the job's state; the dispatch queue
// only ever carries a reference to it. The payload is persisted in the row
// so a worker can reload it on any delivery.
type UploadJob struct {
	ID          string     `gorm:"type:text;primaryKey" json:"id"`
	UserID      string     `gorm:"type:text;not null;index:idx_upload_jobs_user" json:"user_id"`
	Status      JobStatus  `gorm:"type:text;index:idx_upload_jobs_status;default:pending" json:"status"`
	Progress    int        `gorm:"default:0" json:"progress"`
	FileInfo    FileInfo   `gorm:"type:text" json:"file_info"`
	Payload     []byte     `json:"-"`
	Result      *JobResult `gorm:"type:text" json:"result,omitempty"`
	Error       *JobError  `gorm:"type:text" json:"error,omitempty"`
	RetryCount  int        `gorm:"default:0" json:"retry_count"`
	HeartbeatAt *time.Time `gorm:"index:idx_upload_jobs_heartbeat" json:"-"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for UploadJob.
func (UploadJob) TableName() string {
	return "upload_jobs"
}

// JobReference is the message carried by the dispatch queue. It points at
// the durable record; no business data travels through the queue.
type JobReference struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	return scanJSON(value, a)
}

// scanJSON decodes a text or blob database value into dst.
func scanJSON(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSON column")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, dst)
}
