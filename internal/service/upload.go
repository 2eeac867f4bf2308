package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/renwei/cvflow/internal/domain"
	"github.com/renwei/cvflow/internal/logger"
)

// Validation errors surfaced to the API layer.
var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrFileTooLarge    = errors.New("file exceeds the maximum allowed size")
	ErrEmptyFile       = errors.New("file is empty")
)

// supersededReason is recorded on jobs cancelled by a newer upload.
const supersededReason = "superseded by a newer upload"

// Enqueuer publishes a job reference to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, userID string) error
}

// JobIntakeStore is the slice of the job repository the intake path uses.
type JobIntakeStore interface {
	Create(ctx context.Context, job *domain.UploadJob) error
	GetByIDForUser(ctx context.Context, id, userID string) (*domain.UploadJob, error)
	CancelActive(ctx context.Context, userID, reason string) (int64, error)
	Cancel(ctx context.Context, id, reason string) (bool, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.UploadJob, error)
}

// ProfileIntakeStore reads and clears the user's current document record.
type ProfileIntakeStore interface {
	GetByUserID(ctx context.Context, userID string) (*domain.UserProfile, error)
	ClearDocument(ctx context.Context, userID string) error
}

// ChunkDeleter removes stored chunk vectors for a replaced document.
type ChunkDeleter interface {
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByUser(ctx context.Context, userID string) error
}

// FileUpload is a submitted document.
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// PreviousDocument is the snapshot of the document a new upload replaces.
type PreviousDocument struct {
	FileName    string `json:"file_name"`
	FileType    string `json:"file_type"`
	TotalChunks int    `json:"total_chunks"`
}

// AcceptResult is returned to the client on a successful intake.
type AcceptResult struct {
	JobID      string            `json:"job_id"`
	Status     domain.JobStatus  `json:"status"`
	Superseded int64             `json:"superseded"`
	Previous   *PreviousDocument `json:"previous_document,omitempty"`
}

// UploadService handles the synchronous intake path: validate the file,
// supersede the user's in-flight jobs, persist the new job record, and hand
// a reference to the dispatch queue. All document processing happens later,
// in the worker pipeline.
type UploadService struct {
	jobs        JobIntakeStore
	profiles    ProfileIntakeStore
	vectors     ChunkDeleter
	queue       Enqueuer
	maxFileSize int64
	log         *logger.Logger
}

// NewUploadService creates the intake service.
func NewUploadService(jobs JobIntakeStore, profiles ProfileIntakeStore, vectors ChunkDeleter, queue Enqueuer, maxFileSize int64, log *logger.Logger) *UploadService {
	return &UploadService{
		jobs:        jobs,
		profiles:    profiles,
		vectors:     vectors,
		queue:       queue,
		maxFileSize: maxFileSize,
		log:         log.WithField(logger.FieldComponent, "upload"),
	}
}

// Accept validates and registers a new upload for the user. Any of the
// user's jobs still pending or processing are cancelled first: a newer
// upload always supersedes older ones. The created job is pending; callers
// poll Status for its outcome.
func (s *UploadService) Accept(ctx context.Context, userID string, file FileUpload) (*AcceptResult, error) {
	docType, ok := DocTypeForFile(file.Name, file.ContentType)
	if !ok {
		return nil, ErrUnsupportedType
	}
	if len(file.Data) == 0 {
		return nil, ErrEmptyFile
	}
	if s.maxFileSize > 0 && file.Size > s.maxFileSize {
		return nil, ErrFileTooLarge
	}

	log := s.log.WithField(logger.FieldUserID, userID)

	// Snapshot the document this upload replaces, then retire it: its
	// chunks leave the vector store and its record is cleared. Best effort,
	// a stale chunk must not block the new upload.
	var previous *PreviousDocument
	profile, err := s.profiles.GetByUserID(ctx, userID)
	if err != nil {
		log.WithError(err).Warn("Failed to load current document record")
	}
	if profile != nil {
		previous = &PreviousDocument{
			FileName:    profile.FileName,
			FileType:    profile.FileType,
			TotalChunks: profile.TotalChunks,
		}
		if len(profile.ChunkIDs) > 0 {
			if err := s.vectors.DeleteByIDs(ctx, profile.ChunkIDs); err != nil {
				log.WithError(err).Warn("Failed to delete replaced document chunks")
			}
		} else if err := s.vectors.DeleteByUser(ctx, userID); err != nil {
			// Record carries no chunk IDs; fall back to the user tag.
			log.WithError(err).Warn("Failed to delete replaced document chunks by user")
		}
		if err := s.profiles.ClearDocument(ctx, userID); err != nil {
			log.WithError(err).Warn("Failed to clear replaced document record")
		}
	}

	superseded, err := s.jobs.CancelActive(ctx, userID, supersededReason)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede active jobs: %w", err)
	}
	if superseded > 0 {
		log.WithField(logger.FieldCount, superseded).Info("Superseded active jobs")
	}

	mime, _ := MimeForDocType(docType)
	job := &domain.UploadJob{
		ID:     uuid.New().String(),
		UserID: userID,
		Status: domain.JobStatusPending,
		FileInfo: domain.FileInfo{
			FileName: file.Name,
			FileType: docType,
			MimeType: mime,
			FileSize: file.Size,
		},
		Payload: file.Data,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.UserID); err != nil {
		// The job exists but will never be dispatched. Only a claimed job
		// may fail, so the pending record is cancelled instead, keeping the
		// client from polling a zombie.
		if _, cancelErr := s.jobs.Cancel(ctx, job.ID, "could not be enqueued for processing"); cancelErr != nil {
			log.WithError(cancelErr).Error("Failed to cancel undispatched job")
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		logger.FieldSize:  file.Size,
	}).Info("Upload accepted")

	return &AcceptResult{
		JobID:      job.ID,
		Status:     domain.JobStatusPending,
		Superseded: superseded,
		Previous:   previous,
	}, nil
}

// Status returns the job record for polling, scoped to its owning user.
func (s *UploadService) Status(ctx context.Context, userID, jobID string) (*domain.UploadJob, error) {
	return s.jobs.GetByIDForUser(ctx, jobID, userID)
}

// CurrentDocument returns the user's document record, nil when the user has
// no document on file.
func (s *UploadService) CurrentDocument(ctx context.Context, userID string) (*domain.UserProfile, error) {
	return s.profiles.GetByUserID(ctx, userID)
}

// History lists the user's jobs newest first.
func (s *UploadService) History(ctx context.Context, userID string, limit, offset int) ([]domain.UploadJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListByUser(ctx, userID, limit, offset)
}
