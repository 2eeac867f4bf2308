package repository

import (
	"context"
	"time"

	"github.com/renwei/cvflow/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles upload job persistence. Every status write is a
// conditional update keyed on the current status (compare-and-set via the
// WHERE clause), so a worker and the supersede path can never resurrect a
// terminal job or double-claim a pending one.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.UploadJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.UploadJob: job record if found.
//   - error: gorm.ErrRecordNotFound if missing, other errors on failure.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.UploadJob, error) {
	var job domain.UploadJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetByIDForUser retrieves a job by ID scoped to its owning user.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - userID: owning user; jobs of other users are not visible.
// Returns:
//   - *domain.UploadJob: job record if found.
//   - error: gorm.ErrRecordNotFound if missing, other errors on failure.
func (r *JobRepository) GetByIDForUser(ctx context.Context, id, userID string) (*domain.UploadJob, error) {
	var job domain.UploadJob
	if err := r.db.WithContext(ctx).First(&job, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListActive retrieves the user's non-terminal jobs.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user.
// Returns:
//   - []domain.UploadJob: jobs in pending or processing state.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListActive(ctx context.Context, userID string) ([]domain.UploadJob, error) {
	var jobs []domain.UploadJob
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, domain.ActiveStatuses).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// CancelActive transitions all of the user's non-terminal jobs to cancelled.
// The status guard in the WHERE clause makes each row's check-and-write
// atomic, so a job a worker is concurrently completing cannot be resurrected.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user whose active jobs are superseded.
//   - reason: cancellation message recorded in the job's error field.
// Returns:
//   - int64: number of jobs cancelled.
//   - error: non-nil if the update fails.
func (r *JobRepository) CancelActive(ctx context.Context, userID, reason string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("user_id = ? AND status IN ?", userID, domain.ActiveStatuses).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusCancelled,
			"error":        &domain.JobError{Message: reason},
			"completed_at": now,
		})
	return res.RowsAffected, res.Error
}

// Cancel transitions a single non-terminal job to cancelled, with the same
// status guard as CancelActive. Used when a freshly created job can never be
// dispatched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - reason: cancellation message recorded in the job's error field.
// Returns:
//   - bool: true if the job was cancelled.
//   - error: non-nil if the update fails.
func (r *JobRepository) Cancel(ctx context.Context, id, reason string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status IN ?", id, domain.ActiveStatuses).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusCancelled,
			"error":        &domain.JobError{Message: reason},
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Claim transitions a job from pending to processing and stamps the start of
// the attempt. Returns false when the job was not pending (already claimed,
// cancelled, or terminal) without touching the row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID to claim.
//   - progress: initial checkpoint value for the run.
// Returns:
//   - bool: true if this caller won the claim.
//   - error: non-nil if the update fails.
func (r *JobRepository) Claim(ctx context.Context, id string, progress int) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusPending).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusProcessing,
			"progress":     progress,
			"started_at":   now,
			"heartbeat_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimRetry restarts a failed job for a redelivered queue attempt. The
// previous attempt's error and completion timestamp are cleared; progress
// restarts at the initial checkpoint. Guarded on status=failed so it can
// never touch a cancelled or completed job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID to restart.
//   - progress: initial checkpoint value for the run.
// Returns:
//   - bool: true if this caller won the restart.
//   - error: non-nil if the update fails.
func (r *JobRepository) ClaimRetry(ctx context.Context, id string, progress int) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusProcessing,
			"progress":     progress,
			"error":        nil,
			"started_at":   now,
			"heartbeat_at": now,
			"completed_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetProgress writes a progress checkpoint. The guard keeps progress
// monotonically non-decreasing and frozen once the job leaves processing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - progress: checkpoint value in [0,100].
// Returns:
//   - bool: true if the checkpoint was written (job still processing).
//   - error: non-nil if the update fails.
func (r *JobRepository) SetProgress(ctx context.Context, id string, progress int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status = ? AND progress <= ?", id, domain.JobStatusProcessing, progress).
		Updates(map[string]interface{}{
			"progress":     progress,
			"heartbeat_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkCompleted transitions a processing job to completed with its result.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - result: artifacts of the completed run.
// Returns:
//   - bool: true if the transition was applied.
//   - error: non-nil if the update fails.
func (r *JobRepository) MarkCompleted(ctx context.Context, id string, result *domain.JobResult) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusCompleted,
			"progress":     100,
			"result":       result,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed transitions a processing job to failed with its error. Only a
// claimed job can fail; a pending job that must not run is cancelled instead.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - jobErr: failure details written to the error field.
// Returns:
//   - bool: true if the transition was applied.
//   - error: non-nil if the update fails.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, jobErr *domain.JobError) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusFailed,
			"error":        jobErr,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Requeue returns a failed job to pending so the reaper can re-dispatch it.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - bool: true if the job was returned to pending.
//   - error: non-nil if the update fails.
func (r *JobRepository) Requeue(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusPending,
			"heartbeat_at": nil,
			"started_at":   nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// IncrementRetry bumps the job's attempt counter. Kept in sync with the
// queue's delivery count by the worker on each redelivered attempt.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - error: non-nil if the update fails.
func (r *JobRepository) IncrementRetry(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// Heartbeat refreshes the heartbeat timestamp for jobs still processing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ids: job IDs currently executed by this process.
// Returns:
//   - error: non-nil if the update fails.
func (r *JobRepository) Heartbeat(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id IN ? AND status = ?", ids, domain.JobStatusProcessing).
		UpdateColumn("heartbeat_at", time.Now()).Error
}

// ListStale returns processing jobs whose heartbeat is older than cutoff.
// These are jobs orphaned by a crashed worker.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - cutoff: heartbeat timestamps before this instant are stale.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.UploadJob: stale jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.UploadJob, error) {
	var jobs []domain.UploadJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", domain.JobStatusProcessing, cutoff).
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListByUser retrieves the user's jobs newest first, for history views.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.UploadJob: matching job records.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.UploadJob, error) {
	var jobs []domain.UploadJob
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
