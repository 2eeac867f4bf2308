package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/renwei/cvflow/internal/domain"
	"github.com/renwei/cvflow/internal/logger"
	"github.com/renwei/cvflow/internal/repository"
	"github.com/renwei/cvflow/internal/storage"
	"gorm.io/gorm"
)

// Progress checkpoints written as the pipeline advances. The claim itself
// writes progressClaimed; completion writes 100.
const (
	progressClaimed   = 10
	progressExtracted = 20
	progressChunked   = 40
	progressCleaned   = 50
	progressStored    = 70
	progressAnalyzed  = 85
	progressPersisted = 95
)

// Sentinel results of a pipeline run. errJobLost covers both cancellation
// and loss of ownership to the reaper; in either case this delivery must be
// acknowledged without failing the job.
var (
	errJobCancelled = errors.New("job cancelled during processing")
	errJobLost      = errors.New("job no longer owned by this worker")
)

// JobStore is the slice of the job repository the pipeline writes through.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*domain.UploadJob, error)
	Claim(ctx context.Context, id string, progress int) (bool, error)
	ClaimRetry(ctx context.Context, id string, progress int) (bool, error)
	IncrementRetry(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress int) (bool, error)
	MarkCompleted(ctx context.Context, id string, result *domain.JobResult) (bool, error)
	MarkFailed(ctx context.Context, id string, jobErr *domain.JobError) (bool, error)
}

// ProfileStore is the slice of the profile repository the pipeline uses.
type ProfileStore interface {
	GetByUserID(ctx context.Context, userID string) (*domain.UserProfile, error)
	ReplaceDocument(ctx context.Context, userID, fileName, fileType string, chunkIDs []string, analysis *domain.ProfileAnalysis) error
}

// VectorStore stores and deletes chunk embeddings.
type VectorStore interface {
	UpsertChunks(ctx context.Context, vectors [][]float32, payloads []*repository.ChunkPayload) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// Extractor turns a document body into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Embedder turns text chunks into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Analyzer derives a structured analysis from CV text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (*domain.ProfileAnalysis, error)
}

// PipelineService executes one upload job end to end: claim, extract, chunk,
// replace the user's old chunks, store embeddings, analyze, persist the
// profile, complete. Every stage boundary is a guarded checkpoint write; a
// checkpoint that does not land means the job was cancelled or reclaimed
// mid-run, and the pipeline unwinds instead of pressing on.
type PipelineService struct {
	jobs     JobStore
	profiles ProfileStore
	vectors  VectorStore
	extract  Extractor
	embed    Embedder
	analyze  Analyzer
	archive  storage.ObjectStorage // optional, nil disables archiving
	splitter *Splitter
	log      *logger.Logger
}

// NewPipelineService wires the pipeline. archive may be nil.
func NewPipelineService(
	jobs JobStore,
	profiles ProfileStore,
	vectors VectorStore,
	extract Extractor,
	embed Embedder,
	analyze Analyzer,
	archive storage.ObjectStorage,
	splitter *Splitter,
	log *logger.Logger,
) *PipelineService {
	if splitter == nil {
		splitter = NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	}
	return &PipelineService{
		jobs:     jobs,
		profiles: profiles,
		vectors:  vectors,
		extract:  extract,
		embed:    embed,
		analyze:  analyze,
		archive:  archive,
		splitter: splitter,
		log:      log.WithField(logger.FieldComponent, "pipeline"),
	}
}

// Process handles one queue delivery of a job reference. It reloads the
// durable record, decides whether this delivery still has work to do, and
// runs the pipeline if it wins the claim. A non-nil return asks the queue
// layer to schedule a retry; nil acknowledges the delivery as finished.
func (p *PipelineService) Process(ctx context.Context, ref *domain.JobReference, attempt int) error {
	log := p.log.WithFields(logger.Fields{
		logger.FieldJobID:   ref.JobID,
		logger.FieldUserID:  ref.UserID,
		logger.FieldAttempt: attempt,
	})

	job, err := p.jobs.GetByID(ctx, ref.JobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn("Job record not found, dropping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	var claimed bool
	switch job.Status {
	case domain.JobStatusCompleted, domain.JobStatusCancelled:
		// Terminal; a redelivery has nothing left to do.
		log.WithField(logger.FieldStatus, job.Status).Info("Skipping delivery for terminal job")
		return nil
	case domain.JobStatusProcessing:
		// Another worker owns it; if that worker is dead the reaper will
		// requeue the job.
		log.Info("Skipping delivery for job already in processing")
		return nil
	case domain.JobStatusFailed:
		if attempt <= 1 {
			// Failed on a previous cycle; only a redelivered attempt may
			// restart it.
			log.Info("Skipping first delivery for failed job")
			return nil
		}
		claimed, err = p.jobs.ClaimRetry(ctx, job.ID, progressClaimed)
	case domain.JobStatusPending:
		claimed, err = p.jobs.Claim(ctx, job.ID, progressClaimed)
	default:
		log.WithField(logger.FieldStatus, job.Status).Error("Job in unknown status, dropping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if !claimed {
		log.Info("Lost claim race, skipping delivery")
		return nil
	}

	if attempt > 1 {
		if err := p.jobs.IncrementRetry(ctx, job.ID); err != nil {
			log.WithError(err).Warn("Failed to record retry count")
		}
	}

	ctx = logger.SetJobID(logger.SetUserID(ctx, job.UserID), job.ID)
	start := time.Now()

	result, runErr := p.run(ctx, job, log)
	if runErr != nil {
		if errors.Is(runErr, errJobCancelled) || errors.Is(runErr, errJobLost) {
			log.WithError(runErr).Info("Pipeline abandoned mid-run")
			return nil
		}
		if ok, markErr := p.jobs.MarkFailed(ctx, job.ID, &domain.JobError{Message: runErr.Error()}); markErr != nil {
			log.WithError(markErr).Error("Failed to mark job failed")
		} else if !ok {
			// Cancelled between the last checkpoint and here; nothing to retry.
			log.Info("Job left processing before failure could be recorded")
			return nil
		}
		return runErr
	}

	if ok, err := p.jobs.MarkCompleted(ctx, job.ID, result); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	} else if !ok {
		// Cancelled after the final stage; the stored chunks belong to a
		// superseded document now, remove them.
		log.Info("Job cancelled at completion, removing stored chunks")
		p.deleteChunks(ctx, result.IDs, log)
		return nil
	}

	log.WithFields(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldCount:      result.Stored,
	}).Info("Job completed")
	return nil
}

// run executes the pipeline stages for a claimed job.
func (p *PipelineService) run(ctx context.Context, job *domain.UploadJob, log *logger.Logger) (*domain.JobResult, error) {
	if len(job.Payload) == 0 {
		return nil, fmt.Errorf("job has no payload")
	}
	mime := job.FileInfo.MimeType
	if mime == "" {
		var ok bool
		if mime, ok = MimeForDocType(job.FileInfo.FileType); !ok {
			return nil, fmt.Errorf("unsupported document type %q", job.FileInfo.FileType)
		}
	}

	// Extract.
	text, err := p.extract.Extract(logger.SetStage(ctx, "extract"), job.Payload, mime)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	if text == "" {
		return nil, fmt.Errorf("document contains no extractable text")
	}
	if err := p.checkpoint(ctx, job, progressExtracted, nil, log); err != nil {
		return nil, err
	}

	// Chunk.
	chunks := p.splitter.Split(text)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document produced no chunks")
	}
	if err := p.checkpoint(ctx, job, progressChunked, nil, log); err != nil {
		return nil, err
	}

	// Remove the previous document's chunks. Best effort: a stale chunk in
	// the vector store is preferable to failing the new upload.
	if profile, err := p.profiles.GetByUserID(ctx, job.UserID); err != nil {
		log.WithError(err).Warn("Failed to load previous document record")
	} else if profile != nil && len(profile.ChunkIDs) > 0 {
		if err := p.vectors.DeleteByIDs(logger.SetStage(ctx, "cleanup"), profile.ChunkIDs); err != nil {
			log.WithError(err).Warn("Failed to delete previous document chunks")
		}
	}
	if err := p.checkpoint(ctx, job, progressCleaned, nil, log); err != nil {
		return nil, err
	}

	// Embed and store.
	vectors, err := p.embed.EmbedBatch(logger.SetStage(ctx, "embed"), chunks)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	payloads := make([]*repository.ChunkPayload, len(chunks))
	for i, chunk := range chunks {
		payloads[i] = &repository.ChunkPayload{
			UserID:     job.UserID,
			JobID:      job.ID,
			DocType:    job.FileInfo.FileType,
			ChunkIndex: i,
			Text:       chunk,
		}
	}
	ids, err := p.vectors.UpsertChunks(logger.SetStage(ctx, "store"), vectors, payloads)
	if err != nil {
		return nil, fmt.Errorf("vector store upsert failed: %w", err)
	}
	if err := p.checkpoint(ctx, job, progressStored, ids, log); err != nil {
		return nil, err
	}

	result := &domain.JobResult{
		Stored: len(ids),
		IDs:    ids,
	}

	// Archive the original document. Best effort, optional.
	if p.archive != nil {
		key := fmt.Sprintf("uploads/%s/%s/%s", job.UserID, job.ID, job.FileInfo.FileName)
		if err := p.archive.Upload(logger.SetStage(ctx, "archive"), key, bytes.NewReader(job.Payload), int64(len(job.Payload)), mime); err != nil {
			log.WithError(err).Warn("Failed to archive document")
		} else {
			result.ArchiveKey = key
		}
	}

	// Analyze. Best effort: a completed upload without an analysis section
	// is still a completed upload.
	analysis, err := p.analyze.Analyze(logger.SetStage(ctx, "analyze"), text)
	if err != nil {
		log.WithError(err).Warn("Profile analysis failed, continuing without it")
		analysis = nil
	}
	result.Analysis = analysis
	if err := p.checkpoint(ctx, job, progressAnalyzed, ids, log); err != nil {
		return nil, err
	}

	// Persist the user's document record.
	if err := p.profiles.ReplaceDocument(ctx, job.UserID, job.FileInfo.FileName, job.FileInfo.FileType, ids, analysis); err != nil {
		p.deleteChunks(ctx, ids, log)
		return nil, fmt.Errorf("failed to persist document record: %w", err)
	}
	if err := p.checkpoint(ctx, job, progressPersisted, ids, log); err != nil {
		return nil, err
	}

	return result, nil
}

// checkpoint records a progress value. A write that does not land means the
// job left processing under us: cancelled by a superseding upload, or
// requeued by the reaper. Chunks already stored for this run are removed
// before unwinding.
func (p *PipelineService) checkpoint(ctx context.Context, job *domain.UploadJob, progress int, storedIDs []string, log *logger.Logger) error {
	ok, err := p.jobs.SetProgress(ctx, job.ID, progress)
	if err != nil {
		return fmt.Errorf("failed to write progress checkpoint: %w", err)
	}
	if ok {
		return nil
	}

	p.deleteChunks(ctx, storedIDs, log)

	current, err := p.jobs.GetByID(ctx, job.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to reload job after lost checkpoint")
		return errJobLost
	}
	if current.Status == domain.JobStatusCancelled {
		log.WithField(logger.FieldProgress, progress).Info("Job cancelled mid-run")
		return errJobCancelled
	}
	log.WithFields(logger.Fields{
		logger.FieldProgress: progress,
		logger.FieldStatus:   current.Status,
	}).Warn("Lost job ownership mid-run")
	return errJobLost
}

// deleteChunks is the compensating cleanup for chunks stored by a run that
// will not complete.
func (p *PipelineService) deleteChunks(ctx context.Context, ids []string, log *logger.Logger) {
	if len(ids) == 0 {
		return
	}
	if err := p.vectors.DeleteByIDs(ctx, ids); err != nil {
		log.WithError(err).WithField(logger.FieldCount, len(ids)).Warn("Failed to remove stored chunks during unwind")
	}
}
