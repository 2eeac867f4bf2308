package service

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/renwei/cvflow/internal/domain"
	"github.com/renwei/cvflow/internal/logger"
)

type fakeIntakeStore struct {
	created       []*domain.UploadJob
	active        int64
	cancelled     int64
	cancelledJobs []string
}

func (f *fakeIntakeStore) Create(ctx context.Context, job *domain.UploadJob) error {
	f.created = append(f.created, job)
	return nil
}

func (f *fakeIntakeStore) GetByIDForUser(ctx context.Context, id, userID string) (*domain.UploadJob, error) {
	for _, job := range f.created {
		if job.ID == id && job.UserID == userID {
			return job, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeIntakeStore) CancelActive(ctx context.Context, userID, reason string) (int64, error) {
	f.cancelled = f.active
	f.active = 0
	return f.cancelled, nil
}

func (f *fakeIntakeStore) Cancel(ctx context.Context, id, reason string) (bool, error) {
	f.cancelledJobs = append(f.cancelledJobs, id)
	for _, job := range f.created {
		if job.ID == id && !job.Status.Terminal() {
			job.Status = domain.JobStatusCancelled
			job.Error = &domain.JobError{Message: reason}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIntakeStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.UploadJob, error) {
	jobs := make([]domain.UploadJob, 0, len(f.created))
	for _, job := range f.created {
		if job.UserID == userID {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

type fakeEnqueuer struct {
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobID, userID string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

type uploadFixture struct {
	svc      *UploadService
	jobs     *fakeIntakeStore
	profiles *fakeProfileStore
	vectors  *fakeVectorStore
	enqueuer *fakeEnqueuer
}

func newUploadFixture() *uploadFixture {
	f := &uploadFixture{
		jobs:     &fakeIntakeStore{},
		profiles: &fakeProfileStore{},
		vectors:  &fakeVectorStore{},
		enqueuer: &fakeEnqueuer{},
	}
	log := logger.New(&logger.Config{Output: io.Discard})
	f.svc = NewUploadService(f.jobs, f.profiles, f.vectors, f.enqueuer, 10*1024*1024, log)
	return f
}

func pdfUpload(size int64) FileUpload {
	data := make([]byte, size)
	return FileUpload{
		Name:        "cv.pdf",
		ContentType: "application/pdf",
		Size:        size,
		Data:        data,
	}
}

func TestAcceptCreatesAndEnqueuesJob(t *testing.T) {
	f := newUploadFixture()

	result, err := f.svc.Accept(context.Background(), "user-1", pdfUpload(512))
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	if result.Status != domain.JobStatusPending {
		t.Errorf("status = %s, want pending", result.Status)
	}
	if len(f.jobs.created) != 1 {
		t.Fatalf("created %d jobs, want 1", len(f.jobs.created))
	}
	job := f.jobs.created[0]
	if job.ID != result.JobID {
		t.Errorf("job ID mismatch: %s vs %s", job.ID, result.JobID)
	}
	if job.FileInfo.FileType != "pdf" {
		t.Errorf("file type = %s, want pdf", job.FileInfo.FileType)
	}
	if len(job.Payload) != 512 {
		t.Errorf("payload length = %d, want 512", len(job.Payload))
	}
	if len(f.enqueuer.enqueued) != 1 || f.enqueuer.enqueued[0] != job.ID {
		t.Errorf("enqueued = %v", f.enqueuer.enqueued)
	}
}

func TestAcceptRejectsUnsupportedType(t *testing.T) {
	f := newUploadFixture()

	_, err := f.svc.Accept(context.Background(), "user-1", FileUpload{
		Name:        "cv.txt",
		ContentType: "text/plain",
		Size:        10,
		Data:        []byte("plain text"),
	})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
	if len(f.jobs.created) != 0 {
		t.Error("job created for rejected upload")
	}
}

func TestAcceptResolvesTypeFromContentType(t *testing.T) {
	f := newUploadFixture()

	_, err := f.svc.Accept(context.Background(), "user-1", FileUpload{
		Name:        "resume",
		ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Size:        10,
		Data:        make([]byte, 10),
	})
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	if f.jobs.created[0].FileInfo.FileType != "docx" {
		t.Errorf("file type = %s, want docx", f.jobs.created[0].FileInfo.FileType)
	}
}

func TestAcceptRejectsOversizedFile(t *testing.T) {
	f := newUploadFixture()

	upload := pdfUpload(64)
	upload.Size = 11 * 1024 * 1024
	if _, err := f.svc.Accept(context.Background(), "user-1", upload); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestAcceptRejectsEmptyFile(t *testing.T) {
	f := newUploadFixture()

	upload := pdfUpload(0)
	if _, err := f.svc.Accept(context.Background(), "user-1", upload); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("err = %v, want ErrEmptyFile", err)
	}
}

func TestAcceptSupersedesActiveJobs(t *testing.T) {
	f := newUploadFixture()
	f.jobs.active = 2

	result, err := f.svc.Accept(context.Background(), "user-1", pdfUpload(64))
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	if result.Superseded != 2 {
		t.Errorf("superseded = %d, want 2", result.Superseded)
	}
}

func TestAcceptReportsPreviousDocument(t *testing.T) {
	f := newUploadFixture()
	f.profiles.profile = &domain.UserProfile{
		UserID:      "user-1",
		FileName:    "old-cv.docx",
		FileType:    "docx",
		TotalChunks: 7,
	}

	result, err := f.svc.Accept(context.Background(), "user-1", pdfUpload(64))
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	if result.Previous == nil {
		t.Fatal("previous document snapshot missing")
	}
	if result.Previous.FileName != "old-cv.docx" || result.Previous.TotalChunks != 7 {
		t.Errorf("previous = %+v", result.Previous)
	}
}

func TestAcceptCancelsJobWhenEnqueueFails(t *testing.T) {
	f := newUploadFixture()
	f.enqueuer.err = errors.New("broker unavailable")

	_, err := f.svc.Accept(context.Background(), "user-1", pdfUpload(64))
	if err == nil {
		t.Fatal("expected error when enqueue fails")
	}
	if len(f.jobs.created) != 1 {
		t.Fatalf("created %d jobs, want 1", len(f.jobs.created))
	}
	job := f.jobs.created[0]
	if len(f.jobs.cancelledJobs) != 1 || f.jobs.cancelledJobs[0] != job.ID {
		t.Fatalf("undispatched job not cancelled: %v", f.jobs.cancelledJobs)
	}
	// A job that never ran must end cancelled, never failed: failed is
	// reserved for jobs that were actually claimed and processed.
	if job.Status != domain.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.Error == nil || job.Error.Message == "" {
		t.Error("cancellation reason not recorded")
	}
}

func TestAcceptRetiresPreviousDocument(t *testing.T) {
	f := newUploadFixture()
	f.profiles.profile = &domain.UserProfile{
		UserID:      "user-1",
		FileName:    "old-cv.pdf",
		FileType:    "pdf",
		ChunkIDs:    []string{"old-1", "old-2"},
		TotalChunks: 2,
	}

	if _, err := f.svc.Accept(context.Background(), "user-1", pdfUpload(64)); err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	if len(f.vectors.deleted) != 1 || len(f.vectors.deleted[0]) != 2 {
		t.Fatalf("replaced chunks not deleted: %v", f.vectors.deleted)
	}
	if f.vectors.deleted[0][0] != "old-1" {
		t.Errorf("deleted = %v, want the previous chunk IDs", f.vectors.deleted[0])
	}
	if !f.profiles.cleared {
		t.Error("replaced document record not cleared")
	}
}

func TestAcceptFallsBackToUserScopedChunkDelete(t *testing.T) {
	f := newUploadFixture()
	// Record exists but carries no chunk IDs; cleanup must fall back to
	// the user tag on the stored vectors.
	f.profiles.profile = &domain.UserProfile{
		UserID:   "user-1",
		FileName: "old-cv.pdf",
		FileType: "pdf",
	}

	if _, err := f.svc.Accept(context.Background(), "user-1", pdfUpload(64)); err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	if len(f.vectors.deleted) != 0 {
		t.Errorf("DeleteByIDs called with no IDs: %v", f.vectors.deleted)
	}
	if len(f.vectors.deletedUsers) != 1 || f.vectors.deletedUsers[0] != "user-1" {
		t.Errorf("deletedUsers = %v, want [user-1]", f.vectors.deletedUsers)
	}
	if !f.profiles.cleared {
		t.Error("replaced document record not cleared")
	}
}

func TestDocTypeForFile(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        string
		ok          bool
	}{
		{"cv.pdf", "", "pdf", true},
		{"CV.PDF", "", "pdf", true},
		{"resume.docx", "", "docx", true},
		{"resume.doc", "", "doc", true},
		{"noext", "application/pdf", "pdf", true},
		{"image.png", "image/png", "", false},
		{"cv.txt", "text/plain", "", false},
	}
	for _, tt := range tests {
		got, ok := DocTypeForFile(tt.name, tt.contentType)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DocTypeForFile(%q, %q) = (%q, %v), want (%q, %v)",
				tt.name, tt.contentType, got, ok, tt.want, tt.ok)
		}
	}
}
