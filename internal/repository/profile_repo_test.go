package repository

import (
	"context"
	"testing"

	"github.com/renwei/cvflow/internal/domain"
)

func TestProfileAbsentReturnsNil(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))

	profile, err := repo.GetByUserID(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetByUserID error: %v", err)
	}
	if profile != nil {
		t.Errorf("profile = %+v, want nil", profile)
	}
}

func TestReplaceDocumentUpserts(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()

	analysis := &domain.ProfileAnalysis{
		PersonalInformation: &domain.PersonalInformation{FullName: "Jane Doe"},
		TechnicalSkills:     []string{"Go", "Kubernetes"},
		YearsOfExperience:   6,
		ATSScore:            &domain.ATSScore{Score: 80},
	}
	if err := repo.ReplaceDocument(ctx, "user-1", "cv.pdf", "pdf", []string{"c1", "c2"}, analysis); err != nil {
		t.Fatalf("ReplaceDocument error: %v", err)
	}

	profile, err := repo.GetByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetByUserID error: %v", err)
	}
	if profile == nil {
		t.Fatal("profile not created")
	}
	if profile.TotalChunks != 2 || len(profile.ChunkIDs) != 2 {
		t.Errorf("chunks = %v (%d)", profile.ChunkIDs, profile.TotalChunks)
	}
	if profile.AnalyzedAt == nil || len(profile.TechnicalSkills) != 2 {
		t.Errorf("analysis fields not persisted: %+v", profile)
	}

	// A newer document replaces the record for the same user.
	if err := repo.ReplaceDocument(ctx, "user-1", "cv2.docx", "docx", []string{"c3"}, nil); err != nil {
		t.Fatalf("ReplaceDocument error: %v", err)
	}
	profile, _ = repo.GetByUserID(ctx, "user-1")
	if profile.FileName != "cv2.docx" || profile.TotalChunks != 1 {
		t.Errorf("record not replaced: %+v", profile)
	}
}

func TestClearDocument(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()

	if err := repo.ReplaceDocument(ctx, "user-1", "cv.pdf", "pdf", []string{"c1"}, nil); err != nil {
		t.Fatalf("ReplaceDocument error: %v", err)
	}
	if err := repo.ClearDocument(ctx, "user-1"); err != nil {
		t.Fatalf("ClearDocument error: %v", err)
	}
	profile, err := repo.GetByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetByUserID error: %v", err)
	}
	if profile != nil {
		t.Errorf("profile = %+v, want nil after clear", profile)
	}
}
