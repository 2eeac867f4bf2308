package repository

import (
	"context"
	"errors"
	"time"

	"github.com/renwei/cvflow/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileRepository handles the per-user document record.
type ProfileRepository struct {
	db *gorm.DB
}

// NewProfileRepository creates a new ProfileRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ProfileRepository: repository instance bound to db.
func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetByUserID retrieves the user's profile record, or nil if the user has
// no document on file yet.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user.
// Returns:
//   - *domain.UserProfile: profile record, nil when absent.
//   - error: non-nil if the lookup fails.
func (r *ProfileRepository) GetByUserID(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	err := r.db.WithContext(ctx).First(&profile, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ReplaceDocument upserts the user's document record with the chunks stored
// by a completed job. Analysis fields are written only when analysis is
// non-nil; a nil analysis leaves the profile with the document but no
// analysis section (the documented best-effort fallback).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user.
//   - fileName: stored document file name.
//   - fileType: stored document type (pdf, docx, doc).
//   - chunkIDs: vector-store IDs of the document's chunks.
//   - analysis: structured analysis output, may be nil.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *ProfileRepository) ReplaceDocument(ctx context.Context, userID, fileName, fileType string, chunkIDs []string, analysis *domain.ProfileAnalysis) error {
	now := time.Now()
	profile := &domain.UserProfile{
		UserID:      userID,
		FileName:    fileName,
		FileType:    fileType,
		ChunkIDs:    chunkIDs,
		TotalChunks: len(chunkIDs),
		UploadedAt:  &now,
	}
	if analysis != nil {
		profile.TechnicalSkills = analysis.TechnicalSkills
		profile.YearsOfExperience = analysis.YearsOfExperience
		profile.Education = analysis.Education
		profile.Personal = analysis.PersonalInformation
		profile.ATSScore = analysis.ATSScore
		profile.AnalyzedAt = &now
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(profile).Error
}

// ClearDocument removes the user's document record ahead of a superseding
// upload, after its chunks have been deleted from the vector store.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user.
// Returns:
//   - error: non-nil if the delete fails.
func (r *ProfileRepository) ClearDocument(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Delete(&domain.UserProfile{}, "user_id = ?", userID).Error
}
