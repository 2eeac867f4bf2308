package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// PersonalInformation holds contact details extracted from a CV.
type PersonalInformation struct {
	FullName  string `json:"full_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Location  string `json:"location,omitempty"`
	LinkedIn  string `json:"linkedin,omitempty"`
	GitHub    string `json:"github,omitempty"`
	Portfolio string `json:"portfolio,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// Value implements driver.Valuer, storing PersonalInformation as JSON.
func (p PersonalInformation) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for PersonalInformation.
func (p *PersonalInformation) Scan(value interface{}) error {
	return scanJSON(value, p)
}

// Education is one education entry extracted from a CV.
type Education struct {
	Degree      string `json:"degree,omitempty"`
	Field       string `json:"field,omitempty"`
	Institution string `json:"institution,omitempty"`
	Location    string `json:"location,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	GPA         string `json:"gpa,omitempty"`
	Honors      string `json:"honors,omitempty"`
}

// EducationList stores a slice of Education entries as a JSON column.
type EducationList []Education

// Value implements the driver.Valuer interface for database serialization.
func (l EducationList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (l *EducationList) Scan(value interface{}) error {
	if value == nil {
		*l = EducationList{}
		return nil
	}
	return scanJSON(value, l)
}

// ATSScore is the applicant-tracking-system compatibility score for a CV.
type ATSScore struct {
	Score           float64  `json:"score"`
	Strengths       []string `json:"strengths,omitempty"`
	Weaknesses      []string `json:"weaknesses,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Value implements driver.Valuer, storing ATSScore as JSON.
func (s ATSScore) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for ATSScore.
func (s *ATSScore) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// ProfileAnalysis is the structured output of the profile analysis step.
// Every field is optional; an empty analysis is the documented fallback
// when the collaborator response fails schema validation.
type ProfileAnalysis struct {
	PersonalInformation *PersonalInformation `json:"personal_information,omitempty"`
	TechnicalSkills     []string             `json:"technical_skills,omitempty"`
	YearsOfExperience   float64              `json:"years_of_experience,omitempty"`
	Education           []Education          `json:"education,omitempty"`
	ATSScore            *ATSScore            `json:"ats_score,omitempty"`
}

// UserProfile is the per-user document record: which CV the user currently
// has on file, the vector-store chunk IDs derived from it, and the analysis
// fields persisted by the last completed job. One row per user.
type UserProfile struct {
	UserID            string               `gorm:"type:text;primaryKey" json:"user_id"`
	FileName          string               `gorm:"type:text" json:"file_name,omitempty"`
	FileType          string               `gorm:"type:text" json:"file_type,omitempty"`
	ChunkIDs          StringArray          `gorm:"type:text" json:"chunk_ids"`
	TotalChunks       int                  `gorm:"default:0" json:"total_chunks"`
	TechnicalSkills   StringArray          `gorm:"type:text" json:"technical_skills"`
	YearsOfExperience float64              `gorm:"default:0" json:"years_of_experience"`
	Education         EducationList        `gorm:"type:text" json:"education"`
	Personal          *PersonalInformation `gorm:"type:text" json:"personal_information,omitempty"`
	ATSScore          *ATSScore            `gorm:"type:text" json:"ats_score,omitempty"`
	UploadedAt        *time.Time           `json:"uploaded_at,omitempty"`
	AnalyzedAt        *time.Time           `json:"analyzed_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// TableName returns the database table name for UserProfile.
func (UserProfile) TableName() string {
	return "user_profiles"
}
