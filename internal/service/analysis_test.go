package service

import (
	"io"
	"testing"

	"github.com/renwei/cvflow/internal/config"
	"github.com/renwei/cvflow/internal/logger"
)

func newTestAnalysisService(t *testing.T) *AnalysisService {
	t.Helper()
	svc, err := NewAnalysisService(config.AnalysisConfig{
		Model:   "gpt-4o-mini",
		BaseURL: "http://localhost:0",
	}, logger.New(&logger.Config{Output: io.Discard}))
	if err != nil {
		t.Fatalf("NewAnalysisService error: %v", err)
	}
	return svc
}

func TestAnalysisParseValid(t *testing.T) {
	svc := newTestAnalysisService(t)

	analysis, err := svc.parse(`{
		"personal_information": {"full_name": "Jane Doe", "email": "jane@example.com"},
		"technical_skills": ["Go", "PostgreSQL"],
		"years_of_experience": 6,
		"education": [{"degree": "BSc", "institution": "MIT"}],
		"ats_score": {"score": 82, "strengths": ["clear structure"]}
	}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if analysis.PersonalInformation == nil || analysis.PersonalInformation.FullName != "Jane Doe" {
		t.Errorf("personal information not decoded: %+v", analysis.PersonalInformation)
	}
	if len(analysis.TechnicalSkills) != 2 {
		t.Errorf("technical skills = %v", analysis.TechnicalSkills)
	}
	if analysis.YearsOfExperience != 6 {
		t.Errorf("years of experience = %v", analysis.YearsOfExperience)
	}
	if analysis.ATSScore == nil || analysis.ATSScore.Score != 82 {
		t.Errorf("ats score = %+v", analysis.ATSScore)
	}
}

func TestAnalysisParseAllFieldsOptional(t *testing.T) {
	svc := newTestAnalysisService(t)

	analysis, err := svc.parse(`{}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if analysis.PersonalInformation != nil || analysis.ATSScore != nil {
		t.Errorf("empty object should decode to empty analysis: %+v", analysis)
	}
}

func TestAnalysisParseRejectsInvalidJSON(t *testing.T) {
	svc := newTestAnalysisService(t)
	if _, err := svc.parse(`Sure! Here is the analysis: {`); err == nil {
		t.Error("expected error for non-JSON output")
	}
}

func TestAnalysisParseRejectsMistypedFields(t *testing.T) {
	svc := newTestAnalysisService(t)

	cases := []struct {
		name string
		body string
	}{
		{"skills as string", `{"technical_skills": "Go, SQL"}`},
		{"experience as string", `{"years_of_experience": "six"}`},
		{"negative experience", `{"years_of_experience": -2}`},
		{"score out of range", `{"ats_score": {"score": 150}}`},
		{"score missing", `{"ats_score": {"strengths": ["x"]}}`},
		{"unknown top-level key", `{"hobbies": ["chess"]}`},
		{"education not a list", `{"education": {"degree": "BSc"}}`},
	}
	for _, tc := range cases {
		if _, err := svc.parse(tc.body); err == nil {
			t.Errorf("%s: expected schema validation error", tc.name)
		}
	}
}

func TestAnalysisParseStripsCodeFence(t *testing.T) {
	svc := newTestAnalysisService(t)

	analysis, err := svc.parse("```json\n{\"technical_skills\": [\"Go\"]}\n```")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(analysis.TechnicalSkills) != 1 || analysis.TechnicalSkills[0] != "Go" {
		t.Errorf("technical skills = %v", analysis.TechnicalSkills)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := stripCodeFence(tt.in); got != tt.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
