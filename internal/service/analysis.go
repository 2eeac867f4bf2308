package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/renwei/cvflow/internal/config"
	"github.com/renwei/cvflow/internal/domain"
	"github.com/renwei/cvflow/internal/logger"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// analysisSchema is the contract the model's output must satisfy. Responses
// that do not validate are rejected wholesale; the caller falls back to an
// empty analysis rather than persisting partial or mistyped fields.
const analysisSchema = `{
  "type": "object",
  "properties": {
    "personal_information": {
      "type": "object",
      "properties": {
        "full_name": {"type": "string"},
        "email": {"type": "string"},
        "phone": {"type": "string"},
        "location": {"type": "string"},
        "linkedin": {"type": "string"},
        "github": {"type": "string"},
        "portfolio": {"type": "string"},
        "summary": {"type": "string"}
      },
      "additionalProperties": false
    },
    "technical_skills": {
      "type": "array",
      "items": {"type": "string"}
    },
    "years_of_experience": {"type": "number", "minimum": 0},
    "education": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "degree": {"type": "string"},
          "field": {"type": "string"},
          "institution": {"type": "string"},
          "location": {"type": "string"},
          "start_date": {"type": "string"},
          "end_date": {"type": "string"},
          "gpa": {"type": "string"},
          "honors": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "ats_score": {
      "type": "object",
      "properties": {
        "score": {"type": "number", "minimum": 0, "maximum": 100},
        "strengths": {"type": "array", "items": {"type": "string"}},
        "weaknesses": {"type": "array", "items": {"type": "string"}},
        "recommendations": {"type": "array", "items": {"type": "string"}}
      },
      "required": ["score"],
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const analysisSystemPrompt = `You are a CV analysis engine. Extract structured data from the CV text the user provides and respond with a single JSON object using exactly these keys: personal_information (object with full_name, email, phone, location, linkedin, github, portfolio, summary; omit unknown keys), technical_skills (array of strings), years_of_experience (number), education (array of objects with degree, field, institution, location, start_date, end_date, gpa, honors; omit unknown keys), ats_score (object with score 0-100, strengths, weaknesses, recommendations). Omit any top-level key you cannot determine. Respond with JSON only, no prose.`

// analysisMaxInputChars bounds the CV text sent to the model.
const analysisMaxInputChars = 24000

// AnalysisService derives a structured profile analysis from extracted CV
// text via an OpenAI-compatible chat completions endpoint.
type AnalysisService struct {
	client *resty.Client
	model  string
	schema *jsonschema.Schema
	log    *logger.Logger
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewAnalysisService creates the analysis client. The response schema is
// compiled once here; compilation of the static schema cannot fail at
// runtime with valid inputs, so an error is returned only on programmer
// mistake.
func NewAnalysisService(cfg config.AnalysisConfig, log *logger.Logger) (*AnalysisService, error) {
	schema, err := jsonschema.CompileString("analysis.json", analysisSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile analysis schema: %w", err)
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(120 * time.Second).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &AnalysisService{
		client: client,
		model:  cfg.Model,
		schema: schema,
		log:    log.WithField(logger.FieldComponent, "analysis"),
	}, nil
}

// Analyze sends the CV text to the model and returns the validated analysis.
// Any response that is not valid JSON or does not satisfy the schema is an
// error; no partial result is ever returned.
func (s *AnalysisService) Analyze(ctx context.Context, text string) (*domain.ProfileAnalysis, error) {
	if len(text) > analysisMaxInputChars {
		text = text[:analysisMaxInputChars]
	}

	start := time.Now()

	var result chatResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: s.model,
			Messages: []chatMessage{
				{Role: "system", Content: analysisSystemPrompt},
				{Role: "user", Content: text},
			},
			Temperature:    0,
			ResponseFormat: &chatFormat{Type: "json_object"},
		}).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("analysis API returned %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("analysis API returned no choices")
	}

	analysis, err := s.parse(result.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Debug("Analysis completed")

	return analysis, nil
}

// parse validates the raw model output against the schema and decodes it.
func (s *AnalysisService) parse(content string) (*domain.ProfileAnalysis, error) {
	content = stripCodeFence(content)

	var raw interface{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("analysis output is not valid JSON: %w", err)
	}
	if err := s.schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("analysis output failed schema validation: %w", err)
	}

	var analysis domain.ProfileAnalysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return nil, fmt.Errorf("failed to decode analysis output: %w", err)
	}
	return &analysis, nil
}

// stripCodeFence removes a markdown code fence some models wrap JSON in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
