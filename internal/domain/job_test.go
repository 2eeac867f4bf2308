package domain

import (
	"encoding/json"
	"testing"
)

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusPending, false},
		{JobStatusProcessing, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestJobStatusCanTransitionTo(t *testing.T) {
	allowed := map[JobStatus][]JobStatus{
		JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
		JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
		JobStatusCompleted:  {},
		JobStatusFailed:     {},
		JobStatusCancelled:  {},
	}

	all := []JobStatus{
		JobStatusPending, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
	}

	for from, targets := range allowed {
		want := make(map[JobStatus]bool, len(targets))
		for _, to := range targets {
			want[to] = true
		}
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != want[to] {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want[to])
			}
		}
	}
}

func TestJobResultRoundTrip(t *testing.T) {
	result := JobResult{
		Stored: 3,
		IDs:    []string{"a", "b", "c"},
		Analysis: &ProfileAnalysis{
			TechnicalSkills:   []string{"Go"},
			YearsOfExperience: 4.5,
		},
	}

	value, err := result.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var decoded JobResult
	if err := decoded.Scan(value); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if decoded.Stored != 3 || len(decoded.IDs) != 3 {
		t.Errorf("round trip lost data: %+v", decoded)
	}
	if decoded.Analysis == nil || decoded.Analysis.YearsOfExperience != 4.5 {
		t.Errorf("round trip lost analysis: %+v", decoded.Analysis)
	}
}

func TestUploadJobJSONHidesInternals(t *testing.T) {
	job := UploadJob{
		ID:      "job-1",
		UserID:  "user-1",
		Status:  JobStatusPending,
		Payload: []byte("raw document bytes"),
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if _, ok := fields["Payload"]; ok {
		t.Error("payload must not be serialized to clients")
	}
	if _, ok := fields["payload"]; ok {
		t.Error("payload must not be serialized to clients")
	}
}
