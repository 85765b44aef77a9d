package jobs

import "testing"

func TestJobValidate(t *testing.T) {
	base := Job{
		JobID:        "job-1",
		S3InputPath:  "s3://in/a.wav",
		S3OutputPath: "s3://out/a.json",
	}

	cases := []struct {
		name    string
		mutate  func(j Job) Job
		wantErr bool
	}{
		{"valid", func(j Job) Job { return j }, false},
		{"missing job_id", func(j Job) Job { j.JobID = "  "; return j }, true},
		{"bad input uri", func(j Job) Job { j.S3InputPath = "/local/a.wav"; return j }, true},
		{"bad output uri", func(j Job) Job { j.S3OutputPath = "out.json"; return j }, true},
		{"negative duration", func(j Job) Job { j.EstimatedDurationSeconds = -1; return j }, true},
		{"negative retry count", func(j Job) Job { j.RetryCount = -1; return j }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.mutate(base).Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseJobRejectsMalformedBody(t *testing.T) {
	if _, err := ParseJob([]byte("not-json")); err == nil {
		t.Fatalf("expected error decoding malformed body")
	}
	if _, err := ParseJob([]byte(`{"job_id":""}`)); err == nil {
		t.Fatalf("expected validation error for missing fields")
	}
}

func TestParseJobAcceptsWellFormedBody(t *testing.T) {
	body := []byte(`{"job_id":"abc","s3_input_path":"s3://in/a.wav","s3_output_path":"s3://out/a.json"}`)
	j, err := ParseJob(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.JobID != "abc" {
		t.Fatalf("job_id = %q, want abc", j.JobID)
	}
}

func TestNewTranscriptJoinsSegmentText(t *testing.T) {
	tr := NewTranscript([]Segment{
		{Start: 0, End: 1, Text: "hello"},
		{Start: 1, End: 2, Text: "world"},
	}, "en")
	if tr.Text != "hello world" {
		t.Fatalf("Text = %q, want %q", tr.Text, "hello world")
	}
	if tr.Language != "en" {
		t.Fatalf("Language = %q, want en", tr.Language)
	}
}
