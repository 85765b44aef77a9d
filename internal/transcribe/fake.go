package transcribe

import (
	"context"

	"github.com/audiopipe/transcribe-worker/internal/jobs"
)

// FakeAdapter is a deterministic Adapter used by dispatcher tests in
// place of a real transcription engine subprocess.
type FakeAdapter struct {
	DeviceValue jobs.Device
	ModelValue  string
	Transcript  jobs.Transcript
	InitErr     error
	LoadErr     error
	TranscribeErr error
}

var _ Adapter = (*FakeAdapter)(nil)

func NewFakeAdapter(transcript jobs.Transcript) *FakeAdapter {
	return &FakeAdapter{
		DeviceValue: jobs.DeviceCPU,
		ModelValue:  "fake-v1",
		Transcript:  transcript,
	}
}

func (f *FakeAdapter) Initialize(ctx context.Context, pref DevicePreference) error { return f.InitErr }

func (f *FakeAdapter) LoadModel(ctx context.Context, onProgress OnProgress) error {
	if f.LoadErr != nil {
		return f.LoadErr
	}
	if onProgress != nil {
		onProgress(jobs.PhaseModelLoading, 100, "fake model loaded")
	}
	return nil
}

func (f *FakeAdapter) Transcribe(ctx context.Context, localPath string, onProgress OnProgress) (jobs.Transcript, error) {
	if f.TranscribeErr != nil {
		return jobs.Transcript{}, f.TranscribeErr
	}
	if onProgress != nil {
		onProgress(jobs.PhaseTranscribing, 50, "halfway")
		onProgress(jobs.PhaseTranscribing, 100, "done")
	}
	return f.Transcript, nil
}

func (f *FakeAdapter) Device() jobs.Device { return f.DeviceValue }
func (f *FakeAdapter) Model() string       { return f.ModelValue }
