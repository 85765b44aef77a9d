package transcribe

import (
	"context"
	"testing"

	"github.com/audiopipe/transcribe-worker/internal/jobs"
)

func TestSelectForcesCPU(t *testing.T) {
	a, err := Select(context.Background(), "large-v3", 8, true, StaticProber{Usable: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if a.Device() != jobs.DeviceCPU {
		t.Errorf("Device() = %v, want cpu when cpuOnly is set even though the prober reports usable", a.Device())
	}
}

func TestSelectUsesGPUWhenProbeSucceeds(t *testing.T) {
	a, err := Select(context.Background(), "large-v3", 8, false, StaticProber{Usable: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if a.Device() != jobs.DeviceCUDA {
		t.Errorf("Device() = %v, want cuda", a.Device())
	}
}

func TestSelectDegradesToCPUWhenProbeFails(t *testing.T) {
	a, err := Select(context.Background(), "large-v3", 8, false, StaticProber{Usable: false})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if a.Device() != jobs.DeviceCPU {
		t.Errorf("Device() = %v, want cpu", a.Device())
	}
}

func TestFakeAdapterTranscribeReportsProgress(t *testing.T) {
	want := jobs.NewTranscript([]jobs.Segment{{Start: 0, End: 1, Text: "hello"}}, "en")
	a := NewFakeAdapter(want)

	var seen []float64
	got, err := a.Transcribe(context.Background(), "/tmp/a.wav", func(phase jobs.Phase, percent float64, message string) {
		seen = append(seen, percent)
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "hello" {
		t.Errorf("Text = %q, want %q", got.Text, "hello")
	}
	if len(seen) != 2 || seen[0] != 50 || seen[1] != 100 {
		t.Errorf("progress callbacks = %v, want [50 100]", seen)
	}
}
