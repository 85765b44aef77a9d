// Package transcribe implements the transcription adapter described in
// SPEC_FULL §4.C: a small capability-set interface with GPU and CPU
// variants, both backed by the same subprocess engine, selected at startup
// by probing for a usable accelerator. The probe is grounded on the
// teacher's internal/audio package (which shells out to ffmpeg and
// inspects its capability list); the package also provides gopsutil host
// sampling from _examples/ArthurCRodrigues-transcode-worker, used by the
// heartbeat reporter.
package transcribe

import (
	"context"

	"github.com/audiopipe/transcribe-worker/internal/jobs"
)

// DevicePreference is the configuration knob from SPEC_FULL §4.C step 1.
type DevicePreference int

const (
	// PreferAuto probes for an accelerator and falls back to CPU.
	PreferAuto DevicePreference = iota
	// ForceCPU skips the probe entirely (worker's --cpu-only flag).
	ForceCPU
)

// OnProgress is invoked at model-load completion and at regular intervals
// during transcription, per SPEC_FULL §4.C.
type OnProgress func(phase jobs.Phase, percent float64, message string)

// Adapter is the capability set every transcription engine variant
// implements: initialize, load the model, transcribe one file.
type Adapter interface {
	// Initialize selects and prepares the device. Called once at worker
	// startup; a failure here is Fatal (SPEC_FULL §4.E LOADING state).
	Initialize(ctx context.Context, pref DevicePreference) error
	// LoadModel loads engine weights/state. Invoked once after
	// Initialize succeeds; onProgress is called once on completion
	// (SPEC_FULL §4.C).
	LoadModel(ctx context.Context, onProgress OnProgress) error
	// Transcribe turns a local audio file into a transcript, invoking
	// onProgress as work advances.
	Transcribe(ctx context.Context, localPath string, onProgress OnProgress) (jobs.Transcript, error)
	// Device reports which device the adapter ended up using, for the
	// transcript artifact's device field.
	Device() jobs.Device
	// Model reports the opaque model identifier for the transcript
	// artifact's model field.
	Model() string
}

// Select implements the SPEC_FULL §4.C device-selection policy:
//  1. cpuOnly forces the CPU variant.
//  2. Otherwise probe for a usable accelerator; on success use the GPU
//     variant with half precision and the configured batch size.
//  3. On probe failure, degrade to the CPU variant with single precision.
func Select(ctx context.Context, model string, batchSize int, cpuOnly bool, prober AcceleratorProber) (Adapter, error) {
	if prober == nil {
		prober = NewNVMLProber()
	}
	if cpuOnly {
		return NewCPUAdapter(model), nil
	}
	if ok, _ := prober.Probe(ctx); ok {
		return NewGPUAdapter(model, batchSize), nil
	}
	return NewCPUAdapter(model), nil
}
