// Subprocess-based transcription: the dispatcher-facing capability set is
// implemented by spawning an external engine binary and parsing its
// stdout, the same shape the teacher uses for ffmpeg (exec.CommandContext,
// capture stdout/stderr, parse text output). This is the "model this as a
// variant of the adapter" design note (SPEC_FULL §9): the GPU and CPU
// adapters differ only in the flags passed to the same subprocess engine.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	workerrors "github.com/audiopipe/transcribe-worker/internal/errors"
	"github.com/audiopipe/transcribe-worker/internal/jobs"
)

// Precision is the numeric precision an engine run uses.
type Precision string

const (
	PrecisionFP16 Precision = "fp16"
	PrecisionFP32 Precision = "fp32"
)

// engineSegment is one segment of engineResult, the single JSON document
// the subprocess engine prints to stdout.
type engineSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type engineResult struct {
	Language string          `json:"language"`
	Segments []engineSegment `json:"segments"`
}

// subprocessAdapter implements Adapter by shelling out to an external
// transcription engine binary. GPU and CPU variants share this type,
// differing only in device/precision/batch size.
type subprocessAdapter struct {
	binary    string
	model     string
	device    jobs.Device
	precision Precision
	batchSize int
}

// NewGPUAdapter returns the GPU-optimized variant: half precision and the
// configured batch size (SPEC_FULL §4.C step 2).
func NewGPUAdapter(model string, batchSize int) Adapter {
	return &subprocessAdapter{
		binary:    "transcribe-engine",
		model:     model,
		device:    jobs.DeviceCUDA,
		precision: PrecisionFP16,
		batchSize: batchSize,
	}
}

// NewCPUAdapter returns the CPU fallback variant: single precision, batch
// size 1 (SPEC_FULL §4.C step 3).
func NewCPUAdapter(model string) Adapter {
	return &subprocessAdapter{
		binary:    "transcribe-engine",
		model:     model,
		device:    jobs.DeviceCPU,
		precision: PrecisionFP32,
		batchSize: 1,
	}
}

func (a *subprocessAdapter) Device() jobs.Device { return a.device }
func (a *subprocessAdapter) Model() string       { return a.model }

func (a *subprocessAdapter) Initialize(ctx context.Context, pref DevicePreference) error {
	if _, err := exec.LookPath(a.binary); err != nil {
		return workerrors.NewFatal(fmt.Sprintf("transcription engine binary %q not found in PATH", a.binary), err)
	}
	return nil
}

func (a *subprocessAdapter) LoadModel(ctx context.Context, onProgress OnProgress) error {
	cmd := exec.CommandContext(ctx, a.binary,
		"--model", a.model,
		"--device", string(a.device),
		"--preload",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return workerrors.NewFatal(fmt.Sprintf("model preload failed: %s", stderr.String()), err)
	}
	if onProgress != nil {
		onProgress(jobs.PhaseModelLoading, 100, "model loaded")
	}
	return nil
}

func (a *subprocessAdapter) Transcribe(ctx context.Context, localPath string, onProgress OnProgress) (jobs.Transcript, error) {
	start := time.Now()
	args := []string{
		"--model", a.model,
		"--device", string(a.device),
		"--precision", string(a.precision),
		"--batch-size", fmt.Sprintf("%d", a.batchSize),
		"--input", localPath,
		"--output-format", "json",
	}
	cmd := exec.CommandContext(ctx, a.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if onProgress != nil {
		onProgress(jobs.PhaseTranscribing, 0, "engine started")
	}

	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			switch exitErr.ExitCode() {
			case exitCodeBadInput:
				return jobs.Transcript{}, workerrors.NewBadInput(fmt.Sprintf("unsupported or corrupt audio: %s", stderr.String()), err)
			case exitCodeResourceExhausted:
				return jobs.Transcript{}, workerrors.NewResourceExhausted(fmt.Sprintf("engine out of memory: %s", stderr.String()), err)
			}
		}
		return jobs.Transcript{}, workerrors.NewEngineError(fmt.Sprintf("engine run failed: %s", stderr.String()), err)
	}

	var result engineResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return jobs.Transcript{}, workerrors.NewEngineError("engine produced unparseable output", err)
	}

	segments := make([]jobs.Segment, len(result.Segments))
	for i, s := range result.Segments {
		segments[i] = jobs.Segment{Start: s.Start, End: s.End, Text: s.Text}
	}
	if onProgress != nil {
		onProgress(jobs.PhaseTranscribing, 100, fmt.Sprintf("transcribed %d segments in %s", len(segments), elapsed))
	}
	return jobs.NewTranscript(segments, result.Language), nil
}

// Exit codes the engine binary contract reserves for structured failures,
// analogous to the worker's own exit-code contract in SPEC_FULL §6.
const (
	exitCodeBadInput          = 10
	exitCodeResourceExhausted = 11
)
