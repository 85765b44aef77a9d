// Input validation ahead of the engine call, adapted from the teacher's
// internal/audio/ffprobe.go GetDuration helper (shell out to ffprobe,
// parse the single duration value off stdout). Repurposed from a
// denoising-pipeline duration lookup into a pre-transcription structural
// check: a file ffprobe cannot parse is classified BadInput (SPEC_FULL
// §7) rather than spent on a doomed engine invocation.
package transcribe

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	workerrors "github.com/audiopipe/transcribe-worker/internal/errors"
)

// ProbeDuration returns the audio duration in seconds reported by
// ffprobe, or a BadInput error if the file is missing, unreadable, or not
// a format ffprobe recognizes.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		// ffprobe is an optional validation step; its absence should not
		// block transcription, which has its own format handling.
		return 0, nil
	}
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, workerrors.NewBadInput("ffprobe could not read audio file: "+stderr.String(), err)
	}
	s := strings.TrimSpace(stdout.String())
	if s == "" {
		return 0, workerrors.NewBadInput("ffprobe returned no duration for audio file", nil)
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, workerrors.NewBadInput("ffprobe returned an unparseable duration", err)
	}
	return d, nil
}
