package transcribe

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
)

// AcceleratorProber reports whether a usable accelerator is present,
// grounded on the teacher's detectFFmpegCapabilities: shell out to a
// vendor tool and parse its output rather than linking a driver library.
type AcceleratorProber interface {
	Probe(ctx context.Context) (bool, error)
}

// NVMLProber probes for an NVIDIA GPU by invoking nvidia-smi, mirroring
// the teacher's "ask the tool, don't guess from drivers" approach (it
// checked ffmpeg's own encoder list rather than /dev/dri or similar).
type NVMLProber struct {
	binary string

	once   sync.Once
	usable bool
	err    error
}

// NewNVMLProber returns a prober that shells out to nvidia-smi.
func NewNVMLProber() *NVMLProber {
	return &NVMLProber{binary: "nvidia-smi"}
}

func (p *NVMLProber) Probe(ctx context.Context) (bool, error) {
	p.once.Do(func() {
		p.usable, p.err = p.probeOnce(ctx)
	})
	return p.usable, p.err
}

func (p *NVMLProber) probeOnce(ctx context.Context) (bool, error) {
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return false, nil // no accelerator tool present: degrade quietly
	}
	cmd := exec.CommandContext(ctx, path, "--query-gpu=name", "--format=csv,noheader")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false, nil
	}
	return strings.TrimSpace(out.String()) != "", nil
}

// StaticProber is a test/fake prober that always reports the configured
// result.
type StaticProber struct {
	Usable bool
	Err    error
}

func (p StaticProber) Probe(ctx context.Context) (bool, error) { return p.Usable, p.Err }

var _ AcceleratorProber = (*NVMLProber)(nil)
var _ AcceleratorProber = StaticProber{}
