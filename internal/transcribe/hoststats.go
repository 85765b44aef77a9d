// Host resource sampling, grounded on
// _examples/ArthurCRodrigues-transcode-worker/internal/monitor.go's use of
// gopsutil to report CPU/RAM usage. Folded into the heartbeat reporter
// (SPEC_FULL §4.C implementation note), generalized from that teacher's ffmpeg-capability
// monitor into a device-agnostic resource sampler.
package transcribe

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a point-in-time sample of host resource usage.
type HostStats struct {
	CPUPercent float64
	RAMPercent float64
}

// SampleHostStats reports current CPU and RAM utilization. A sampling
// failure is non-fatal to the caller: the zero value is returned with the
// error so heartbeat emission can proceed with stale/zero telemetry
// rather than blocking on resource introspection.
func SampleHostStats(ctx context.Context) (HostStats, error) {
	var stats HostStats

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, err
	}
	stats.RAMPercent = v.UsedPercent

	cpuPct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return stats, err
	}
	if len(cpuPct) > 0 {
		stats.CPUPercent = cpuPct[0]
	}
	return stats, nil
}
