package host

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/shellhost/shellhost/sdk/module"
)

// systemProbe is the built-in "system" health entry: host CPU and memory
// readings alongside the module entries. It is informational and never
// gates readiness.
func systemProbe(ctx context.Context) module.HealthResult {
	result := module.HealthyResult("")
	result.Data = make(map[string]string)

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		result.Data["memory_used_percent"] = fmt.Sprintf("%.1f", vm.UsedPercent)
		result.Data["memory_total_mb"] = fmt.Sprintf("%d", vm.Total/1024/1024)
		if vm.UsedPercent > 90 {
			result.Status = module.Degraded
			result.Description = "memory pressure"
		}
	} else {
		result.Status = module.Degraded
		result.Description = "memory stats unavailable: " + err.Error()
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		result.Data["cpu_percent"] = fmt.Sprintf("%.1f", percents[0])
	}

	result.Timestamp = time.Now().UTC()
	return result
}
