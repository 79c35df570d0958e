package metrics

import (
	"errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is a point-in-time utilization snapshot. Values are percentages
// in [0, 100].
type HostStats struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// CollectHost samples CPU, memory, and the disk holding path. Readings are
// independent: a failed probe leaves its field zero and joins the returned
// error.
func CollectHost(path string) (HostStats, error) {
	var stats HostStats
	var errs []error

	cpuPct, err := cpu.Percent(0, false)
	if err != nil {
		errs = append(errs, err)
	} else if len(cpuPct) > 0 {
		stats.CPUPercent = cpuPct[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		errs = append(errs, err)
	} else {
		stats.MemPercent = vm.UsedPercent
	}

	du, err := disk.Usage(path)
	if err != nil {
		errs = append(errs, err)
	} else {
		stats.DiskPercent = du.UsedPercent
	}

	return stats, errors.Join(errs...)
}
