// Package diag samples host and process load for the health endpoint.
package diag

import (
	"errors"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time view of host and process load.
type Snapshot struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemTotal       uint64  `json:"mem_total_bytes"`
	ProcRSS        uint64  `json:"proc_rss_bytes"`
	ProcCPUPercent float64 `json:"proc_cpu_percent"`
	Goroutines     int     `json:"goroutines"`
}

// Collect samples what it can. A partial snapshot is still returned when
// probes fail; the error joins every probe failure.
func Collect() (Snapshot, error) {
	snap := Snapshot{Goroutines: runtime.NumGoroutine()}
	var errs []error

	if percents, err := cpu.Percent(0, false); err != nil {
		errs = append(errs, err)
	} else if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		errs = append(errs, err)
	} else {
		snap.MemUsedPercent = vm.UsedPercent
		snap.MemTotal = vm.Total
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err != nil {
		errs = append(errs, err)
	} else {
		if info, err := proc.MemoryInfo(); err != nil {
			errs = append(errs, err)
		} else {
			snap.ProcRSS = info.RSS
		}
		if pct, err := proc.CPUPercent(); err != nil {
			errs = append(errs, err)
		} else {
			snap.ProcCPUPercent = pct
		}
	}

	return snap, errors.Join(errs...)
}
