package recovery

import (
	"context"
	"fmt"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Usage is a point-in-time resource reading in percent.
type Usage struct {
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
}

// Sampler reads resource usage.
type Sampler interface {
	Usage(ctx context.Context) (Usage, error)
}

// SystemSampler reads host usage through gopsutil. DiskPath selects the
// filesystem that holds the store.
type SystemSampler struct {
	DiskPath string
	// SampleCPU enables the (blocking) CPU sample.
	SampleCPU bool
}

// Usage implements Sampler.
func (p SystemSampler) Usage(ctx context.Context) (Usage, error) {
	var u Usage

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("memory usage: %w", err)
	}
	u.MemoryPercent = vm.UsedPercent

	path := p.DiskPath
	if path == "" {
		path = "."
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return u, fmt.Errorf("disk usage %s: %w", path, err)
	}
	u.DiskPercent = du.UsedPercent

	if p.SampleCPU {
		pcts, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return u, fmt.Errorf("cpu usage: %w", err)
		}
		if len(pcts) > 0 {
			u.CPUPercent = pcts[0]
		}
	}
	return u, nil
}

// exceeds returns a ResourceExhaustion error naming the first ceiling the
// reading crosses. A zero ceiling disables that check.
func exceeds(u Usage, cfg core.RecoveryConfig) error {
	checks := []struct {
		name       string
		used, ceil float64
	}{
		{"memory", u.MemoryPercent, cfg.MaxMemoryPercent},
		{"disk", u.DiskPercent, cfg.MaxDiskPercent},
		{"cpu", u.CPUPercent, cfg.MaxCPUPercent},
	}
	for _, c := range checks {
		if c.ceil > 0 && c.used >= c.ceil {
			return fmt.Errorf("%w: %s at %.1f%% (limit %.1f%%)", core.ErrResourceExhaustion, c.name, c.used, c.ceil)
		}
	}
	return nil
}
