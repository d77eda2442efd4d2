// Adapted from the teacher's cgroups/fs/cpu.go: CpuGroup.Set wrote
// cpu.shares/cpu.cfs_period_us/cpu.cfs_quota_us/cpu.rt_period_us/
// cpu.rt_runtime_us from a shared configs.Cgroup. Params here plays
// the role that struct played, scoped to just the cpu controller.
package fs

import "github.com/portod/portod/internal/cgroup"

// CPUParams is the subset of a container's properties the cpu
// controller knows how to apply.
type CPUParams struct {
	Shares      int64
	PeriodUs    int64
	QuotaUs     int64
	RtPeriodUs  int64
	RtRuntimeUs int64
}

func ApplyCPU(h *cgroup.Handle, p CPUParams) error {
	if p.Shares != 0 {
		if err := writeFileInt(h, "cpu.shares", p.Shares); err != nil {
			return err
		}
	}
	if p.PeriodUs != 0 {
		if err := writeFileInt(h, "cpu.cfs_period_us", p.PeriodUs); err != nil {
			return err
		}
	}
	if p.QuotaUs != 0 {
		if err := writeFileInt(h, "cpu.cfs_quota_us", p.QuotaUs); err != nil {
			return err
		}
	}
	if p.RtPeriodUs != 0 {
		if err := writeFileInt(h, "cpu.rt_period_us", p.RtPeriodUs); err != nil {
			return err
		}
	}
	if p.RtRuntimeUs != 0 {
		if err := writeFileInt(h, "cpu.rt_runtime_us", p.RtRuntimeUs); err != nil {
			return err
		}
	}
	return nil
}
