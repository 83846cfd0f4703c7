//go:build linux

package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// SysinfoSampler reads MemAvailable from /proc/meminfo, falling back to
// sysinfo(2) free plus buffer RAM when the kernel does not report it. It has
// no thermal source and always reports nominal.
type SysinfoSampler struct {
	// ProcRoot overrides the procfs mount point (default /proc).
	ProcRoot string
}

func (s SysinfoSampler) Sample(ctx context.Context) (Sample, error) {
	if free, ok := s.memAvailable(); ok {
		return Sample{FreeMemoryBytes: free, Thermal: ThermalNominal, At: time.Now()}, nil
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Sample{}, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	free := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	return Sample{FreeMemoryBytes: free, Thermal: ThermalNominal, At: time.Now()}, nil
}

// memAvailable counts reclaimable page cache as free, unlike sysinfo(2).
func (s SysinfoSampler) memAvailable() (uint64, bool) {
	root := s.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return 0, false
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemAvailable == nil {
		return 0, false
	}
	return *mi.MemAvailable * 1024, true
}
