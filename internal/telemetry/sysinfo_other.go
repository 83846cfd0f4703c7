//go:build !linux

package telemetry

import (
	"context"
	"errors"
)

// SysinfoSampler is only implemented on Linux.
type SysinfoSampler struct{}

func (SysinfoSampler) Sample(ctx context.Context) (Sample, error) {
	return Sample{}, errors.New("sysinfo sampler not supported on this platform")
}
