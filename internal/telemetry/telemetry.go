// Package telemetry defines how the guard learns about host pressure. Real
// hardware collection lives outside this module; samplers here only adapt it.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ThermalState is a coarse thermal reading.
type ThermalState string

const (
	ThermalNominal  ThermalState = "nominal"
	ThermalElevated ThermalState = "elevated"
	ThermalCritical ThermalState = "critical"
)

// ParseThermal accepts the three state names, case-insensitively.
func ParseThermal(s string) (ThermalState, error) {
	switch t := ThermalState(strings.ToLower(strings.TrimSpace(s))); t {
	case ThermalNominal, ThermalElevated, ThermalCritical:
		return t, nil
	case "":
		return ThermalNominal, nil
	default:
		return "", fmt.Errorf("unknown thermal state %q", s)
	}
}

// Sample is one reading.
type Sample struct {
	FreeMemoryBytes uint64
	Thermal         ThermalState
	At              time.Time
}

// Sampler reads host telemetry.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Func adapts a function to Sampler.
type Func func(ctx context.Context) (Sample, error)

func (f Func) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// Static always reports the same reading. It suits hosts without telemetry.
type Static Sample

func (s Static) Sample(ctx context.Context) (Sample, error) {
	out := Sample(s)
	if out.Thermal == "" {
		out.Thermal = ThermalNominal
	}
	out.At = time.Now()
	return out, nil
}
