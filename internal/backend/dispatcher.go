package backend

import (
	"fmt"
	"sort"

	"lifecycled/pkg/types"
)

// Dispatcher maps a descriptor format to its backend. The set of backends is
// fixed at construction.
type Dispatcher struct {
	byFormat map[types.Format]Backend
}

// NewDispatcher builds a dispatcher. Registering two backends for the same
// format is a programming error.
func NewDispatcher(backends ...Backend) (*Dispatcher, error) {
	d := &Dispatcher{byFormat: make(map[types.Format]Backend, len(backends))}
	for _, b := range backends {
		if b == nil {
			continue
		}
		if prev, ok := d.byFormat[b.Format()]; ok {
			return nil, fmt.Errorf("format %q served by both %s and %s", b.Format(), prev.Name(), b.Name())
		}
		d.byFormat[b.Format()] = b
	}
	return d, nil
}

// Resolve returns the backend for desc, or *UnsupportedFormatError.
func (d *Dispatcher) Resolve(desc types.ModelDescriptor) (Backend, error) {
	if b, ok := d.byFormat[desc.Format]; ok {
		return b, nil
	}
	return nil, &UnsupportedFormatError{ModelID: desc.ID, Format: desc.Format}
}

// Formats lists served formats in sorted order.
func (d *Dispatcher) Formats() []types.Format {
	out := make([]types.Format, 0, len(d.byFormat))
	for f := range d.byFormat {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckResult describes one backend's dependency check.
type CheckResult struct {
	Format types.Format `json:"format"`
	Engine string       `json:"engine"`
	OK     bool         `json:"ok"`
	Error  string       `json:"error,omitempty"`
}

// Check validates every backend's runtime dependency. It does not mutate
// state and is safe to call at any time.
func (d *Dispatcher) Check() []CheckResult {
	out := make([]CheckResult, 0, len(d.byFormat))
	for _, f := range d.Formats() {
		b := d.byFormat[f]
		r := CheckResult{Format: f, Engine: b.Name(), OK: true}
		if err := b.Check(); err != nil {
			r.OK = false
			r.Error = err.Error()
		}
		out = append(out, r)
	}
	return out
}
