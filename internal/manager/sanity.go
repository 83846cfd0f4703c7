package manager

import "lifecycled/internal/backend"

// SanityReport describes the availability of every engine's runtime
// dependency.
type SanityReport struct {
	Engines []backend.CheckResult `json:"engines"`
	OK      bool                  `json:"ok"`
}

// SanityCheck validates that registered engines can load models. It does not
// mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{Engines: m.disp.Check(), OK: true}
	for _, e := range r.Engines {
		if !e.OK {
			r.OK = false
		}
	}
	return r
}
