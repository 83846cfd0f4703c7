//go:build linux

package backend

import "github.com/prometheus/procfs"

// residentBytes reads the resident set size of an engine process.
func residentBytes(pid int) (int64, bool) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0, false
	}
	st, err := p.Stat()
	if err != nil {
		return 0, false
	}
	return int64(st.ResidentMemory()), true
}
