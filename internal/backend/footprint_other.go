//go:build !linux

package backend

// residentBytes is unavailable without procfs; callers fall back to estimates.
func residentBytes(pid int) (int64, bool) { return 0, false }
