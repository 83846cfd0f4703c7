package backend

import (
	"errors"
	"fmt"

	"lifecycled/pkg/types"
)

// ErrAborted is the cause carried by a BackendError when a stream is cut off
// by a forced unload.
var ErrAborted = errors.New("aborted")

// UnsupportedFormatError is returned when no backend serves a format.
type UnsupportedFormatError struct {
	ModelID string
	Format  types.Format
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format %q for model %q", e.Format, e.ModelID)
}

// LoadError wraps an engine's refusal to load a model file.
type LoadError struct {
	ModelID string
	Cause   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %q: %v", e.ModelID, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// BackendError is a failure during generation or warmup. Fatal marks the
// handle as unusable (e.g. the engine process died).
type BackendError struct {
	Cause error
	Fatal bool
}

func (e *BackendError) Error() string { return "backend: " + e.Cause.Error() }

func (e *BackendError) Unwrap() error { return e.Cause }

// dependencyUnavailableError signals a missing engine runtime (binary or
// native library) so callers can report 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependency error.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err is (or wraps) a missing dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// IsUnsupportedFormat reports whether err is an UnsupportedFormatError.
func IsUnsupportedFormat(err error) bool {
	var e *UnsupportedFormatError
	return errors.As(err, &e)
}

// IsLoadError reports whether err is a LoadError.
func IsLoadError(err error) bool {
	var e *LoadError
	return errors.As(err, &e)
}

// IsBackendError reports whether err is a BackendError.
func IsBackendError(err error) bool {
	var e *BackendError
	return errors.As(err, &e)
}

// IsFatal reports whether err is a BackendError that invalidates the handle.
func IsFatal(err error) bool {
	var e *BackendError
	return errors.As(err, &e) && e.Fatal
}

// IsAborted reports whether err is a BackendError caused by a forced unload.
func IsAborted(err error) bool {
	var e *BackendError
	return errors.As(err, &e) && errors.Is(e.Cause, ErrAborted)
}

func loadErr(id string, cause error) error {
	return &LoadError{ModelID: id, Cause: cause}
}
