package types

import "errors"

// Failure taxonomy. Everything below the top-level job is either
// absorbed with a log line (per-architecture install failures) or
// propagated wrapping one of these sentinels.
var (
	// ErrNotFound: unknown library name, or a requested version absent
	// from the catalog. Surfaced to the caller, never retried.
	ErrNotFound = errors.New("library not found")

	// ErrInvalidInput: a library name failed the safety pattern or the
	// board identifier is unrecognized. Rejected before any subprocess
	// is spawned.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInstall: the toolchain failed while building a dependency for
	// one architecture. Logged; that architecture is dropped from the
	// manifest and the install continues.
	ErrInstall = errors.New("library install failed")

	// ErrOffline: no connectivity; the install step short-circuited to
	// an empty result. Callers proceed with whatever was already cached.
	ErrOffline = errors.New("no internet connection")

	// ErrCompile: the final toolchain invocation failed. Fatal for the
	// job; the raw diagnostic text is propagated verbatim.
	ErrCompile = errors.New("compilation failed")

	// ErrTimeout: an external process or network call exceeded its
	// deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrCyclicDependency: a library's dependency chain reached back to
	// a library already being installed on the current call stack.
	ErrCyclicDependency = errors.New("cyclic library dependency")
)

// CompileError carries the toolchain's combined stdout/stderr verbatim.
// This text is the primary diagnostic surface returned to the end user,
// so Error() adds nothing around it.
type CompileError struct {
	Diagnostics string
}

func (e *CompileError) Error() string { return e.Diagnostics }

// Is makes errors.Is(err, ErrCompile) match.
func (e *CompileError) Is(target error) bool { return target == ErrCompile }
