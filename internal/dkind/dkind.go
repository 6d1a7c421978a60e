// Package dkind defines the error-kind taxonomy shared by the discovery
// core. Every fallible operation in this module returns a plain error;
// callers that need to discriminate use errors.Is against the sentinels
// below rather than inspecting error strings.
package dkind

import "errors"

// Kind is a comparable sentinel identifying why an operation failed.
// Wrap a Kind into a richer error with fmt.Errorf("...: %w", kind) and
// recover it downstream with errors.Is(err, dkind.Lookup).
type Kind error

var (
	// OS indicates a syscall-level failure (open, read, mmap, fstat, ...).
	OS = errors.New("os error")

	// Lookup indicates a typed-object member or symbol was not found.
	// It is the recoverable signal used to drive version-tolerant struct
	// access: callers catch it at the documented fallback sites and try
	// an alternate member name, propagating any other kind untouched.
	Lookup = errors.New("lookup error")

	// Other covers parse failures and invalid on-disk/in-memory formats.
	Other = errors.New("other error")

	// Overflow indicates a numeric conversion exceeded its target width.
	Overflow = errors.New("overflow error")

	// NotFound is a well-formed absence, e.g. depmod has no entry for a
	// name. It is a signal, not a user-visible failure.
	NotFound = errors.New("not found")

	// Stop marks iterator exhaustion. Never logged, never surfaced to a
	// caller as an error string; callers test errors.Is(err, dkind.Stop).
	Stop = errors.New("stop")

	// ENOMEM marks an allocation failure. Always fatal; never caught by
	// the version-tolerant fallback helper.
	ENOMEM = errors.New("enomem")
)

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
