package finding

import "errors"

// Sentinel errors for the engine's error taxonomy.
// Callers should use errors.Is() to check for these.
var (
	// ErrTargetUnresolvable indicates the target host could not be resolved.
	// Fatal for the phase that hit it.
	ErrTargetUnresolvable = errors.New("finding: target unresolvable")

	// ErrProbeTransient indicates a timeout or connection reset during a
	// probe. Retried once, then recorded as inconclusive; never fatal.
	ErrProbeTransient = errors.New("finding: transient probe error")

	// ErrExternalSourceUnavailable indicates the vulnerability feed could not
	// be reached. Non-fatal: lookups fall back to the cache.
	ErrExternalSourceUnavailable = errors.New("finding: external source unavailable")

	// ErrConfiguration indicates an invalid profile, port range or target
	// spec. Rejected before any I/O.
	ErrConfiguration = errors.New("finding: configuration error")

	// ErrNotAuthorized indicates the target spec lacks the consent flag.
	// It wraps ErrConfiguration.
	ErrNotAuthorized = &wrapped{msg: "finding: authorization flag not set", base: ErrConfiguration}

	// ErrRunTimeout indicates the overall run deadline elapsed.
	ErrRunTimeout = errors.New("finding: run timeout")

	// ErrCancelled indicates the run was cancelled by the caller.
	ErrCancelled = errors.New("finding: run cancelled")

	// ErrNotFound indicates an unknown assessment id.
	ErrNotFound = errors.New("finding: assessment not found")
)

type wrapped struct {
	msg  string
	base error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.base }
