// Package faults gives every component a common vocabulary for classifying
// failures, so the dispatch consumer is the single place that translates a
// classification into an ack, a redelivery, or a dead-letter move.
package faults

// Classification buckets an error by how the dispatch consumer should react
// to it.
type Classification int

const (
	// Transient errors are worth retrying: a timeout, a connection reset,
	// a 5xx from a downstream collaborator.
	Transient Classification = iota
	// Permanent errors will never succeed on retry: malformed input, a
	// validation failure, a 4xx that isn't rate limiting.
	Permanent
	// SilentFallback errors are recovered from in place by falling back to
	// a default value (e.g. classifier returns "unclassified", resolver
	// falls back to the configured default list) rather than failing the
	// envelope.
	SilentFallback
)

func (c Classification) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case SilentFallback:
		return "silent_fallback"
	default:
		return "unknown"
	}
}

// Error pairs a Classification with the underlying cause.
type Error struct {
	Classification Classification
	Err            error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a classified Error.
func Wrap(c Classification, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Classification: c, Err: err}
}

// ClassificationOf extracts the Classification from err, defaulting to
// Transient for unclassified errors so the consumer's default behavior is
// to retry rather than silently drop work.
func ClassificationOf(err error) Classification {
	var fe *Error
	if as(err, &fe) {
		return fe.Classification
	}
	return Transient
}

// as is a narrow errors.As shim kept local to avoid importing the standard
// errors package name alongside github.com/pkg/errors across this file.
func as(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
