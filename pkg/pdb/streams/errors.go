package streams

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a stream could not be decoded.
type ErrorKind int

const (
	// Structural errors: sizes that do not add up, truncated regions,
	// trailing bytes, regions that are not a multiple of their record size.
	Structural ErrorKind = iota
	// Consistency errors: two substreams disagree with each other.
	Consistency
	// UnsupportedVersion errors: a version field or tag is too old or unknown.
	UnsupportedVersion
)

func (k ErrorKind) String() string {
	switch k {
	case Structural:
		return "structural"
	case Consistency:
		return "consistency"
	case UnsupportedVersion:
		return "unsupported version"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels matching every FormatError of the corresponding kind.
var (
	ErrStructural         = errors.New("malformed stream")
	ErrConsistency        = errors.New("inconsistent stream")
	ErrUnsupportedVersion = errors.New("unsupported stream version")
)

// FormatError is returned for any stream that cannot be decoded. None of
// them are recoverable: the stream is unusable as a whole.
type FormatError struct {
	Kind ErrorKind
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *FormatError) Is(target error) bool {
	switch target {
	case ErrStructural:
		return e.Kind == Structural
	case ErrConsistency:
		return e.Kind == Consistency
	case ErrUnsupportedVersion:
		return e.Kind == UnsupportedVersion
	}
	return false
}

func structuralf(format string, args ...interface{}) error {
	return &FormatError{Kind: Structural, Msg: fmt.Sprintf(format, args...)}
}

func consistencyf(format string, args ...interface{}) error {
	return &FormatError{Kind: Consistency, Msg: fmt.Sprintf(format, args...)}
}

func unsupportedf(format string, args ...interface{}) error {
	return &FormatError{Kind: UnsupportedVersion, Msg: fmt.Sprintf(format, args...)}
}

// truncated wraps a reader error into a structural error.
func truncated(what string, err error) error {
	return &FormatError{Kind: Structural, Msg: "truncated " + what, Err: err}
}

func fmtOffset(what string, off int) string {
	return fmt.Sprintf("%s at offset %#x", what, off)
}
