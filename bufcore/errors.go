package bufcore

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel error kinds, per the error design: callers switch on these with
// errors.Is rather than inspecting message text.
var (
	// ErrMemoryExhausted is returned when growing a pool's resident set
	// would exceed its configured limit. Retryable: the caller flushes
	// dirty pages and retries up to RetryAllocationCountMax times.
	ErrMemoryExhausted = errors.New("bufcore: pool memory exhausted")

	// ErrBadDataPage is returned on CRC mismatch or a short read.
	ErrBadDataPage = errors.New("bufcore: bad data page")

	// ErrFlushPrevented is returned when Unfix(Flush) targets a
	// Deterrentable page whose file has a positive deterrent count.
	ErrFlushPrevented = errors.New("bufcore: flush prevented by deterrent")

	// ErrTooManyOpenFiles mirrors the OS error after internal retries are
	// exhausted; it should rarely escape to a caller.
	ErrTooManyOpenFiles = errors.New("bufcore: too many open files")

	// ErrFileNotFound is expected during mount(existing=false) and is
	// swallowed by callers that probe for a file's existence.
	ErrFileNotFound = errors.New("bufcore: file not found")

	// ErrUnexpected marks an invariant violation, e.g. a rename collision
	// with a descriptor other than self.
	ErrUnexpected = errors.New("bufcore: unexpected internal state")

	// ErrBadArgument marks API misuse by the caller.
	ErrBadArgument = errors.New("bufcore: bad argument")
)

// Error wraps one of the sentinel kinds above with the operation name and,
// where relevant, the file path and page offset that failed.
type Error struct {
	Op     string
	Kind   error
	Path   string
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Offset != 0:
		return fmt.Sprintf("%s: %v (path=%s offset=%d)", e.Op, e.Kind, e.Path, e.Offset)
	case e.Path != "":
		return fmt.Sprintf("%s: %v (path=%s)", e.Op, e.Kind, e.Path)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Kind }

func (e *Error) Cause() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// NewError builds a *Error for op/kind, optionally wrapping a lower-level
// cause via github.com/pkg/errors so a stack trace survives to the top of
// the call chain when one is available.
func NewError(op string, kind error, cause error) error {
	err := &Error{Op: op, Kind: kind}
	if cause != nil {
		err.Err = pkgerrors.Wrap(cause, op)
	}
	return err
}

// BadDataPage builds the offset/path-carrying form spec.md §7 requires.
func BadDataPage(op, path string, offset int64, cause error) error {
	e := &Error{Op: op, Kind: ErrBadDataPage, Path: path, Offset: offset}
	if cause != nil {
		e.Err = pkgerrors.Wrap(cause, op)
	}
	return e
}

func IsMemoryExhausted(err error) bool { return errors.Is(err, ErrMemoryExhausted) }
func IsBadDataPage(err error) bool     { return errors.Is(err, ErrBadDataPage) }
func IsFlushPrevented(err error) bool  { return errors.Is(err, ErrFlushPrevented) }
func IsTooManyOpenFiles(err error) bool { return errors.Is(err, ErrTooManyOpenFiles) }
func IsFileNotFound(err error) bool    { return errors.Is(err, ErrFileNotFound) }
func IsUnexpected(err error) bool      { return errors.Is(err, ErrUnexpected) }
func IsBadArgument(err error) bool     { return errors.Is(err, ErrBadArgument) }
