package psactl

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Error taxonomy. Every kernel or filesystem failure is translated to
// one of these sentinels at its origin; callers match with errors.Is.
var (
	// ErrNotFound indicates a missing pipeline, program, map or member.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied indicates the kernel rejected access.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidInput indicates malformed caller-supplied data: a bad
	// interface name, a non-aggregate type target, an out-of-range
	// member index, or a partition name without a numeric suffix.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported indicates the driver or kernel lacks a requested
	// mode. Sometimes recoverable; see the XDP driver-mode fallback.
	ErrUnsupported = errors.New("operation not supported")
	// ErrResource indicates a kernel-side capacity or verification
	// rejection.
	ErrResource = errors.New("kernel resource error")
	// ErrIO indicates a persistence failure in the pinned namespace.
	ErrIO = errors.New("i/o error")
)

// Load phase sentinels. A pipeline load aborts on the first failing
// phase with no rollback; the failing phase is identified by one of
// these.
var (
	// ErrLoad marks a failure to parse the compiled pipeline object.
	ErrLoad = errors.New("pipeline object load failed")
	// ErrPin marks a failure to persist a program or map.
	ErrPin = errors.New("pin failed")
	// ErrInit marks a failed map-initializer run.
	ErrInit = errors.New("initializer run failed")
)

// Classify maps a low-level error onto the taxonomy sentinel it
// belongs to. Errors that already carry a sentinel are returned
// unchanged. Unrecognised failures classify as ErrIO.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrResource),
		errors.Is(err, ErrIO):
		return err
	case errors.Is(err, unix.ENOENT), errors.Is(err, os.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, os.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, unix.EOPNOTSUPP):
		return ErrUnsupported
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ERANGE),
		errors.Is(err, unix.ENODATA), errors.Is(err, unix.ENODEV), errors.Is(err, unix.EBADF):
		return ErrInvalidInput
	case errors.Is(err, unix.E2BIG), errors.Is(err, unix.ENOSPC),
		errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EAGAIN):
		return ErrResource
	default:
		return ErrIO
	}
}

// Wrap attaches the taxonomy sentinel for err while preserving the
// original cause, so errors.Is matches both.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	class := Classify(err)
	if class == err {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}
