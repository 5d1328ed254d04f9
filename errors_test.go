package psactl

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{nil, nil},
		{unix.ENOENT, ErrNotFound},
		{os.ErrNotExist, ErrNotFound},
		{unix.EACCES, ErrPermissionDenied},
		{unix.EPERM, ErrPermissionDenied},
		{unix.EOPNOTSUPP, ErrUnsupported},
		{unix.EINVAL, ErrInvalidInput},
		{unix.ERANGE, ErrInvalidInput},
		{unix.E2BIG, ErrResource},
		{unix.ENOSPC, ErrResource},
		{errors.New("something else"), ErrIO},
		// Wrapped errnos still classify by cause.
		{fmt.Errorf("open: %w", unix.ENOENT), ErrNotFound},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClassifyPassesSentinelsThrough(t *testing.T) {
	for _, sentinel := range []error{
		ErrNotFound, ErrPermissionDenied, ErrInvalidInput,
		ErrUnsupported, ErrResource, ErrIO,
	} {
		wrapped := fmt.Errorf("context: %w", sentinel)
		if got := Classify(wrapped); got != wrapped {
			t.Errorf("Classify(%v) = %v, want unchanged", wrapped, got)
		}
	}
}

func TestWrapMatchesBothSentinelAndCause(t *testing.T) {
	err := Wrap(fmt.Errorf("pin: %w", unix.EACCES))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Wrap result does not match ErrPermissionDenied: %v", err)
	}
	if !errors.Is(err, unix.EACCES) {
		t.Errorf("Wrap result lost the original cause: %v", err)
	}

	if Wrap(nil) != nil {
		t.Error("Wrap(nil) must be nil")
	}
}
