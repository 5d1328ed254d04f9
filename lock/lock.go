// Package lock provides a cross-process advisory lock using flock(2).
//
// The pipeline library itself performs no cross-process serialization:
// the pinned namespace is shared kernel state and concurrent mutation
// of the same pipeline from independent invocations is unserialized by
// design. The CLI wraps mutating commands in Run so that two psactl
// invocations against the same mount root do not interleave.
package lock

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Run acquires the advisory lock at lockPath, executes fn, then
// releases. Acquisition uses LOCK_EX|LOCK_NB with exponential backoff
// and respects ctx cancellation.
func Run(ctx context.Context, lockPath string, fn func(context.Context) error) error {
	f, err := acquire(ctx, lockPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx)
}

func acquire(ctx context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != syscall.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
