// Package bpffs checks for and mounts the BPF filesystem that backs
// the pinned pipeline namespace.
package bpffs

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
)

const (
	// DefaultMountInfoPath is the path to the mountinfo file.
	DefaultMountInfoPath = "/proc/self/mountinfo"

	// maxScanLineLen bounds mountinfo line length; some runtimes
	// produce very long lines and bufio errors out otherwise.
	maxScanLineLen = 1024 * 1024
)

// IsMounted reports whether a bpffs is mounted at mountPoint by
// parsing mountInfoPath (normally /proc/self/mountinfo).
//
// Each mountinfo line is:
//
//	mount_id parent_id major:minor root mount_point options [optional...] - fstype source super_options
//
// The " - " separator must be located by string search rather than by
// field position, because optional fields (mount propagation etc.)
// may appear before it. This is how libmount parses the file.
func IsMounted(mountInfoPath, mountPoint string) (bool, error) {
	file, err := os.Open(mountInfoPath)
	if err != nil {
		return false, fmt.Errorf("opening mountinfo: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanLineLen)

	for scanner.Scan() {
		line := scanner.Text()

		sepIdx := strings.Index(line, " - ")
		if sepIdx == -1 {
			continue
		}

		fields := strings.Fields(line[:sepIdx])
		if len(fields) < 5 {
			continue
		}
		mntPoint := fields[4]

		suffixFields := strings.Fields(line[sepIdx+3:])
		if len(suffixFields) < 1 {
			continue
		}
		fsType := suffixFields[0]

		if mntPoint == mountPoint && fsType == "bpf" {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading mountinfo: %w", err)
	}

	return false, nil
}

// Mount mounts a bpffs at mountPoint, creating the directory if needed.
func Mount(mountPoint string) error {
	fi, err := os.Stat(mountPoint)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("mount point exists but is not a directory")
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			return fmt.Errorf("creating mount point directory: %w", err)
		}
	default:
		return fmt.Errorf("stat mount point: %w", err)
	}

	if err := syscall.Mount("bpffs", mountPoint, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mount syscall: %w", err)
	}

	return nil
}

// EnsureMounted checks mountInfoPath for a bpf mount at mountPoint
// and mounts one if none is found. Mounting requires CAP_SYS_ADMIN;
// on a stock system /sys/fs/bpf is usually pre-mounted by systemd.
func EnsureMounted(mountInfoPath, mountPoint string) error {
	mounted, err := IsMounted(mountInfoPath, mountPoint)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	return Mount(mountPoint)
}
