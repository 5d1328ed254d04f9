package bpffs

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleMountInfo = `22 28 0:21 / /proc rw,nosuid,nodev,noexec,relatime shared:12 - proc proc rw
25 28 0:23 / /sys/fs/cgroup ro,nosuid,nodev,noexec shared:4 - cgroup2 cgroup2 rw
31 28 0:27 / /sys/fs/bpf rw,nosuid,nodev,noexec,relatime shared:9 - bpf bpf rw,mode=700
40 28 8:1 /var /var rw,relatime shared:1 master:2 - ext4 /dev/sda1 rw
`

func writeMountInfo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountinfo")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsMounted(t *testing.T) {
	path := writeMountInfo(t, sampleMountInfo)

	tests := []struct {
		mountPoint string
		want       bool
	}{
		{"/sys/fs/bpf", true},
		{"/proc", false},        // mounted, but not bpf
		{"/run/psactl", false},  // not mounted at all
		{"/sys/fs/cgroup", false},
	}

	for _, tt := range tests {
		got, err := IsMounted(path, tt.mountPoint)
		if err != nil {
			t.Fatalf("IsMounted(%q): %v", tt.mountPoint, err)
		}
		if got != tt.want {
			t.Errorf("IsMounted(%q) = %v, want %v", tt.mountPoint, got, tt.want)
		}
	}
}

func TestIsMountedOptionalFields(t *testing.T) {
	// The optional-fields region before " - " can hold any number of
	// entries; the fstype must still be found after the separator.
	line := "31 28 0:27 / /sys/fs/bpf rw shared:9 master:1 propagate_from:2 - bpf bpf rw\n"
	path := writeMountInfo(t, line)

	got, err := IsMounted(path, "/sys/fs/bpf")
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("bpf mount with optional fields not detected")
	}
}

func TestIsMountedMissingFile(t *testing.T) {
	if _, err := IsMounted(filepath.Join(t.TempDir(), "nope"), "/sys/fs/bpf"); err == nil {
		t.Error("expected error for missing mountinfo")
	}
}
