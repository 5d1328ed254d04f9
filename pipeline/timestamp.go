package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/p4ebpf/psactl"
	"github.com/p4ebpf/psactl/config"
	"github.com/p4ebpf/psactl/kernel"
)

// uptimePath is where the kernel reports seconds since boot.
const uptimePath = "/proc/uptime"

// LoadTimestamp computes the wall-clock instant pipeline id was
// loaded: the kernel reports program load time relative to boot, so
// the instant is now - uptime + load time. Best-effort; any read
// failure yields the zero time.
func (m *Manager) LoadTimestamp(id psactl.Pipeline) time.Time {
	loadTime, err := m.pipelineLoadTime(id)
	if err != nil {
		m.logger.Debug("no load time for pipeline",
			"component", "pipeline", "pipeline", id, "error", err)
		return time.Time{}
	}

	uptime, err := readUptime(uptimePath)
	if err != nil {
		m.logger.Debug("cannot read system uptime", "component", "pipeline", "error", err)
		return time.Time{}
	}

	return time.Now().Add(-uptime).Add(loadTime)
}

// pipelineLoadTime reads the boot-relative load time of the first
// XDP-path program found, helper first.
func (m *Manager) pipelineLoadTime(id psactl.Pipeline) (time.Duration, error) {
	for _, name := range []string{config.ProgXDPHelper, config.ProgXDPIngress} {
		prog, err := kernel.OpenProgram(m.paths, id, name)
		if errors.Is(err, psactl.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		defer prog.Close()
		return kernel.LoadTime(prog)
	}
	return 0, fmt.Errorf("%s has no XDP-path program: %w", id, psactl.ErrNotFound)
}

// readUptime parses the first field of path (seconds with fractional
// part, /proc/uptime format).
func readUptime(path string) (time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed uptime file %s", path)
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed uptime %q: %w", fields[0], err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
