package kernel

import (
	"fmt"
	"time"

	"github.com/cilium/ebpf"

	"github.com/p4ebpf/psactl"
	"github.com/p4ebpf/psactl/config"
)

// initDataLen is the size of the dummy packet handed to initializer
// runs. The programs ignore their input, but the kernel rejects a run
// without a minimal data buffer.
const initDataLen = 128

// OpenProgram opens the pinned program name of pipeline id. Callers
// own the returned handle; the pin itself stays.
func OpenProgram(paths config.Paths, id psactl.Pipeline, name string) (*ebpf.Program, error) {
	prog, err := ebpf.LoadPinnedProgram(paths.ProgPath(id, name), nil)
	if err != nil {
		return nil, fmt.Errorf("open program %s/%s: %w", id, name, psactl.Wrap(err))
	}
	return prog, nil
}

// ProgramID returns the kernel-assigned id of an open program.
func ProgramID(prog *ebpf.Program) (ebpf.ProgramID, error) {
	info, err := prog.Info()
	if err != nil {
		return 0, psactl.Wrap(err)
	}
	id, ok := info.ID()
	if !ok {
		return 0, fmt.Errorf("kernel does not report program ids: %w", psactl.ErrUnsupported)
	}
	return id, nil
}

// LoadTime returns the program's load time as a duration since boot.
func LoadTime(prog *ebpf.Program) (time.Duration, error) {
	info, err := prog.Info()
	if err != nil {
		return 0, psactl.Wrap(err)
	}
	d, ok := info.LoadTime()
	if !ok {
		return 0, fmt.Errorf("kernel does not report program load time: %w", psactl.ErrUnsupported)
	}
	return d, nil
}

// RunInit executes prog once with a dummy packet. Initializer programs
// populate default map state as a side effect; the return code is
// ignored.
func RunInit(prog *ebpf.Program) error {
	_, err := prog.Run(&ebpf.RunOptions{
		Data:   make([]byte, initDataLen),
		Repeat: 1,
	})
	if err != nil {
		return psactl.Wrap(err)
	}
	return nil
}
