package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cilium/ebpf"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/p4ebpf/psactl"
	"github.com/p4ebpf/psactl/config"
	"github.com/p4ebpf/psactl/kernel"
)

// tcFilterPriority is the priority of the pipeline's TC filters.
const tcFilterPriority = 1

// xdpAttacher abstracts the netlink XDP operations so the fallback
// logic is testable without a live kernel.
type xdpAttacher interface {
	attach(ifindex int, prog *ebpf.Program, flags int) error
	detach(ifindex int) error
}

// linkLister abstracts system interface iteration for the same reason.
type linkLister func() ([]netlink.Link, error)

func defaultLinkLister() ([]netlink.Link, error) {
	return netlink.LinkList()
}

// netlinkXDP is the production xdpAttacher.
type netlinkXDP struct{}

func (netlinkXDP) attach(ifindex int, prog *ebpf.Program, flags int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.LinkSetXdpFdWithFlags(link, prog.FD(), flags)
}

func (netlinkXDP) detach(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.LinkSetXdpFd(link, -1)
}

// devmapValue is the kernel's redirect-table entry: the target
// interface plus an optional egress program fd (-1 for none). Only
// used when the devmap's value size asks for the 8-byte layout.
type devmapValue struct {
	Ifindex uint32
	Prog    int32
}

// AddPort binds the interface named ifname to pipeline id and returns
// the interface index, which doubles as the port id. The attachment
// strategy follows the pipeline's flavor: XDP-based pipelines attach
// the XDP ingress program and wire the redirect/jump tables, TC-based
// pipelines attach only the small XDP helper on the early receive
// path. Both then install the TC ingress/egress filters.
func (m *Manager) AddPort(id psactl.Pipeline, ifname string) (int, error) {
	if !m.Exists(id) {
		return 0, fmt.Errorf("%s: %w", id, psactl.ErrNotFound)
	}
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return 0, fmt.Errorf("interface %q: %w: %w", ifname, psactl.ErrInvalidInput, err)
	}
	ifindex := link.Attrs().Index
	log := m.logger.With("component", "port", "pipeline", id, "interface", ifname)

	if m.TCBased(id) {
		err = m.tcPortAdd(id, ifindex, log)
	} else {
		err = m.xdpPortAdd(id, ifindex, log)
	}
	if err != nil {
		return 0, err
	}

	log.Info("port attached", "ifindex", ifindex)
	return ifindex, nil
}

// xdpPortAdd attaches an XDP-based pipeline: ingress program on the
// interface, egress wiring through the redirect and jump tables, then
// the TC filters.
func (m *Manager) xdpPortAdd(id psactl.Pipeline, ifindex int, log *slog.Logger) error {
	ingress, err := kernel.OpenProgram(m.paths, id, config.ProgXDPIngress)
	if err != nil {
		return err
	}
	defer ingress.Close()

	if err := m.attachXDP(ifindex, ingress, log); err != nil {
		return err
	}

	egressFD := -1
	egress, err := kernel.OpenProgram(m.paths, id, config.ProgXDPEgress)
	switch {
	case err == nil:
		defer egress.Close()
		egressFD = egress.FD()
	case errors.Is(err, psactl.ErrNotFound):
		log.Debug("no XDP egress program")
	default:
		return err
	}

	// The optimized egress program runs out of the jump table and
	// takes precedence over per-interface redirect chaining.
	optimized, err := kernel.OpenProgram(m.paths, id, config.ProgXDPEgressOpt)
	switch {
	case err == nil:
		defer optimized.Close()
		if err := m.installJump(id, optimized); err != nil {
			return err
		}
		egressFD = -1
	case errors.Is(err, psactl.ErrNotFound):
	default:
		return err
	}

	if err := m.installRedirect(id, ifindex, egressFD, log); err != nil {
		return err
	}

	return m.tcAttachAll(id, ifindex, log)
}

// tcPortAdd attaches a TC-based pipeline: the XDP helper on the early
// receive path, then the TC filters carrying the actual programs.
func (m *Manager) tcPortAdd(id psactl.Pipeline, ifindex int, log *slog.Logger) error {
	helper, err := kernel.OpenProgram(m.paths, id, config.ProgXDPHelper)
	if err != nil {
		return err
	}
	defer helper.Close()

	if err := m.attachXDP(ifindex, helper, log); err != nil {
		return err
	}
	return m.tcAttachAll(id, ifindex, log)
}

// attachXDP attaches prog in driver mode, falling back exactly once
// to generic (software) mode when the driver lacks native XDP. Any
// other failure is fatal without a retry.
func (m *Manager) attachXDP(ifindex int, prog *ebpf.Program, log *slog.Logger) error {
	err := m.xdp.attach(ifindex, prog, nl.XDP_FLAGS_DRV_MODE)
	if err == nil {
		return nil
	}
	if !errors.Is(psactl.Classify(err), psactl.ErrUnsupported) {
		return fmt.Errorf("XDP attach on ifindex %d: %w", ifindex, psactl.Wrap(err))
	}

	log.Warn("driver-mode XDP unsupported, falling back to generic mode", "ifindex", ifindex)
	if err := m.xdp.attach(ifindex, prog, nl.XDP_FLAGS_SKB_MODE); err != nil {
		return fmt.Errorf("generic XDP attach on ifindex %d: %w", ifindex, psactl.Wrap(err))
	}
	return nil
}

// installRedirect records the interface (and optional egress program
// fd) in the pipeline's redirect table at slot ifindex mod capacity.
// An ifindex at or beyond capacity still installs, with a warning:
// the modulo silently overrides whatever held that slot.
func (m *Manager) installRedirect(id psactl.Pipeline, ifindex, egressFD int, log *slog.Logger) error {
	devmap, err := kernel.OpenMap(m.paths, id, config.DevmapName, nil, m.logger)
	if err != nil {
		return err
	}
	defer devmap.Close()

	slot := redirectSlot(ifindex, devmap.MaxEntries)
	if uint32(ifindex) >= devmap.MaxEntries {
		log.Warn("ifindex exceeds redirect table capacity, slot will be shared",
			"ifindex", ifindex, "capacity", devmap.MaxEntries, "slot", slot)
	}

	var value any
	if devmap.ValueSize == 4 {
		value = uint32(ifindex)
	} else {
		value = devmapValue{Ifindex: uint32(ifindex), Prog: int32(egressFD)}
	}
	if err := devmap.Map.Update(slot, value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("install redirect entry for ifindex %d: %w", ifindex, psactl.Wrap(err))
	}
	return nil
}

// redirectSlot maps an interface index onto a redirect table slot.
func redirectSlot(ifindex int, capacity uint32) uint32 {
	if capacity == 0 {
		return 0
	}
	return uint32(ifindex) % capacity
}

// installJump installs prog into the single-slot jump table.
func (m *Manager) installJump(id psactl.Pipeline, prog *ebpf.Program) error {
	jump, err := kernel.OpenMap(m.paths, id, config.JumpTableName, nil, m.logger)
	if err != nil {
		return err
	}
	defer jump.Close()

	if err := jump.Map.Update(uint32(0), prog, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("install jump table entry: %w", psactl.Wrap(err))
	}
	return nil
}

// tcAttachAll creates the combined ingress/egress hook and installs
// the TC ingress filter, plus the egress filter when the pipeline has
// a TC egress program (absence tolerated).
func (m *Manager) tcAttachAll(id psactl.Pipeline, ifindex int, log *slog.Logger) error {
	if err := ensureClsact(ifindex); err != nil {
		return err
	}
	if err := m.tcAttach(id, ifindex, config.ProgTCIngress, netlink.HANDLE_MIN_INGRESS); err != nil {
		return err
	}

	err := m.tcAttach(id, ifindex, config.ProgTCEgress, netlink.HANDLE_MIN_EGRESS)
	if errors.Is(err, psactl.ErrNotFound) {
		log.Debug("no TC egress program")
		return nil
	}
	return err
}

// ensureClsact adds the clsact qdisc, reusing one already present.
func ensureClsact(ifindex int) error {
	qdisc := &netlink.Clsact{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_INGRESS,
		},
	}
	if err := netlink.QdiscAdd(qdisc); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("add clsact qdisc to ifindex %d: %w", ifindex, psactl.Wrap(err))
	}
	return nil
}

// tcAttach installs one pipeline program as a direct-action BPF
// filter on the given clsact parent.
func (m *Manager) tcAttach(id psactl.Pipeline, ifindex int, progName string, parent uint32) error {
	prog, err := kernel.OpenProgram(m.paths, id, progName)
	if err != nil {
		return err
	}
	defer prog.Close()

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: ifindex,
			Parent:    parent,
			Priority:  tcFilterPriority,
			Protocol:  unix.ETH_P_ALL,
		},
		Fd:           prog.FD(),
		Name:         progName,
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil {
		return fmt.Errorf("add TC filter %s to ifindex %d: %w", progName, ifindex, psactl.Wrap(err))
	}
	return nil
}

// DelPort unbinds the interface named ifname from pipeline id: any
// XDP program comes off the interface (interfaces without XDP support
// are a no-op), then the combined hook is destroyed (absence
// tolerated).
func (m *Manager) DelPort(id psactl.Pipeline, ifname string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("interface %q: %w: %w", ifname, psactl.ErrInvalidInput, err)
	}
	ifindex := link.Attrs().Index
	log := m.logger.With("component", "port", "pipeline", id, "interface", ifname)

	if err := m.xdp.detach(ifindex); err != nil {
		if !errors.Is(psactl.Classify(err), psactl.ErrUnsupported) {
			return fmt.Errorf("XDP detach on ifindex %d: %w", ifindex, psactl.Wrap(err))
		}
		log.Debug("interface does not support XDP, nothing to detach")
	}

	qdisc := &netlink.Clsact{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_INGRESS,
		},
	}
	if err := netlink.QdiscDel(qdisc); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("delete clsact qdisc on ifindex %d: %w", ifindex, psactl.Wrap(err))
	}

	log.Info("port detached", "ifindex", ifindex)
	return nil
}

// Ports lists the interfaces currently bound to pipeline id by
// comparing each interface's live XDP program id against the
// pipeline's installed one. Interfaces that cannot be read or carry
// no XDP program are skipped silently.
func (m *Manager) Ports(id psactl.Pipeline) ([]psactl.Port, error) {
	installed, err := m.installedProgID(id)
	if err != nil {
		return nil, err
	}

	links, err := m.links()
	if err != nil {
		return nil, psactl.Wrap(err)
	}
	return matchPorts(links, uint32(installed)), nil
}

// matchPorts yields the interfaces whose live XDP program id equals
// installed and is nonzero.
func matchPorts(links []netlink.Link, installed uint32) []psactl.Port {
	var ports []psactl.Port
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Xdp == nil {
			continue
		}
		if attrs.Xdp.ProgId != 0 && attrs.Xdp.ProgId == installed {
			ports = append(ports, psactl.Port{Ifindex: attrs.Index, Name: attrs.Name})
		}
	}
	return ports
}

// installedProgID returns the kernel id of the XDP program this
// pipeline installs on interfaces: the helper for TC-based pipelines,
// otherwise the XDP ingress program.
func (m *Manager) installedProgID(id psactl.Pipeline) (ebpf.ProgramID, error) {
	for _, name := range []string{config.ProgXDPHelper, config.ProgXDPIngress} {
		prog, err := kernel.OpenProgram(m.paths, id, name)
		if errors.Is(err, psactl.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		defer prog.Close()
		return kernel.ProgramID(prog)
	}
	return 0, fmt.Errorf("%s has no XDP-path program: %w", id, psactl.ErrNotFound)
}

// TCBased reports the pipeline's flavor: the presence of the pinned
// XDP helper marks a TC-based pipeline.
func (m *Manager) TCBased(id psactl.Pipeline) bool {
	return m.progExists(id, config.ProgXDPHelper)
}

// HasEgressProgram reports whether the pipeline processes egress
// traffic through any of its egress programs.
func (m *Manager) HasEgressProgram(id psactl.Pipeline) bool {
	return m.progExists(id, config.ProgTCEgress) ||
		m.progExists(id, config.ProgXDPEgress) ||
		m.progExists(id, config.ProgXDPEgressOpt)
}

func (m *Manager) progExists(id psactl.Pipeline, name string) bool {
	_, err := os.Stat(m.paths.ProgPath(id, name))
	return err == nil
}
