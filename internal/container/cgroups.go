package container

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"

	"github.com/portod/portod/internal/cgroup"
	"github.com/portod/portod/internal/cgroup/fs"
	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/system"
)

// provisionCgroups creates one leaf directory per mounted controller
// for this container, under porto/<hierarchical name>, mirroring I3:
// a non-root container's cgroup path is always parent's leaf plus its
// own name segment, since c.name already carries the full slash-joined
// hierarchy (see internal/holder's NameSeparator). A controller that
// isn't mounted on this host is silently skipped — Handle operations
// against it already fail NotSupported, matching the design's
// best-effort controller set.
func (c *Container) provisionCgroups() error {
	if c.cgroupRoot == nil {
		return nil
	}
	relPath := c.name
	if relPath == "/" {
		relPath = ""
	}
	for _, ctrl := range cgroup.Subsystems {
		if !c.cgroupRoot.Mounted(ctrl) {
			continue
		}
		h, err := c.cgroupRoot.Handle(ctrl, relPath)
		if err != nil {
			continue
		}
		if err := h.Create(); err != nil {
			return err
		}
		c.cgroups[ctrl] = h
	}
	return nil
}

// cfsPeriodUs is the fixed CFS scheduling period cpu_limit's quota is
// expressed against — matching the teacher's cpu.go, which always
// paired a quota with an explicit period rather than deriving one.
const cfsPeriodUs = 100000

// applyResourceLimits pushes the resource properties onto the leaf
// cgroups provisionCgroups just created, one knob driver per
// controller (internal/cgroup/fs), the way the teacher's
// cgroups/fs.Manager.Apply drove each subsystem's Set from a shared
// configs.Cgroup — here from the property map directly.
func (c *Container) applyResourceLimits() error {
	if h, ok := c.cgroups["memory"]; ok {
		if err := fs.ApplyMemory(h, fs.MemoryParams{
			Guarantee:         c.PropertyUint64("memory_guarantee"),
			Limit:             c.PropertyUint64("memory_limit"),
			RechargeOnPgfault: c.boolProp("recharge_on_pgfault"),
		}); err != nil {
			return err
		}
	}
	if h, ok := c.cgroups["cpu"]; ok {
		quota := int64(c.PropertyUint64("cpu_limit"))
		if err := fs.ApplyCPU(h, fs.CPUParams{
			Shares:   int64(c.PropertyUint64("cpu_guarantee")),
			PeriodUs: cfsPeriodUs,
			QuotaUs:  quota,
		}); err != nil {
			return err
		}
	}
	if h, ok := c.cgroups["blkio"]; ok {
		if err := fs.ApplyBlkio(h, fs.BlkioParams{Weight: c.PropertyUint64("io_limit")}); err != nil {
			return err
		}
	}
	return nil
}

// refreshIdleSoftLimit implements the component design's hierarchical
// soft-limit rule: a Meta container with none of its direct children
// Running gets forced down to the idle soft limit so the kernel
// reclaims its unused pages first; gaining a Running child restores
// its configured memory_guarantee, or the kernel default soft limit
// (fs.DefaultKernelSoftLimitBytes) when no guarantee is set.
func (c *Container) refreshIdleSoftLimit() {
	c.mu.Lock()
	if c.state != cstate.Meta {
		c.mu.Unlock()
		return
	}
	h, ok := c.cgroups["memory"]
	children := append([]*Container(nil), c.children...)
	guarantee := c.PropertyUint64("memory_guarantee")
	recharge := c.boolProp("recharge_on_pgfault")
	c.mu.Unlock()
	if !ok {
		return
	}

	running := 0
	for _, ch := range children {
		if ch.State() == cstate.Running {
			running++
		}
	}

	var err error
	if running == 0 {
		err = fs.SetIdleSoftLimit(h)
	} else {
		if guarantee == 0 {
			guarantee = fs.DefaultKernelSoftLimitBytes
		}
		err = fs.ApplyMemory(h, fs.MemoryParams{Guarantee: guarantee, RechargeOnPgfault: recharge})
	}
	if err != nil {
		log.WithField("container", c.name).WithError(err).Warn("failed to refresh idle soft limit")
	}
}

// watchOOM opens an eventfd and registers it against this container's
// memory cgroup's oom_control, then starts a goroutine that kills the
// container the moment the kernel reports an OOM kill in it — the Go
// equivalent of the design's single-threaded epoll loop reacting to a
// per-container OOM eventfd (see internal/eventloop).
func (c *Container) watchOOM() {
	h, ok := c.cgroups["memory"]
	if !ok {
		return
	}
	efd, err := system.Eventfd(0, 0)
	if err != nil {
		log.WithField("container", c.name).WithError(err).Warn("failed to create oom eventfd")
		return
	}
	if err := h.WatchOOM(efd); err != nil {
		log.WithField("container", c.name).WithError(err).Warn("failed to register oom eventfd")
		efd.Close()
		return
	}
	c.oomFd = efd
	go c.runOOMWatch(efd)
}

func (c *Container) runOOMWatch(efd *os.File) {
	var buf [8]byte
	if _, err := efd.Read(buf[:]); err != nil {
		return // closed by unwatchOOM, e.g. during Stop/Destroy
	}
	_ = binary.LittleEndian.Uint64(buf[:])

	c.mu.Lock()
	if c.state != cstate.Running {
		c.mu.Unlock()
		return
	}
	c.oomKilled = true
	c.mu.Unlock()

	log.WithField("container", c.name).Warn("oom killed, escalating to kill")
	if err := c.Kill(unix.SIGKILL); err != nil {
		log.WithField("container", c.name).WithError(err).Warn("failed to kill oom'd container")
	}
}

func (c *Container) unwatchOOM() {
	if c.oomFd == nil {
		return
	}
	c.oomFd.Close()
	c.oomFd = nil
}
