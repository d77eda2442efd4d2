// Package cgroup implements the Cgroup Layer (component C): discovery
// of mounted controller subsystems and a tree of cgroup handles rooted
// at /<controller>/porto/..., mirroring the way the teacher's
// cgroups/fs package joins a subsystem mount point with a cgroup path
// (cgroups/fs/cpu.go's (*data).path) and the way
// pkg/kubelet/cm/helpers_linux.go's getCgroupSubsystems walks
// /proc/self/mountinfo-equivalent mount data to build a subsystem ->
// mountpoint table.
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/portod/portod/internal/perrors"
)

var log = logrus.WithField("component", "cgroup")

// PortoSegment is the cgroup path segment every handle is nested under,
// so this daemon never touches a cgroup it didn't create.
const PortoSegment = "porto"

// Subsystems lists the controllers the daemon knows how to manage, per
// the component design.
var Subsystems = []string{"cpu", "cpuacct", "memory", "freezer", "blkio", "net_cls", "devices"}

// Root discovers every mounted cgroup v1 controller at daemon startup.
// It is the equivalent of getCgroupSubsystems/GetCgroupMounts in the
// kubelet's container manager, narrowed to /proc/self/mountinfo.
type Root struct {
	mountpoints map[string]string // controller -> mount path
}

// Discover scans /proc/self/mountinfo for cgroup mounts and returns a
// Root usable to build per-container Handles. Missing controllers are
// silently skipped; Handle operations against them fail NotSupported.
func Discover() (*Root, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, perrors.Wrap(err)
	}
	defer f.Close()

	mountpoints := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), " ")
		// mountinfo fields are separated by " - " into pre/post halves;
		// the post half starts with fstype mount-source super-options.
		sepIdx := -1
		for i, fld := range fields {
			if fld == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || sepIdx+3 >= len(fields) {
			continue
		}
		fstype := fields[sepIdx+1]
		if fstype != "cgroup" {
			continue
		}
		mountPoint := fields[4]
		superOpts := fields[sepIdx+3]
		for _, opt := range strings.Split(superOpts, ",") {
			for _, ctrl := range Subsystems {
				if opt == ctrl {
					mountpoints[ctrl] = mountPoint
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, perrors.Wrap(err)
	}
	return &Root{mountpoints: mountpoints}, nil
}

// Mounted reports whether controller is mounted on this host.
func (r *Root) Mounted(controller string) bool {
	_, ok := r.mountpoints[controller]
	return ok
}

// Handle addresses a single cgroup node under one controller.
type Handle struct {
	controller string
	mountpoint string
	// path is relative to mountpoint, e.g. "porto/myapp/web".
	path string
}

// Handle builds the leaf handle for relPath (slash-separated, without
// a leading "porto/" — Handle adds it) under controller. Per invariant
// I3, relPath for a non-root container is always
// parent.leaf(controller)/leafName.
func (r *Root) Handle(controller, relPath string) (*Handle, error) {
	mp, ok := r.mountpoints[controller]
	if !ok {
		return nil, perrors.New(perrors.NotSupported, "cgroup controller %s not mounted", controller)
	}
	return &Handle{
		controller: controller,
		mountpoint: mp,
		path:       filepath.Join(PortoSegment, relPath),
	}, nil
}

// FullPath is the absolute filesystem path of the cgroup directory.
func (h *Handle) FullPath() string {
	return filepath.Join(h.mountpoint, h.path)
}

// Create makes the cgroup directory (and its porto/ ancestor) if absent.
func (h *Handle) Create() error {
	if err := os.MkdirAll(h.FullPath(), 0755); err != nil {
		return perrors.Wrap(fmt.Errorf("cgroup create %s: %w", h.FullPath(), err))
	}
	return nil
}

// Exists reports whether the cgroup directory is present.
func (h *Handle) Exists() bool {
	_, err := os.Stat(h.FullPath())
	return err == nil
}

// Remove deletes the cgroup directory. Per policy this fails if the
// cgroup is non-empty — rmdir on a cgroupfs directory with live tasks
// returns EBUSY, which we surface distinguishably.
func (h *Handle) Remove() error {
	if err := os.Remove(h.FullPath()); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if isBusy(err) {
			return perrors.New(perrors.InvalidState, "cgroup %s is not empty", h.FullPath())
		}
		return perrors.Wrap(err)
	}
	return nil
}

func isBusy(err error) bool {
	return strings.Contains(err.Error(), "device or resource busy")
}

// HasKnob probes knob availability by existence, the way the
// component design requires (e.g. to distinguish memory.low from the
// vendor-only memory.low_limit_in_bytes).
func (h *Handle) HasKnob(name string) bool {
	_, err := os.Stat(filepath.Join(h.FullPath(), name))
	return err == nil
}

// GetKnob reads a single cgroup control file, trimmed of the trailing
// newline the kernel always appends.
func (h *Handle) GetKnob(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.FullPath(), name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", perrors.New(perrors.NotSupported, "knob %s not present under %s", name, h.controller)
		}
		return "", perrors.Wrap(err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetKnob writes value to a single cgroup control file. recursive has
// no effect on cgroup v1 (all v1 knobs that support it already apply
// to descendants automatically); it exists so callers that pass it
// through uniformly — Property.Set's dynamic-apply path — don't need
// two call shapes.
func (h *Handle) SetKnob(name, value string, recursive bool) error {
	path := filepath.Join(h.FullPath(), name)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		if os.IsNotExist(err) {
			return perrors.New(perrors.NotSupported, "knob %s not present under %s", name, h.controller)
		}
		return perrors.Wrap(fmt.Errorf("write %s=%s: %w", path, value, err))
	}
	return nil
}

// Attach adds pid to this cgroup's tasks/cgroup.procs file.
func (h *Handle) Attach(pid int) error {
	knob := "cgroup.procs"
	if h.controller == "freezer" || h.controller == "devices" {
		knob = "cgroup.procs"
	}
	return h.SetKnob(knob, strconv.Itoa(pid), false)
}

// GetTasks returns every kernel thread id attached to this cgroup.
func (h *Handle) GetTasks() ([]int, error) {
	return h.readPidList("tasks")
}

// GetProcesses returns every process id (thread-group leader) attached
// to this cgroup.
func (h *Handle) GetProcesses() ([]int, error) {
	return h.readPidList("cgroup.procs")
}

func (h *Handle) readPidList(knob string) ([]int, error) {
	data, err := h.GetKnob(knob)
	if err != nil {
		return nil, err
	}
	if data == "" {
		return nil, nil
	}
	var pids []int
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// IsEmpty reports whether no processes remain in this cgroup.
func (h *Handle) IsEmpty() (bool, error) {
	pids, err := h.GetProcesses()
	if err != nil {
		return false, err
	}
	return len(pids) == 0, nil
}

// Freeze / Unfreeze / IsFrozen operate the freezer.state knob. Callers
// must use the freezer controller's Handle.
func (h *Handle) Freeze() error {
	return h.SetKnob("freezer.state", "FROZEN", false)
}

func (h *Handle) Unfreeze() error {
	return h.SetKnob("freezer.state", "THAWED", false)
}

func (h *Handle) IsFrozen() (bool, error) {
	state, err := h.GetKnob("freezer.state")
	if err != nil {
		return false, err
	}
	return state == "FROZEN", nil
}

// WatchOOM registers an eventfd for this cgroup's memory.oom_control
// the way the kernel's cgroup v1 OOM notification protocol requires:
// write "<event fd> <oom_control fd>" to cgroup.event_control. The
// returned file becomes readable (an 8-byte counter) each time the
// kernel OOM-kills a process in this cgroup; the caller is responsible
// for closing it, which also unregisters the notifier.
func (h *Handle) WatchOOM(efd *os.File) error {
	oomControl, err := os.Open(filepath.Join(h.FullPath(), "memory.oom_control"))
	if err != nil {
		if os.IsNotExist(err) {
			return perrors.New(perrors.NotSupported, "memory.oom_control not present under %s", h.FullPath())
		}
		return perrors.Wrap(err)
	}
	defer oomControl.Close()

	registration := fmt.Sprintf("%d %d", efd.Fd(), oomControl.Fd())
	if err := os.WriteFile(filepath.Join(h.FullPath(), "cgroup.event_control"), []byte(registration), 0644); err != nil {
		return perrors.Wrap(fmt.Errorf("register oom eventfd: %w", err))
	}
	return nil
}

// Kill signals every process currently in this cgroup. Per the
// component design the caller is expected to Freeze first so processes
// can't fork their way out of the signal sweep.
func (h *Handle) Kill(sig unix.Signal) error {
	pids, err := h.GetProcesses()
	if err != nil {
		return err
	}
	var firstErr error
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return perrors.Wrap(firstErr)
	}
	return nil
}
