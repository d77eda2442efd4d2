// Package system wraps the low-level Linux syscalls the task launcher
// and cgroup layer need, the way the teacher's dotcloud/docker
// pkg/system did before it was folded into this module directly.
package system

import (
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MountTmpfs mounts a fresh, private tmpfs at dir, creating dir if
// needed — the backing store for the Kv-Store directory, which must
// not survive a reboot or share pages with any other mount.
func MountTmpfs(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV)
	if err := unix.Mount("portod-kvstore", dir, "tmpfs", flags, "mode=0700"); err != nil {
		return fmt.Errorf("mount tmpfs at %s: %w", dir, err)
	}
	return nil
}

// ParentDeathSignal sets PR_SET_PDEATHSIG so the calling process is
// signaled when its parent dies — used by the task launcher's
// intermediate forks so a crashed portod cannot leave orphans.
func ParentDeathSignal(sig uintptr) error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, sig, 0, 0, 0)
}

// GetParentDeathSignal reads back the current PR_GET_PDEATHSIG value.
func GetParentDeathSignal() (int, error) {
	var sig int
	if err := unix.Prctl(unix.PR_GET_PDEATHSIG, uintptr(unsafe.Pointer(&sig)), 0, 0, 0); err != nil {
		return -1, err
	}
	return sig, nil
}

// SetKeepCaps / ClearKeepCaps bracket a uid/gid change so capabilities
// are not dropped by the kernel's implicit clear-on-setuid behavior
// before ChildApplyCapabilities has a chance to prune the bounding set.
func SetKeepCaps() error {
	return unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0)
}

func ClearKeepCaps() error {
	return unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0)
}

// Setns enters an existing namespace referenced by fd.
func Setns(fd uintptr, flags uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_SETNS, fd, flags, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Sethostname sets the uts namespace hostname.
func Sethostname(name string) error {
	return unix.Sethostname([]byte(name))
}

// Setctty makes the calling process's controlling terminal the fd 0.
func Setctty() error {
	if err := unix.IoctlSetInt(0, unix.TIOCSCTTY, 0); err != nil {
		return fmt.Errorf("ioctl TIOCSCTTY: %w", err)
	}
	return nil
}

// Setsid starts a new session, required before Setctty.
func Setsid() (int, error) {
	return unix.Setsid()
}

// CloseExecFrom marks every fd >= minFd close-on-exec, so fds the
// launcher's own process happened to inherit don't leak into the
// container across exec.
func CloseExecFrom(minFd int) error {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return err
	}
	for _, e := range entries {
		fd, err := parseFd(e.Name())
		if err != nil || fd < minFd {
			continue
		}
		unix.CloseOnExec(fd)
	}
	return nil
}

func parseFd(name string) (int, error) {
	var fd int
	_, err := fmt.Sscanf(name, "%d", &fd)
	return fd, err
}

// GetTotalMemory reads the host's total RAM in bytes via sysinfo(2) —
// what the memory_guarantee property validator checks pending
// guarantees against.
func GetTotalMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}

// Eventfd creates a kernel eventfd(2), used both by the cgroup OOM
// notification protocol (memory.oom_control's cgroup.event_control
// registration) and by anything else that needs an os.File the event
// loop can read a counter off of.
func Eventfd(initval uint, flags int) (*os.File, error) {
	fd, err := unix.Eventfd(initval, flags)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "eventfd"), nil
}

// Execv replaces the calling process image, used by the final child
// after ConfigureChild has completed every setup stage.
func Execv(cmd string, args []string, env []string) error {
	name, err := exec.LookPath(cmd)
	if err != nil {
		return err
	}
	return unix.Exec(name, args, env)
}
