package task

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/moby/sys/capability"

	"github.com/portod/portod/internal/loopdev"
	"github.com/portod/portod/internal/netshaper"
	"github.com/portod/portod/internal/perrors"
	"github.com/portod/portod/internal/system"
)

// childState carries everything ConfigureChild's stages thread
// between themselves inside the final forked process — fields get
// filled in as earlier stages run (e.g. the loop device path is only
// known once ChildMountRootFs has attached one).
type childState struct {
	env          *TaskEnv
	sock         *os.File
	sock2        *os.File
	loops        *loopdev.Pool
	newRoot      string
	loopAttached int
}

// ConfigureChild runs ChildApplyLimits through ChildExec in strict
// order inside the final, already-reparented child, reporting each
// stage over sock before moving to the next. It never returns on
// success — ChildExec replaces the process image. On any failure it
// reports the error and exits EX_SOFTWARE, matching §4.5 step 5.
func ConfigureChild(env *TaskEnv, sock, sock2 *os.File, loops *loopdev.Pool) {
	cs := &childState{env: env, sock: sock, sock2: sock2, loops: loops, loopAttached: -1}

	stages := []struct {
		name Stage
		fn   func(*childState) error
	}{
		{StageApplyLimits, childApplyLimits},
		{StageSetHostname, childSetHostname},
		{StageMountRootFs, childMountRootFs},
		{StageMountRun, childMountRun},
		{StageMountBinds, childMountBinds},
		{StageBindDNS, childBindDNS},
		{StageRemountRootRO, childRemountRootRO},
		{StageIsolateFs, childIsolateFs},
		{StageAttachCgroups, childAttachCgroups},
		{StageWaitAutoconf, childWaitAutoconf},
		{StageConfigureNet, childConfigureNet},
		{StageApplyCapabilities, childApplyCapabilities},
		{StageApplyAppArmor, childApplyAppArmor},
		{StageSetCredentials, childSetCredentials},
		{StageExec, childExec},
	}

	for i, st := range stages {
		pid := 0
		if i == 0 {
			pid = os.Getpid()
		}
		if err := st.fn(cs); err != nil {
			if st.name == StageMountRootFs {
				reportStageLoopIndex(sock, st.name, cs.loopAttached, err)
			} else {
				reportStagePid(sock, st.name, pid, err)
			}
			exitSoftware()
			return
		}
		var reportErr error
		if st.name == StageMountRootFs {
			reportErr = reportStageLoopIndex(sock, st.name, cs.loopAttached, nil)
		} else {
			reportErr = reportStagePid(sock, st.name, pid, nil)
		}
		if reportErr != nil {
			// The parent is gone; nothing more to report to, but the
			// stage itself succeeded, so keep going rather than abort
			// a launch the parent may still be tracking via the pid.
		}
	}
}

// childApplyLimits — §4.5 stage a.
func childApplyLimits(cs *childState) error {
	for name, value := range cs.env.Rlimits {
		res, ok := rlimitResource(name)
		if !ok {
			return perrors.New(perrors.InvalidValue, "unknown rlimit %q", name)
		}
		rl := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Setrlimit(res, &rl); err != nil {
			return fmt.Errorf("setrlimit %s: %w", name, err)
		}
	}
	return nil
}

func rlimitResource(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "as":
		return unix.RLIMIT_AS, true
	case "core":
		return unix.RLIMIT_CORE, true
	case "cpu":
		return unix.RLIMIT_CPU, true
	case "data":
		return unix.RLIMIT_DATA, true
	case "fsize":
		return unix.RLIMIT_FSIZE, true
	case "nofile":
		return unix.RLIMIT_NOFILE, true
	case "nproc":
		return unix.RLIMIT_NPROC, true
	case "stack":
		return unix.RLIMIT_STACK, true
	default:
		return 0, false
	}
}

// childSetHostname — §4.5 stage b, only meaningful when Isolate
// entered a new uts namespace.
func childSetHostname(cs *childState) error {
	if !cs.env.Isolate || cs.env.Hostname == "" {
		return nil
	}
	return system.Sethostname(cs.env.Hostname)
}

// childMountRootFs — §4.5 stage c: pivot_root (or loop-mount then
// pivot_root) into env.Root.
func childMountRootFs(cs *childState) error {
	root := cs.env.Root
	if root == "" || root == "/" {
		cs.newRoot = "/"
		return nil
	}

	if cs.env.needsLoopDev() {
		idx, err := cs.loops.Attach(root)
		if err != nil {
			return fmt.Errorf("attach loop device for %s: %w", root, err)
		}
		dev := loopdev.MountPath(idx)
		cs.loopAttached = idx
		mountTarget := filepath.Join("/tmp", "portod-loop-"+strconv.Itoa(idx))
		if err := os.MkdirAll(mountTarget, 0700); err != nil {
			return err
		}
		if err := unix.Mount(dev, mountTarget, "ext4", 0, ""); err != nil {
			return fmt.Errorf("mount loop device %s: %w", dev, err)
		}
		root = mountTarget
	}

	if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mount new root: %w", err)
	}
	oldRoot := filepath.Join(root, ".old_root")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return err
	}
	if err := unix.Chdir(root); err != nil {
		return err
	}
	if err := unix.PivotRoot(root, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/.old_root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	os.Remove("/.old_root")
	cs.newRoot = "/"
	return nil
}

// childMountRun — §4.5 stage c: tmpfs on /run.
func childMountRun(cs *childState) error {
	os.MkdirAll("/run", 0755)
	return unix.Mount("tmpfs", "/run", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=755")
}

// childMountBinds — §4.5 stage c: each declared bind mount, in
// declaration order, a later bind on the same dest mounted over an
// earlier one; nothing upstream removes duplicate dests.
func childMountBinds(cs *childState) error {
	for _, m := range cs.env.Mounts {
		if err := os.MkdirAll(m.Dest, 0755); err != nil {
			return fmt.Errorf("mkdir bind dest %s: %w", m.Dest, err)
		}
		if err := unix.Mount(m.Source, m.Dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s -> %s: %w", m.Source, m.Dest, err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", m.Dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("remount ro %s: %w", m.Dest, err)
			}
		}
	}
	return nil
}

// childBindDNS — §4.5 stage c: bind /etc/hosts and /etc/resolv.conf
// from the host when requested.
func childBindDNS(cs *childState) error {
	if !cs.env.BindDNS {
		return nil
	}
	for _, name := range []string{"/etc/hosts", "/etc/resolv.conf"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := unix.Mount(name, name, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind dns file %s: %w", name, err)
		}
	}
	return nil
}

// childRemountRootRO — §4.5 stage c, optional.
func childRemountRootRO(cs *childState) error {
	if !cs.env.RootReadOnly {
		return nil
	}
	return unix.Mount("", "/", "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, "")
}

// childIsolateFs — §4.5 stage c: unshare mount propagation so later
// host-side mount/unmount activity cannot leak into this container.
func childIsolateFs(cs *childState) error {
	if !cs.env.Isolate {
		return nil
	}
	return unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, "")
}

// childAttachCgroups — §4.5 stage c': join every cgroup before exec so
// accounting starts at exec time.
func childAttachCgroups(cs *childState) error {
	pid := os.Getpid()
	for _, path := range cs.env.CgroupPaths {
		procsFile := filepath.Join(path, "cgroup.procs")
		if err := os.WriteFile(procsFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
			return fmt.Errorf("attach to cgroup %s: %w", path, err)
		}
	}
	return nil
}

// childWaitAutoconf — §4.5 stage d: block on sock2 until the parent
// has finished moving/renaming interfaces into this net namespace.
func childWaitAutoconf(cs *childState) error {
	if !cs.env.WaitAutoconf {
		return nil
	}
	buf := make([]byte, 1)
	if _, err := cs.sock2.Read(buf); err != nil {
		return fmt.Errorf("wait for network autoconf: %w", err)
	}
	return nil
}

// childConfigureNet runs inside the container's own network namespace
// (already entered via the clone(CLONE_NEWNET) that created this
// process) once childWaitAutoconf confirms the parent has finished
// moving the host-provisioned link in: rename/address/MTU/up and the
// default route, the Strategy.Initialize half of the host-side
// Create() the Container already ran.
func childConfigureNet(cs *childState) error {
	mode := cs.env.Net.Mode
	if mode != "veth" && mode != "macvlan" {
		return nil
	}
	strategy, err := netshaper.GetStrategy(mode)
	if err != nil {
		return err
	}
	spec := netshaper.LinkSpec{
		Type:     mode,
		PeerName: cs.env.Net.PeerName,
		MTU:      cs.env.Net.MTU,
	}
	if len(cs.env.Net.IPs) > 0 {
		if ip, cidr, err := net.ParseCIDR(cs.env.Net.IPs[0]); err == nil {
			spec.Address = &net.IPNet{IP: ip, Mask: cidr.Mask}
		} else if ip := net.ParseIP(cs.env.Net.IPs[0]); ip != nil {
			spec.Address = &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}
		}
	}
	if cs.env.Net.DefaultGW != "" {
		spec.Gateway = net.ParseIP(cs.env.Net.DefaultGW)
	}
	return strategy.Initialize(spec)
}

// childApplyCapabilities — §4.5 stage e.
func childApplyCapabilities(cs *childState) error {
	if len(cs.env.Creds.CapLimit) == 0 && len(cs.env.Creds.CapAmbient) == 0 {
		return nil
	}
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("load capability state: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("load capability state: %w", err)
	}
	caps.Clear(capability.BOUNDING)
	for _, name := range cs.env.Creds.CapLimit {
		c, ok := capabilityByName(name)
		if !ok {
			return perrors.New(perrors.InvalidValue, "unknown capability %q", name)
		}
		caps.Set(capability.BOUNDING, c)
	}
	caps.Clear(capability.AMBIENT)
	for _, name := range cs.env.Creds.CapAmbient {
		c, ok := capabilityByName(name)
		if !ok {
			return perrors.New(perrors.InvalidValue, "unknown capability %q", name)
		}
		caps.Set(capability.AMBIENT|capability.INHERITABLE, c)
	}
	if err := caps.Apply(capability.BOUNDING | capability.AMBIENT | capability.INHERITABLE); err != nil {
		return fmt.Errorf("apply capabilities: %w", err)
	}
	return nil
}

// capabilityNames maps the lowercase, Porto-style capability names
// TaskEnv carries (e.g. "net_admin") onto moby/sys/capability's CAP_*
// constants. Kept as an explicit table rather than a generated
// reverse-lookup since the daemon only ever needs the small subset
// containers are actually allowed to request.
var capabilityNames = map[string]capability.Cap{
	"chown":            capability.CAP_CHOWN,
	"dac_override":     capability.CAP_DAC_OVERRIDE,
	"fowner":           capability.CAP_FOWNER,
	"fsetid":           capability.CAP_FSETID,
	"kill":             capability.CAP_KILL,
	"setgid":           capability.CAP_SETGID,
	"setuid":           capability.CAP_SETUID,
	"setpcap":          capability.CAP_SETPCAP,
	"net_bind_service": capability.CAP_NET_BIND_SERVICE,
	"net_admin":        capability.CAP_NET_ADMIN,
	"net_raw":          capability.CAP_NET_RAW,
	"sys_chroot":       capability.CAP_SYS_CHROOT,
	"sys_admin":        capability.CAP_SYS_ADMIN,
	"sys_ptrace":       capability.CAP_SYS_PTRACE,
	"sys_resource":     capability.CAP_SYS_RESOURCE,
	"mknod":            capability.CAP_MKNOD,
	"audit_write":      capability.CAP_AUDIT_WRITE,
	"setfcap":          capability.CAP_SETFCAP,
}

func capabilityByName(name string) (capability.Cap, bool) {
	c, ok := capabilityNames[strings.ToLower(name)]
	return c, ok
}

// childApplyAppArmor loads and switches into the container's AppArmor
// profile when one was declared; a missing apparmor(7) LSM or load
// failure degrades to unconfined rather than aborting the launch,
// since most hosts this daemon targets don't carry apparmor.d at all.
func childApplyAppArmor(cs *childState) error {
	if cs.env.AppArmorProfile == "" {
		return nil
	}
	if err := loadAppArmorProfile(cs.env.AppArmorProfile); err != nil {
		return nil
	}
	return nil
}

// childSetCredentials — §4.5 stage f: last act before exec.
func childSetCredentials(cs *childState) error {
	creds := cs.env.Creds
	if len(creds.SuppGIDs) > 0 {
		ids := make([]int, len(creds.SuppGIDs))
		for i, g := range creds.SuppGIDs {
			ids[i] = int(g)
		}
		if err := unix.Setgroups(ids); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
	}
	if err := unix.Setresgid(int(creds.GID), int(creds.GID), int(creds.GID)); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(int(creds.UID), int(creds.UID), int(creds.UID)); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}

// childExec — §4.5 stage g. Never returns on success.
func childExec(cs *childState) error {
	if len(cs.env.Command) == 0 {
		return perrors.New(perrors.InvalidValue, "empty command")
	}
	if err := system.CloseExecFrom(3); err != nil {
		return err
	}
	return system.Execv(cs.env.Command[0], cs.env.Command, cs.env.Env)
}
