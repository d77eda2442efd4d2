// Package task implements the privileged multi-fork launcher
// (component T): it assembles namespaces, mounts, capabilities,
// rlimits, stdio, cgroup membership and credentials for one child
// process and hands control to its command line. Its shape follows
// the teacher's namespaces.Init / SyncPipe split: a parent side that
// owns setup decisions and a child side that only executes them and
// reports failure back over a socket, never a pipe of structured Go
// values the way the teacher's JSON-over-pipe Context was — here it is
// varint-framed error records, since the child after pivot_root can no
// longer trust any filesystem-backed encoding machinery.
package task

// Mount describes one bind mount to set up inside the new root,
// applied in declaration order per the ordering tie-break rule: a
// later Mount on the same Dest replaces an earlier one.
type Mount struct {
	Source   string
	Dest     string
	ReadOnly bool
}

// NetConfig is the network half of a TaskEnv, resolved by the
// Container from its net/ip/default_gw properties before Spawn.
type NetConfig struct {
	// Mode is "host", "none", "macvlan", or "veth".
	Mode       string
	HostIfaces []string
	IPs        []string
	DefaultGW  string
	// ClassID is the net_cls cgroup classid the shaper has already
	// provisioned for this container's egress traffic class.
	ClassID uint32
	// PeerName is the interface name the link takes once moved inside
	// the container's namespace — set by the Container alongside
	// WaitAutoconf whenever Mode is "macvlan" or "veth", so
	// childConfigureNet can find the same link Create() just moved in.
	PeerName string
	MTU      int
}

// Credentials is the effective identity ChildSetCredentials switches
// to as the last act before exec.
type Credentials struct {
	UID, GID     uint32
	SuppGIDs     []uint32
	OwnerUID     uint32
	CapLimit     []string
	CapAmbient   []string
}

// TaskEnv is the frozen description of one spawn, assembled by the
// Container from its property.Map. Nothing under task reads back into
// property — by the time Spawn is called, every value needed has
// already been resolved to a primitive.
type TaskEnv struct {
	Command []string
	Env     []string

	Cwd          string
	Root         string
	RootReadOnly bool
	// RootIsLoopFile is set when Root names a regular file rather than
	// a directory; the final child attaches it to a loop device from
	// its own loopdev.Pool and mounts that onto a temp dir before
	// pivoting into it.
	RootIsLoopFile bool

	Hostname string
	BindDNS  bool
	Isolate  bool

	Mounts  []Mount
	Devices []string

	Net NetConfig

	Rlimits map[string]uint64

	// CgroupPaths lists every leaf cgroup (one per controller) the
	// child's pid must be attached to before exec, so accounting
	// starts at exec time per §4.5 step c'.
	CgroupPaths []string

	Creds Credentials

	// AppArmorProfile, when non-empty, names the profile the final
	// child loads into the kernel and switches itself into right
	// before exec. Empty means run unconfined.
	AppArmorProfile string

	StdinPath, StdoutPath, StderrPath string
	DeleteStdout, DeleteStderr        bool

	// WaitAutoconf, when true, makes the final child block on Sock2
	// until the parent reports network configuration complete — set
	// whenever Net.Mode is "macvlan" or "veth".
	WaitAutoconf bool

	// TripleFork/QuadroFork select the reparenting depth per §4.5 step
	// 3: TripleFork re-parents one pid namespace deep, QuadroFork two
	// (used when the container itself hosts nested containers).
	TripleFork bool
	QuadroFork bool
}

func (e *TaskEnv) needsLoopDev() bool { return e.RootIsLoopFile }
