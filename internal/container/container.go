// Package container implements the container hierarchy and state
// machine (component H): the numeric-id/name/parent/children object
// the rest of the daemon operates on, its property.Map, and the
// Start/Stop/Pause/Resume/Destroy transitions of §4.6. It is the
// concrete property.Context implementation — the interface exists so
// property never has to import this package back.
package container

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/portod/portod/internal/cgroup"
	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/loopdev"
	"github.com/portod/portod/internal/netshaper"
	"github.com/portod/portod/internal/property"
	"github.com/portod/portod/internal/task"
)

var log = logrus.WithField("component", "container")

func init() {
	property.SetParentEffectiveHook(func(parent property.Context, name string) (property.Value, bool) {
		pc, ok := parent.(*Container)
		if !ok {
			return property.Value{}, false
		}
		v, err := pc.props.Get(name)
		if err != nil {
			return property.Value{}, false
		}
		return v, true
	})
}

// Credentials is a container's owning identity, set at Create time
// from the client's connection and immutable afterward.
type Credentials struct {
	UID, GID   uint32
	SuppGIDs   []uint32
	Privileged bool
}

// Waiter is one pending Wait(names, timeout) registration;
// notifyWaiters closes done once this container reaches a state in
// Names. Names is never empty here: Wait answers an empty filter at
// once without registering.
type Waiter struct {
	Names []cstate.Status
	done  chan struct{}
}

// Container is one node of the hierarchy. All mutating operations
// take mu; Holder additionally takes its own lock before touching
// ParentID/Name (see internal/holder), in that order — container
// lock is never held while acquiring the holder lock, only the
// reverse, matching the strict acquisition order in the concurrency
// design.
type Container struct {
	mu sync.Mutex

	id       uint64
	name     string
	parentID uint64
	parent   *Container
	children []*Container

	creds Credentials

	state    cstate.Status
	acquired bool

	props *property.Map

	task        *task.Result
	tclass      uint32 // 0 == none provisioned
	tclassLinks []int  // ifindexes tclass was installed on, for teardown
	cgroups     map[string]*cgroup.Handle
	cgroupRoot *cgroup.Root
	shaper     *netshaper.Shaper
	loops      *loopdev.Pool
	loopIndex  int // -1 == none attached

	respawnCount  int
	startTimeMs   uint64
	deathTimeMs   uint64
	lastExit      int
	oomKilled       bool
	oomFd           *os.File
	lostAndRestored bool

	waiters []*Waiter

	tmpDir string
	osMode bool

	persistFn persistFunc
}

// New constructs a Stopped container. Holder is the only caller —
// callers elsewhere always go through Holder.Create.
func New(reg *property.Registry, id uint64, name string, parent *Container, creds Credentials, tmpDir string) *Container {
	c := &Container{
		id:       id,
		name:     name,
		parent:   parent,
		creds:    creds,
		state:    cstate.Stopped,
		cgroups:  map[string]*cgroup.Handle{},
		tmpDir:   tmpDir,
		loopIndex: -1,
	}
	if parent != nil {
		c.parentID = parent.id
	}
	c.props = property.NewMap(reg, c)
	c.props.Persist = c.persist
	return c
}

// SetInfra wires the shared, host-wide resources this container's
// task launches and cgroup/network teardown will use. Called once by
// Holder right after New, before the container is reachable from any
// client request.
func (c *Container) SetInfra(root *cgroup.Root, shaper *netshaper.Shaper, loops *loopdev.Pool) {
	c.cgroupRoot = root
	c.shaper = shaper
	c.loops = loops
}

func (c *Container) ID() uint64   { return c.id }
func (c *Container) Name() string { return c.name }

func (c *Container) State() cstate.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Container) IsPrivileged() bool { return c.creds.Privileged }
func (c *Container) OwnerUID() uint32   { return c.creds.UID }

func (c *Container) UseParentNamespace() bool {
	if c.parent == nil {
		return false
	}
	v, err := c.props.Get("use_parent_namespace")
	return err == nil && v.B
}

func (c *Container) Root() string {
	v, err := c.props.Get("root")
	if err != nil {
		return "/"
	}
	return v.S
}

func (c *Container) Cwd() string {
	v, err := c.props.Get("cwd")
	if err != nil {
		return "/"
	}
	return v.S
}

func (c *Container) TmpDir() string { return c.tmpDir }

func (c *Container) IsOSMode() bool {
	v, err := c.props.Get("virt_mode")
	return err == nil && v.S == "os"
}

func (c *Container) Parent() property.Context {
	if c.parent == nil {
		return nil
	}
	return c.parent
}

func (c *Container) Children() []property.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]property.Context, len(c.children))
	for i, ch := range c.children {
		out[i] = ch
	}
	return out
}

// ParentContainer returns the concrete parent, or nil at the root —
// used by Holder, which needs the *Container rather than the
// property.Context interface Parent() returns.
func (c *Container) ParentContainer() *Container { return c.parent }

// AddChild/RemoveChild maintain the parent's children slice; Holder
// calls these after adding/removing its own id/name index entries.
func (c *Container) AddChild(child *Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

func (c *Container) RemoveChild(child *Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.children[:0]
	for _, ch := range c.children {
		if ch != child {
			out = append(out, ch)
		}
	}
	c.children = out
}

// IsAgedOut implements the Dead--age>aging_time-->(removable) GC rule.
func (c *Container) IsAgedOut(nowMs uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cstate.Dead {
		return false
	}
	agingMs := c.PropertyUint64("aging_time_ms")
	if agingMs == 0 {
		return false
	}
	return nowMs > c.deathTimeMs+agingMs
}

func (c *Container) RootPid() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil {
		return 0
	}
	return int64(c.task.RootPid)
}

// ApplyResourceLimits implements property.Context's live-update hook:
// memory_limit/memory_guarantee/cpu_guarantee/cpu_limit all declare
// this as their Apply fn, so a Set against a Running container pushes
// the new value onto the cgroup immediately instead of waiting for
// the next Start.
func (c *Container) ApplyResourceLimits() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyResourceLimits()
}

func (c *Container) PropertyUint64(name string) uint64 {
	v, err := c.props.Get(name)
	if err != nil {
		return 0
	}
	return v.U
}

// Properties exposes the underlying Map for RPC Set/Get handlers.
func (c *Container) Properties() *property.Map { return c.props }

func (c *Container) persist(name string, v property.Value) error {
	// Wired by the Holder at construction time via SetPersistFunc; nil
	// for a container built without a Holder. Restore does not come
	// through here: Map.Restore never calls Persist.
	if c.persistFn == nil {
		return nil
	}
	return c.persistFn(c.id, name, v)
}

// persistFn is filled in by the Holder through SetPersistFunc.
type persistFunc func(id uint64, name string, v property.Value) error

func (c *Container) SetPersistFunc(fn persistFunc) { c.persistFn = fn }

// MarkLostAndRestored flags a container recovered by Restore whose
// parent could not be resolved (§7's Restore failure policy). Lost
// containers accept Destroy but refuse Start/Stop/Pause/Resume.
func (c *Container) MarkLostAndRestored() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostAndRestored = true
}

func (c *Container) isLostAndRestored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lostAndRestored
}
