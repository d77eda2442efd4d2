// Package holder implements the process-wide container table
// (component design notes §9): a dense table indexed by numeric id
// plus a name index, with children derived from a secondary
// parent_id->[child_id] index rather than parent-to-child ownership
// pointers — this breaks the ownership cycle the original's shared
// back-references would otherwise need.
package holder

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/portod/portod/internal/cgroup"
	"github.com/portod/portod/internal/container"
	"github.com/portod/portod/internal/kvstore"
	"github.com/portod/portod/internal/loopdev"
	"github.com/portod/portod/internal/netshaper"
	"github.com/portod/portod/internal/perrors"
	"github.com/portod/portod/internal/property"
)

var log = logrus.WithField("component", "holder")

const (
	// RootContainerID is the virtual super-root's id, "/" itself. It is
	// never a valid Restore target and is skipped by Restore.
	RootContainerID = 1
	// PortoRootContainerID is the real ancestor of every user-created
	// container, matching netshaper.PortoRootMinor's class.
	PortoRootContainerID = 2
	// RootName and PortoRootName are the two bootstrap containers' own
	// names; DotAlias resolves to PortoRootName in Get.
	RootName      = "/"
	PortoRootName = "/porto"
	DotAlias      = "."
	// NameSeparator is the hierarchical name's path separator.
	NameSeparator = "/"
)

// Holder owns the container table, id allocation, and the name index.
// Acquisition order: Holder lock first, then the target Container's
// own lock — callers must never take a container lock before calling
// into Holder.
type Holder struct {
	mu sync.Mutex

	byID   map[uint64]*container.Container
	byName map[string]*container.Container
	nextID uint64

	reg   *property.Registry
	store *kvstore.Store

	cgroupRoot *cgroup.Root
	shaper     *netshaper.Shaper
	loops      *loopdev.Pool
	tmpDir     string
}

// New builds an empty Holder with porto-root already created, the
// way the daemon's own startup always has at least the root container
// present before any client request.
func New(reg *property.Registry, store *kvstore.Store, cgroupRoot *cgroup.Root, shaper *netshaper.Shaper, loops *loopdev.Pool, tmpDir string) *Holder {
	h := &Holder{
		byID:       map[uint64]*container.Container{},
		byName:     map[string]*container.Container{},
		nextID:     RootContainerID,
		reg:        reg,
		store:      store,
		cgroupRoot: cgroupRoot,
		shaper:     shaper,
		loops:      loops,
		tmpDir:     tmpDir,
	}
	root := h.newContainer(RootName, nil, container.Credentials{Privileged: true})
	h.byID[root.ID()] = root
	h.byName[root.Name()] = root

	portoRoot := h.newContainer(PortoRootName, root, container.Credentials{Privileged: true})
	h.byID[portoRoot.ID()] = portoRoot
	h.byName[portoRoot.Name()] = portoRoot
	root.AddChild(portoRoot)

	return h
}

func (h *Holder) newContainer(name string, parent *container.Container, creds container.Credentials) *container.Container {
	id := h.nextID
	h.nextID++
	return h.newContainerWithID(id, name, parent, creds)
}

func (h *Holder) newContainerWithID(id uint64, name string, parent *container.Container, creds container.Credentials) *container.Container {
	c := container.New(h.reg, id, name, parent, creds, h.tmpDir)
	c.SetInfra(h.cgroupRoot, h.shaper, h.loops)
	c.SetPersistFunc(func(id uint64, propName string, v property.Value) error {
		return h.store.Append(id, map[string]string{propName: v.ToString()})
	})
	return c
}

// Create implements the external Create operation: name must be
// unique and its parent (everything before the last separator) must
// already exist.
func (h *Holder) Create(name string, creds container.Credentials) (*container.Container, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byName[name]; exists {
		return nil, perrors.New(perrors.ContainerAlreadyExists, "container %q already exists", name)
	}
	parent, err := h.parentOf(name)
	if err != nil {
		return nil, err
	}

	c := h.newContainer(name, parent, creds)
	if err := h.store.Append(c.ID(), map[string]string{"raw_name": name}); err != nil {
		return nil, err
	}
	h.byID[c.ID()] = c
	h.byName[name] = c
	if parent != nil {
		parent.AddChild(c)
	}
	return c, nil
}

// parentOf resolves name's parent. A top-level name (no separator)
// implicitly hangs off porto-root, not the virtual super-root "/" —
// matching the real daemon's constant table (root id 1, porto-root id
// 2, every user container beneath porto-root).
func (h *Holder) parentOf(name string) (*container.Container, error) {
	if name == RootName || name == PortoRootName {
		return nil, nil
	}
	idx := strings.LastIndex(name, NameSeparator)
	if idx <= 0 {
		return h.byName[PortoRootName], nil
	}
	parentName := name[:idx]
	parent, ok := h.byName[parentName]
	if !ok {
		return nil, perrors.New(perrors.ContainerDoesNotExist, "parent container %q does not exist", parentName)
	}
	return parent, nil
}

// Get looks up a container by name; DotAlias resolves to porto-root.
func (h *Holder) Get(name string) (*container.Container, error) {
	if name == DotAlias {
		name = PortoRootName
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.byName[name]
	if !ok {
		return nil, perrors.New(perrors.ContainerDoesNotExist, "no such container %q", name)
	}
	return c, nil
}

// GetByID looks up a container by numeric id, used by the event loop
// to resolve a pid/fd back to its owning container.
func (h *Holder) GetByID(id uint64) (*container.Container, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.byID[id]
	if !ok {
		return nil, perrors.New(perrors.ContainerDoesNotExist, "no such container id %d", id)
	}
	return c, nil
}

// Destroy removes name from the table after the container has fully
// released its own resources — satisfies Q3: no Kv record, no
// cgroup, no Tclass survive.
func (h *Holder) Destroy(name string) error {
	h.mu.Lock()
	c, ok := h.byName[name]
	if !ok {
		h.mu.Unlock()
		return perrors.New(perrors.ContainerDoesNotExist, "no such container %q", name)
	}
	h.mu.Unlock()

	if err := c.Destroy(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byID, c.ID())
	delete(h.byName, name)
	if p := c.ParentContainer(); p != nil {
		p.RemoveChild(c)
	}
	return h.store.Remove(c.ID())
}

// List returns every container name, sorted by depth then
// lexicographically, so a parent always comes before its children.
// Restore does not use this order; it replays records by id.
func (h *Holder) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.byName))
	for name := range h.byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := depth(names[i]), depth(names[j])
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})
	return names
}

func depth(name string) int {
	return strings.Count(name, NameSeparator)
}

// Restore replays every persisted container from the Kv-Store at
// daemon startup. Containers are visited in increasing id order,
// which — because ids are assigned in creation order and a child can
// never be created before its parent — already guarantees a parent is
// restored before its children; Q4's round-trip guarantee depends on
// this. Any record whose pairs cannot be resolved to a known parent
// is restored anyway, in a LostAndRestored state, per §7's Restore
// failure policy.
func (h *Holder) Restore() error {
	ids, err := h.store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == RootContainerID || id == PortoRootContainerID {
			continue
		}
		if err := h.restoreOne(id); err != nil {
			if errors.Is(err, kvstore.ErrCorrupt) {
				return perrors.Wrap(fmt.Errorf("kv-store record %d: %w", id, err))
			}
			log.WithField("id", id).WithError(err).Warn("restoring container failed, skipping")
		}
	}
	return nil
}

func (h *Holder) restoreOne(id uint64) error {
	pairs, err := h.store.Load(id)
	if err != nil {
		return err
	}
	name, ok := pairs["raw_name"]
	if !ok || name == "" {
		return perrors.New(perrors.Unknown, "kv record %d has no raw_name", id)
	}

	h.mu.Lock()
	parent, perr := h.parentOf(name)
	h.mu.Unlock()

	c := h.newContainerWithID(id, name, parent, container.Credentials{Privileged: true})
	if err := c.Properties().Restore(pairs); err != nil {
		return err
	}
	if perr != nil {
		c.MarkLostAndRestored()
	}

	h.mu.Lock()
	h.byID[id] = c
	h.byName[name] = c
	if parent != nil {
		parent.AddChild(c)
	}
	if h.nextID <= id {
		h.nextID = id + 1
	}
	h.mu.Unlock()
	return nil
}

// SweepAged implements the Dead--age>aging_time-->(removable) GC rule
// from §4.6: called periodically by the event loop's deferred queue.
func (h *Holder) SweepAged(nowMs uint64) {
	for _, name := range h.List() {
		c, err := h.Get(name)
		if err != nil {
			continue
		}
		if c.IsAgedOut(nowMs) {
			if err := h.Destroy(name); err != nil {
				log.WithField("container", name).WithError(err).Warn("aged-out destroy failed")
			}
		}
	}
}

// RotateLogs implements the stdout_limit supplemented feature (§3):
// called periodically by the event loop, truncates every container's
// defaulted stdio files once they exceed their limit.
func (h *Holder) RotateLogs() {
	for _, name := range h.List() {
		c, err := h.Get(name)
		if err != nil {
			continue
		}
		c.RotateLogs()
	}
}
