package property

import (
	"sort"
	"sync"

	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/perrors"
)

// Flags is the bitmask of per-property modifiers named in the
// component design.
type Flags uint32

const (
	Persistent Flags = 1 << iota
	Hidden
	ParentRO
	ParentDefault
	Superuser
	RestrictedRoot
	OSMode
	Path
	UnitSuffix
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Caller is the identity of whoever is invoking Set right now — kept
// distinct from Context's OwnerUID/IsPrivileged, which describe the
// container being modified, not the client modifying it. The original
// this is grounded on computes "superuser" from the RPC client's own
// credentials, separately from the container's OwnerCred.
type Caller struct {
	UID        uint32
	Privileged bool
}

// Context is everything a default-fn, validator, or apply-fn needs to
// know about the container it is operating on, without the property
// package importing the container package (which would cycle back
// here). *container.Container satisfies this interface.
type Context interface {
	ID() uint64
	Name() string
	State() cstate.Status
	IsPrivileged() bool
	OwnerUID() uint32
	UseParentNamespace() bool
	Root() string
	Cwd() string
	TmpDir() string
	IsOSMode() bool
	Parent() Context
	Children() []Context
	// PropertyUint64 returns the effective value of a uint64-typed
	// property on this container — used by HierarchicalUint64
	// validators to read the same property off siblings/parent/children
	// without those Context implementations needing to import property.Map
	// themselves (container.Container implements this by delegating to
	// its own Map.Get).
	PropertyUint64(name string) uint64
	// RootPid is the live pid of the container's task, 0 if none is
	// running — backs the "root_pid" Data entry, which is never
	// persisted and always computed fresh.
	RootPid() int64
	// ApplyResourceLimits re-pushes memory/cpu/io limits onto the
	// container's live cgroups — the live-update path a running
	// container's memory_limit/cpu_limit/cpu_guarantee Apply fn takes.
	ApplyResourceLimits() error
}

// DefaultFn computes a property's value when the client hasn't set one.
type DefaultFn func(ctx Context) (Value, error)

// ValidatorFn checks a candidate value before it is accepted. It is
// also where the hierarchical checks (I5) for numeric properties live.
type ValidatorFn func(ctx Context, v Value) error

// ApplyFn pushes a dynamic property's new value live into the running
// task (cgroup knobs, etc). Nil for properties that only take effect
// at the next Start.
type ApplyFn func(ctx Context, v Value) error

// Entry is one property/data declaration.
type Entry struct {
	Name       string
	Type       ValueType
	Flags      Flags
	ValidStates map[cstate.Status]bool
	Default    DefaultFn
	Validate   ValidatorFn
	Apply      ApplyFn
	// IsData marks a runtime-observation entry: read-only to clients,
	// never persisted except the small raw-marker subset named in the
	// component design.
	IsData bool
}

func (e *Entry) mutableIn(s cstate.Status) bool {
	if e.ValidStates == nil {
		return true
	}
	return e.ValidStates[s]
}

// Registry is the process-wide table of every known property and data
// name, built once at daemon startup via Declare calls.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Declare registers one property or data entry. Declaring the same
// name twice is a programmer error and panics, matching the teacher's
// own registration-time fail-fast style (network/strategy.go's
// AddStrategy overwrite is the exception that proves the rule: that
// one is meant to be replaceable, property names are not).
func (r *Registry) Declare(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Name]; exists {
		panic("property: duplicate declaration of " + e.Name)
	}
	r.entries[e.Name] = e
}

func (r *Registry) lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, perrors.New(perrors.InvalidProperty, "no such property %q", name)
	}
	return e, nil
}

// List returns every non-hidden declared name, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.Flags.Has(Hidden) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
