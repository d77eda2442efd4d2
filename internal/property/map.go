package property

import (
	"strings"

	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/perrors"
)

// Map is one container's property/data bag: explicit values plus a
// back-reference to the shared Registry and to the Context (its
// owning Container) needed for defaults/validators/hierarchy checks.
type Map struct {
	reg    *Registry
	ctx    Context
	values map[string]Value

	// Persist, when set, is called after every successful Set or
	// SetData of a Persistent property so the caller (the Container)
	// can write through to the Kv-Store. Restore never calls it, since
	// it replays the Kv-Store itself.
	Persist func(name string, v Value) error
}

func NewMap(reg *Registry, ctx Context) *Map {
	return &Map{reg: reg, ctx: ctx, values: map[string]Value{}}
}

// parseIndexed splits "name[index]" into ("name", "index", true); a
// plain name returns ("name", "", false).
func parseIndexed(key string) (name, index string, indexed bool) {
	open := strings.IndexByte(key, '[')
	if open < 0 || !strings.HasSuffix(key, "]") {
		return key, "", false
	}
	return key[:open], key[open+1 : len(key)-1], true
}

// Set parses, validates, optionally persists, and — if the container
// is running and the property declares a live ApplyFn — pushes value
// into effect immediately. caller is the identity of whoever issued
// this Set, checked against Superuser/RestrictedRoot independently of
// the container's own owning credentials (m.ctx.IsPrivileged/OwnerUID
// describe the container being modified, not the one doing the
// modifying).
func (m *Map) Set(caller Caller, key, raw string) error {
	name, index, indexed := parseIndexed(key)
	e, err := m.reg.lookup(name)
	if err != nil {
		return err
	}
	if e.IsData {
		return perrors.New(perrors.Permission, "%s is read-only data", name)
	}
	if !e.mutableIn(m.ctx.State()) {
		return perrors.New(perrors.InvalidState, "cannot set %s in state %s", name, m.ctx.State())
	}
	if e.Flags.Has(Superuser) && !caller.Privileged {
		return perrors.New(perrors.Permission, "%s requires full privilege", name)
	}
	if e.Flags.Has(RestrictedRoot) && !caller.Privileged && caller.UID != m.ctx.OwnerUID() {
		return perrors.New(perrors.Permission, "%s requires privilege or restricted-root ownership", name)
	}
	if e.Flags.Has(ParentRO) && m.ctx.UseParentNamespace() {
		return perrors.New(perrors.Permission, "%s is parent-read-only for a non-isolated child", name)
	}

	if indexed {
		return m.setIndexed(e, name, index, raw)
	}

	v, err := FromString(e.Type, raw)
	if err != nil {
		return err
	}
	if e.Validate != nil {
		if err := e.Validate(m.ctx, v); err != nil {
			return err
		}
	}

	m.values[name] = v

	if e.Flags.Has(Persistent) && m.Persist != nil {
		if err := m.Persist(name, v); err != nil {
			return err
		}
	}
	if e.Apply != nil && m.ctx.State() == cstate.Running {
		if err := e.Apply(m.ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// SetData records the current value of a runtime Data entry and
// persists it if it's Persistent — the container package's own hand,
// bypassing Set's client-facing "data is read-only" guard, called at
// the exact state transitions the component design ties each datum to
// (start_time at Start, exit_status/death_time/oom_killed at Dead,
// respawn_count at Respawn).
func (m *Map) SetData(name string, v Value) error {
	e, err := m.reg.lookup(name)
	if err != nil {
		return err
	}
	m.values[name] = v
	if e.Flags.Has(Persistent) && m.Persist != nil {
		return m.Persist(name, v)
	}
	return nil
}

// setIndexed implements the "name[index]" access form: name must be a
// map-typed property; index is looked up in it and the lookup entry
// replaced.
func (m *Map) setIndexed(e *Entry, name, index, raw string) error {
	if e.Type != TypeUintMap {
		return perrors.New(perrors.InvalidValue, "%s is not a map property", name)
	}
	current, err := m.Get(name)
	if err != nil {
		return err
	}
	next := map[string]uint64{}
	for k, v := range current.M {
		next[k] = v
	}
	u, err := parseUintWithSuffix(raw)
	if err != nil {
		return perrors.New(perrors.InvalidValue, "%s[%s]: %v", name, index, err)
	}
	next[index] = u
	v := UintMap(next)
	if e.Validate != nil {
		if err := e.Validate(m.ctx, v); err != nil {
			return err
		}
	}
	m.values[name] = v
	if e.Flags.Has(Persistent) && m.Persist != nil {
		return m.Persist(name, v)
	}
	return nil
}

// Get returns the property's effective value: the explicit value if
// one was Set, else — for a PARENT_DEF property on a non-isolated
// container — the parent's effective value, else the result of its
// DefaultFn, else the zero Value of its declared type.
func (m *Map) Get(name string) (Value, error) {
	base, index, indexed := parseIndexed(name)
	e, err := m.reg.lookup(base)
	if err != nil {
		return Value{}, err
	}
	v, err := m.get(e)
	if err != nil {
		return Value{}, err
	}
	if indexed {
		if e.Type != TypeUintMap {
			return Value{}, perrors.New(perrors.InvalidValue, "%s is not a map property", base)
		}
		u, ok := v.M[index]
		if !ok {
			return Value{}, perrors.New(perrors.InvalidValue, "no entry %q in %s", index, base)
		}
		return Uint64(u), nil
	}
	return v, nil
}

func (m *Map) get(e *Entry) (Value, error) {
	if v, ok := m.values[e.Name]; ok {
		return v, nil
	}
	if e.Flags.Has(ParentDefault) && m.ctx.UseParentNamespace() {
		if parent := m.ctx.Parent(); parent != nil {
			// The parent Context is itself a Map-backed Container; the
			// container package wires Get through to this same function
			// via its own property.Map, so recursion here just means
			// "ask the parent for its own effective value."
			if pv, ok := parentEffective(parent, e.Name); ok {
				return pv, nil
			}
		}
	}
	if e.Default != nil {
		return e.Default(m.ctx)
	}
	return Value{Type: e.Type}, nil
}

// parentEffective is a seam container.Container fills by registering
// itself; kept as a package-level hook instead of a method on Context
// to avoid exposing the whole Map type through the Context interface.
var parentEffective = func(parent Context, name string) (Value, bool) {
	return Value{}, false
}

// SetParentEffectiveHook lets the container package install the real
// lookup once it has access to both Map and Context concretely. Called
// once at daemon startup.
func SetParentEffectiveHook(fn func(parent Context, name string) (Value, bool)) {
	parentEffective = fn
}

// Reset forgets any explicit value for name, falling back to its
// DefaultFn/parent resolution on the next Get.
func (m *Map) Reset(name string) error {
	e, err := m.reg.lookup(name)
	if err != nil {
		return err
	}
	delete(m.values, name)
	if e.Flags.Has(Persistent) && m.Persist != nil {
		return m.Persist(name, Value{})
	}
	return nil
}

// HasValue reports whether name has an explicit (non-default) value.
func (m *Map) HasValue(name string) bool {
	_, ok := m.values[name]
	return ok
}

// List returns every non-hidden declared name.
func (m *Map) List() []string {
	return m.reg.List()
}

// Restore replays a Kv-Store record's pairs into this Map without
// re-triggering persistence (Persist is intentionally not called).
func (m *Map) Restore(pairs map[string]string) error {
	for name, raw := range pairs {
		e, err := m.reg.lookup(name)
		if err != nil {
			// A name the current binary no longer declares: skip rather
			// than fail the whole restore, matching the "lost" container
			// leniency for individual unknown fields.
			continue
		}
		v, err := FromString(e.Type, raw)
		if err != nil {
			return err
		}
		m.values[name] = v
	}
	return nil
}

// Snapshot returns every explicitly-set Persistent property as
// name->string pairs, suitable for kvstore.Save.
func (m *Map) Snapshot() map[string]string {
	out := map[string]string{}
	for name, v := range m.values {
		e, err := m.reg.lookup(name)
		if err != nil || !e.Flags.Has(Persistent) {
			continue
		}
		out[name] = v.ToString()
	}
	return out
}

// ApplyOSModeResets clears every OS_MODE property's explicit value
// when VIRT_MODE=os and the container's owner is unprivileged —
// called by the container at Start. The privilege checked is the
// container's own (Context.IsPrivileged); the identity of whoever
// issued the Start is not consulted.
func (m *Map) ApplyOSModeResets() {
	if !m.ctx.IsOSMode() || m.ctx.IsPrivileged() {
		return
	}
	for name, e := range m.reg.entries {
		if e.Flags.Has(OSMode) {
			delete(m.values, name)
		}
	}
}

// TranslatePath rewrites a PATH-flagged value through the container's
// root the way the component design requires for stdio defaults:
// relative to root unless root is the host root.
func (m *Map) TranslatePath(p string) string {
	if p == "" || m.ctx.Root() == "/" {
		return p
	}
	if strings.HasPrefix(p, "/") {
		return strings.TrimSuffix(m.ctx.Root(), "/") + p
	}
	return strings.TrimSuffix(m.ctx.Root(), "/") + "/" + p
}
