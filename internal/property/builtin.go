package property

import (
	"path/filepath"
	"strings"

	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/perrors"
)

// statesStopped is the common "only while Stopped" ValidStates set
// most static launch configuration uses.
var statesStopped = map[cstate.Status]bool{cstate.Stopped: true}

// statesAny allows Set in every state — used by dynamic,
// live-appliable properties.
var statesAny map[cstate.Status]bool = nil

// Declare registers the daemon's built-in property and data set on
// reg. Called once at startup with the process-wide Registry.
func Declare(reg *Registry) {
	declareLaunchProperties(reg)
	declareResourceProperties(reg)
	declareNetworkProperties(reg)
	declareLifecycleProperties(reg)
	declareData(reg)
}

func declareLaunchProperties(reg *Registry) {
	reg.Declare(&Entry{Name: "command", Type: TypeString, Flags: Persistent, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String(""), nil }})

	reg.Declare(&Entry{Name: "cwd", Type: TypeString, Flags: Path, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String("/"), nil }})

	reg.Declare(&Entry{Name: "root", Type: TypeString, Flags: Path, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String("/"), nil }})

	reg.Declare(&Entry{Name: "root_readonly", Type: TypeBool, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return Bool(false), nil }})

	reg.Declare(&Entry{Name: "user", Type: TypeString, Flags: RestrictedRoot, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String("nobody"), nil }})

	reg.Declare(&Entry{Name: "group", Type: TypeString, Flags: RestrictedRoot, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String("nogroup"), nil }})

	reg.Declare(&Entry{Name: "env", Type: TypeStringList, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return StringList(nil), nil }})

	reg.Declare(&Entry{Name: "hostname", Type: TypeString, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String(""), nil }})

	reg.Declare(&Entry{Name: "bind_dns", Type: TypeBool, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return Bool(true), nil }})

	reg.Declare(&Entry{Name: "isolate", Type: TypeBool, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return Bool(!ctx.UseParentNamespace()), nil }})

	// bind is a list of "source dest [ro|rw]" lines, one bind mount
	// each; Set always replaces the full list rather than appending, so
	// clearing a bind means setting the whole list without it.
	reg.Declare(&Entry{Name: "bind", Type: TypeStringList, Flags: Persistent | ParentRO | OSMode, ValidStates: statesStopped,
		Default:  func(ctx Context) (Value, error) { return StringList(nil), nil },
		Validate: validateBindList})

	for _, stream := range []string{"stdin_path", "stdout_path", "stderr_path"} {
		streamName := streamSuffix(stream)
		reg.Declare(&Entry{Name: stream, Type: TypeString, Flags: Path, ValidStates: statesStopped,
			Default: stdioDefault(streamName)})
	}

	reg.Declare(&Entry{Name: "stdout_limit", Type: TypeUint64, Flags: Persistent | UnitSuffix, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Uint64(8 << 20), nil }})
}

func streamSuffix(propName string) string {
	switch propName {
	case "stdin_path":
		return "stdin"
	case "stdout_path":
		return "stdout"
	default:
		return "stderr"
	}
}

// stdioDefault implements the default-resolution rule from the
// component design: host-root containers default into tmp_dir, a
// rooted container defaults under root/cwd, and an OS-mode,
// non-privileged container always gets /dev/null.
func stdioDefault(stream string) DefaultFn {
	return func(ctx Context) (Value, error) {
		if ctx.IsOSMode() && !ctx.IsPrivileged() {
			return String("/dev/null"), nil
		}
		if ctx.Root() == "/" {
			return String(filepath.Join(ctx.TmpDir(), ctx.Name()+"."+stream)), nil
		}
		return String(filepath.Join(ctx.Root(), ctx.Cwd(), stream)), nil
	}
}

func declareResourceProperties(reg *Registry) {
	reg.Declare(&Entry{Name: "memory_guarantee", Type: TypeUint64, Flags: Persistent | UnitSuffix, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Uint64(0), nil },
		Validate: ComposeValidators(
			HierarchicalUint64("memory_guarantee"),
			MemoryGuaranteeReserve("memory_guarantee"),
		),
		Apply: func(ctx Context, v Value) error { return ctx.ApplyResourceLimits() }})

	reg.Declare(&Entry{Name: "memory_limit", Type: TypeUint64, Flags: Persistent | UnitSuffix, ValidStates: statesAny,
		Default:  func(ctx Context) (Value, error) { return Uint64(0), nil },
		Validate: HierarchicalUint64("memory_limit"),
		Apply:    func(ctx Context, v Value) error { return ctx.ApplyResourceLimits() }})

	reg.Declare(&Entry{Name: "cpu_guarantee", Type: TypeUint64, Flags: Persistent, ValidStates: statesAny,
		Default:  func(ctx Context) (Value, error) { return Uint64(0), nil },
		Validate: HierarchicalUint64("cpu_guarantee"),
		Apply:    func(ctx Context, v Value) error { return ctx.ApplyResourceLimits() }})

	reg.Declare(&Entry{Name: "cpu_limit", Type: TypeUint64, Flags: Persistent, ValidStates: statesAny,
		Default:  func(ctx Context) (Value, error) { return Uint64(0), nil },
		Validate: HierarchicalUint64("cpu_limit"),
		Apply:    func(ctx Context, v Value) error { return ctx.ApplyResourceLimits() }})

	reg.Declare(&Entry{Name: "io_limit", Type: TypeUint64, Flags: Persistent | UnitSuffix, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Uint64(0), nil },
		Apply:   func(ctx Context, v Value) error { return ctx.ApplyResourceLimits() }})

	reg.Declare(&Entry{Name: "recharge_on_pgfault", Type: TypeBool, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Bool(false), nil },
		Apply:   func(ctx Context, v Value) error { return ctx.ApplyResourceLimits() }})

	reg.Declare(&Entry{Name: "ulimit", Type: TypeUintMap, Flags: Persistent, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return UintMap(nil), nil }})

	reg.Declare(&Entry{Name: "capabilities", Type: TypeStringList, Flags: Superuser, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return StringList(nil), nil }})

	reg.Declare(&Entry{Name: "apparmor_profile", Type: TypeString, Flags: Superuser, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String(""), nil }})
}

func declareNetworkProperties(reg *Registry) {
	reg.Declare(&Entry{Name: "net_guarantee", Type: TypeUintMap, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return UintMap(map[string]uint64{"default": 0}), nil }})

	reg.Declare(&Entry{Name: "net_limit", Type: TypeUintMap, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return UintMap(map[string]uint64{"default": 0}), nil }})

	reg.Declare(&Entry{Name: "net", Type: TypeStringList, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return StringList([]string{"host"}), nil }})

	reg.Declare(&Entry{Name: "ip", Type: TypeStringList, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return StringList(nil), nil }})

	reg.Declare(&Entry{Name: "default_gw", Type: TypeString, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String(""), nil }})
}

func declareLifecycleProperties(reg *Registry) {
	reg.Declare(&Entry{Name: "respawn", Type: TypeBool, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Bool(false), nil }})

	reg.Declare(&Entry{Name: "max_respawns", Type: TypeInt64, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Int64(-1), nil }})

	reg.Declare(&Entry{Name: "respawn_delay_ms", Type: TypeUint64, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Uint64(1000), nil }})

	reg.Declare(&Entry{Name: "aging_time_ms", Type: TypeUint64, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Uint64(28 * 24 * 3600 * 1000), nil }})

	reg.Declare(&Entry{Name: "kill_timeout_ms", Type: TypeUint64, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Uint64(10000), nil }})

	reg.Declare(&Entry{Name: "stop_timeout_ms", Type: TypeUint64, Flags: Persistent, ValidStates: statesAny,
		Default: func(ctx Context) (Value, error) { return Uint64(10000), nil }})

	reg.Declare(&Entry{Name: "virt_mode", Type: TypeString, Flags: Persistent, ValidStates: statesStopped,
		Default: func(ctx Context) (Value, error) { return String("app"), nil }})
}

// Data entries below carry no Default for the Persistent ones: their
// value is written directly via Map.SetData at the exact transition
// the component design ties them to (Start, Dead, Respawn), so a Get
// before the first such transition correctly returns the type's zero
// value rather than a computed live one.
func declareData(reg *Registry) {
	reg.Declare(&Entry{Name: "state", Type: TypeString, IsData: true,
		Default: func(ctx Context) (Value, error) { return String(ctx.State().String()), nil }})
	reg.Declare(&Entry{Name: "exit_status", Type: TypeInt64, IsData: true, Flags: Persistent})
	reg.Declare(&Entry{Name: "oom_killed", Type: TypeBool, IsData: true, Flags: Persistent})
	reg.Declare(&Entry{Name: "start_time", Type: TypeUint64, IsData: true, Flags: Persistent})
	reg.Declare(&Entry{Name: "death_time", Type: TypeUint64, IsData: true, Flags: Persistent})
	reg.Declare(&Entry{Name: "respawn_count", Type: TypeUint64, IsData: true, Flags: Persistent})
	reg.Declare(&Entry{Name: "root_pid", Type: TypeInt64, IsData: true,
		Default: func(ctx Context) (Value, error) { return Int64(ctx.RootPid()), nil }})
	reg.Declare(&Entry{Name: "id", Type: TypeUint64, IsData: true, Flags: Hidden,
		Default: func(ctx Context) (Value, error) { return Uint64(ctx.ID()), nil }})
	reg.Declare(&Entry{Name: "raw_name", Type: TypeString, IsData: true, Flags: Hidden,
		Default: func(ctx Context) (Value, error) { return String(ctx.Name()), nil }})
	reg.Declare(&Entry{Name: "raw_loop_dev", Type: TypeInt64, IsData: true, Flags: Hidden})
}

// BindMount is one parsed line of the "bind" property: a host source
// path shared into the container at dest, read-write unless an
// explicit "ro" third token makes it read-only.
type BindMount struct {
	Source   string
	Dest     string
	ReadOnly bool
}

func validateBindList(ctx Context, v Value) error {
	_, err := ParseBindList(v.L)
	return err
}

// ParseBindList parses every "bind" line the same way a static launch
// config declares a bind mount: "source dest" or "source dest ro|rw",
// whitespace-separated, one mount per line.
func ParseBindList(lines []string) ([]BindMount, error) {
	out := make([]BindMount, 0, len(lines))
	for _, line := range lines {
		tok := strings.Fields(line)
		if len(tok) != 2 && len(tok) != 3 {
			return nil, perrors.New(perrors.InvalidValue, "invalid bind in %q", line)
		}
		m := BindMount{Source: tok[0], Dest: tok[1]}
		if len(tok) == 3 {
			switch tok[2] {
			case "ro":
				m.ReadOnly = true
			case "rw":
				m.ReadOnly = false
			default:
				return nil, perrors.New(perrors.InvalidValue, "invalid bind type in %q", line)
			}
		}
		out = append(out, m)
	}
	return out, nil
}
