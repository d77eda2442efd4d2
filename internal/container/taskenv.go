package container

import (
	"fmt"
	"os"
	"strings"

	"github.com/portod/portod/internal/netshaper"
	"github.com/portod/portod/internal/property"
	"github.com/portod/portod/internal/task"
)

// buildTaskEnv freezes the container's current property values into
// the flat structure task.Spawn needs — everything property-related
// is resolved here, once, so the task package never has to know about
// property.Map or the container hierarchy.
func (c *Container) buildTaskEnv(command string) *task.TaskEnv {
	env := &task.TaskEnv{
		Command:      strings.Fields(command),
		Env:          c.stringListProp("env"),
		Cwd:          c.stringProp("cwd"),
		Root:         c.stringProp("root"),
		RootReadOnly: c.boolProp("root_readonly"),
		Hostname:     c.stringProp("hostname"),
		BindDNS:      c.boolProp("bind_dns"),
		Isolate:      c.boolProp("isolate"),
		Devices:      c.stringListProp("devices"),
		Rlimits:      c.uintMapProp("ulimit"),
		StdinPath:    c.props.TranslatePath(c.stringProp("stdin_path")),
		StdoutPath:   c.props.TranslatePath(c.stringProp("stdout_path")),
		StderrPath:   c.props.TranslatePath(c.stringProp("stderr_path")),
		Creds: task.Credentials{
			UID:        c.creds.UID,
			GID:        c.creds.GID,
			SuppGIDs:   c.creds.SuppGIDs,
			OwnerUID:   c.creds.UID,
			CapLimit:   c.stringListProp("capabilities"),
			CapAmbient: c.stringListProp("capabilities"),
		},
		AppArmorProfile: c.stringProp("apparmor_profile"),
	}
	env.Mounts = c.buildMounts()
	env.CgroupPaths = c.cgroupPaths()
	env.RootIsLoopFile = isRegularFile(env.Root)
	env.Net = c.buildNetConfig()
	env.WaitAutoconf = env.Net.Mode == "veth" || env.Net.Mode == "macvlan"
	return env
}

func (c *Container) stringProp(name string) string {
	v, err := c.props.Get(name)
	if err != nil {
		return ""
	}
	return v.S
}

func (c *Container) boolProp(name string) bool {
	v, err := c.props.Get(name)
	return err == nil && v.B
}

func (c *Container) stringListProp(name string) []string {
	v, err := c.props.Get(name)
	if err != nil {
		return nil
	}
	return v.L
}

func (c *Container) uintMapProp(name string) map[string]uint64 {
	v, err := c.props.Get(name)
	if err != nil {
		return nil
	}
	return v.M
}

// buildMounts resolves the "bind" property into the task.Mount list
// childMountBinds applies in order; a malformed line can't reach here
// since Set already rejected it via validateBindList.
func (c *Container) buildMounts() []task.Mount {
	lines := c.stringListProp("bind")
	binds, err := property.ParseBindList(lines)
	if err != nil {
		return nil
	}
	out := make([]task.Mount, 0, len(binds))
	for _, b := range binds {
		out = append(out, task.Mount{Source: b.Source, Dest: b.Dest, ReadOnly: b.ReadOnly})
	}
	return out
}

func (c *Container) cgroupPaths() []string {
	out := make([]string, 0, len(c.cgroups))
	for _, h := range c.cgroups {
		out = append(out, h.FullPath())
	}
	return out
}

func (c *Container) buildNetConfig() task.NetConfig {
	netList := c.stringListProp("net")
	mode := "host"
	if len(netList) > 0 {
		mode = netList[0]
	}
	cfg := task.NetConfig{
		Mode:       mode,
		HostIfaces: netList,
		IPs:        c.stringListProp("ip"),
		DefaultGW:  c.stringProp("default_gw"),
		ClassID:    c.tclass,
		MTU:        1500,
	}
	if mode == "veth" || mode == "macvlan" {
		// veth0<id> fits IFNAMSIZ (15 usable bytes) for ids of up to ten
		// digits, unlike the hierarchical container name it stands in
		// for; a longer id gives a longer name.
		cfg.PeerName = fmt.Sprintf("veth0%d", c.id)
	}
	return cfg
}

// netLinkSpec builds the host-side LinkSpec for this container's
// configured net mode — everything Strategy.Create needs to bring the
// link up outside the container's namespace before handing it over.
func (c *Container) netLinkSpec() netshaper.LinkSpec {
	netCfg := c.buildNetConfig()
	spec := netshaper.LinkSpec{
		Type:     netCfg.Mode,
		HostName: fmt.Sprintf("vethh%d", c.id),
		PeerName: netCfg.PeerName,
		MTU:      netCfg.MTU,
	}
	if netCfg.Mode == "macvlan" && len(netCfg.HostIfaces) > 0 {
		spec.MasterIface = netCfg.HostIfaces[0]
	}
	return spec
}

// isRegularFile reports whether root names a plain file rather than a
// directory, the §4.5 signal for "loop-mount it onto a temp dir first".
func isRegularFile(root string) bool {
	info, err := os.Stat(root)
	return err == nil && info.Mode().IsRegular()
}
