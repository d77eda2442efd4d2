package container

import (
	"github.com/portod/portod/internal/cgroup/fs"
	"github.com/portod/portod/internal/netshaper"
	"github.com/portod/portod/internal/task"
)

// provisionNetwork runs the host side of link setup — Strategy.Create
// moves a freshly created veth/macvlan end into the task's network
// namespace — then unblocks the child's own Strategy.Initialize stage
// regardless of outcome, so a provisioning failure degrades the
// container to no network rather than hanging its launch forever.
func (c *Container) provisionNetwork(env *task.TaskEnv, res *task.Result) {
	strategy, err := netshaper.GetStrategy(env.Net.Mode)
	if err != nil {
		log.WithField("container", c.name).WithError(err).Warn("no network strategy for mode")
	} else if err := strategy.Create(c.netLinkSpec(), res.RootPid); err != nil {
		log.WithField("container", c.name).WithError(err).Warn("network link provisioning failed")
	}
	if err := res.SignalAutoconfDone(); err != nil {
		log.WithField("container", c.name).WithError(err).Warn("failed to signal network autoconf done")
	}
}

// provisionTclass installs this container's HTB class on every link
// the Shaper already prepared, parented under the porto-root class
// (or, when isolate is false and the container shares its parent's
// namespace per I7, skipped entirely — the child is billed against the
// parent's own class instead of getting its own). rate/ceil are the
// sums of all net_guarantee/net_limit entries, and that one pair is
// installed on every link; map keys are not matched against link names.
func (c *Container) provisionTclass() {
	if c.shaper == nil {
		return
	}
	if !c.boolProp("isolate") {
		return
	}
	handle := netshaper.TcHandle(netshaper.RootTcMajor, uint32(c.id))
	parentHandle := netshaper.TcHandle(netshaper.RootTcMajor, netshaper.PortoRootMinor)
	if c.parent != nil && c.parent.tclass != 0 {
		parentHandle = c.parent.tclass
	}

	rate := sumUint64Map(c.uintMapProp("net_guarantee"))
	ceil := sumUint64Map(c.uintMapProp("net_limit"))

	var links []int
	for _, ifIndex := range c.shaper.LinkIndices() {
		if err := c.shaper.AddTrafficClass(ifIndex, parentHandle, handle, 0, rate, ceil); err != nil {
			log.WithField("container", c.name).WithError(err).Warn("failed to install traffic class")
			continue
		}
		links = append(links, ifIndex)
	}
	if len(links) > 0 {
		c.tclass = handle
		c.tclassLinks = links
		if netCls, ok := c.cgroups["net_cls"]; ok {
			if err := fs.ApplyNetClsClassID(netCls, netshaper.RootTcMajor, uint32(c.id)); err != nil {
				log.WithField("container", c.name).WithError(err).Warn("failed to set net_cls.classid")
			}
		}
	}
}

func (c *Container) deprovisionTclass() {
	if c.shaper == nil || c.tclass == 0 {
		return
	}
	for _, ifIndex := range c.tclassLinks {
		if err := c.shaper.DelTrafficClass(ifIndex, c.tclass); err != nil {
			log.WithField("container", c.name).WithError(err).Warn("failed to remove traffic class")
		}
	}
	c.tclass = 0
	c.tclassLinks = nil
}

func sumUint64Map(m map[string]uint64) uint64 {
	var total uint64
	for _, v := range m {
		total += v
	}
	return total
}
