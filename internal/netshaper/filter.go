package netshaper

import (
	"fmt"
	"os/exec"

	"github.com/vishvananda/netlink"
)

// installCgroupFilter installs the single per-link cgroup-match
// filter at the root class, so packets sent by any process get
// classified by the net_cls.classid its cgroup carries. This is the
// one operation in this package built on tc(8) rather than
// vishvananda/netlink directly — see the package doc comment.
func installCgroupFilter(ifIndex int, rootHandle uint32) error {
	link, err := netlink.LinkByIndex(ifIndex)
	if err != nil {
		return err
	}
	cmd := exec.Command("tc", "filter", "add",
		"dev", link.Attrs().Name,
		"parent", handleString(rootHandle),
		"prio", "1",
		"handle", "1:",
		"cgroup",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tc filter add: %w: %s", err, out)
	}
	return nil
}

func handleString(h uint32) string {
	return fmt.Sprintf("%x:%x", h>>16, h&0xffff)
}
