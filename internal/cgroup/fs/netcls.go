// The net_cls controller is the join point between the cgroup layer
// and the netlink shaper: the classid it holds is the handle minor
// the shaper's cgroup-match filter classifies packets against (see
// internal/netshaper's Prepare).
package fs

import "github.com/portod/portod/internal/cgroup"

// ApplyNetClsClassID writes the container's traffic class handle,
// encoded the way net_cls.classid always is: (major<<16)|minor.
func ApplyNetClsClassID(h *cgroup.Handle, major, minor uint32) error {
	classid := (major << 16) | minor
	return writeFileUint(h, "net_cls.classid", uint64(classid))
}
