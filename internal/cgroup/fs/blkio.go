package fs

import "github.com/portod/portod/internal/cgroup"

// BlkioParams carries the io-limit property the component design
// names (§4.2): a weight plus per-device throttle is the common
// blkio.weight shape; this daemon only surfaces the weight today since
// spec.md's property set doesn't name per-device overrides.
type BlkioParams struct {
	Weight uint64
}

func ApplyBlkio(h *cgroup.Handle, p BlkioParams) error {
	if p.Weight == 0 {
		return nil
	}
	if !h.HasKnob("blkio.weight") {
		return nil
	}
	return writeFileUint(h, "blkio.weight", p.Weight)
}
