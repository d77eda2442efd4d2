// Package fs holds per-controller knob drivers, one file per
// subsystem, after the teacher's cgroups/fs package, but as free
// functions (ApplyMemory, SetIdleSoftLimit, ...) that take a
// *cgroup.Handle and a params struct. Unlike the teacher (which drove these from a single
// monolithic configs.Cgroup), each driver here is handed the bag of
// resource values it needs directly from the property map, since
// this daemon's properties are already the source of truth the
// teacher's Config struct used to be.
package fs

import (
	"strconv"

	"github.com/portod/portod/internal/cgroup"
	"github.com/portod/portod/internal/perrors"
)

func writeFileInt(h *cgroup.Handle, knob string, value int64) error {
	return h.SetKnob(knob, strconv.FormatInt(value, 10), false)
}

func writeFileUint(h *cgroup.Handle, knob string, value uint64) error {
	return h.SetKnob(knob, strconv.FormatUint(value, 10), false)
}

func readFileInt(h *cgroup.Handle, knob string) (int64, error) {
	s, err := h.GetKnob(knob)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, perrors.New(perrors.Unknown, "cgroup knob %s: not an integer: %q", knob, s)
	}
	return v, nil
}
