package fs

import "github.com/portod/portod/internal/cgroup"

// DeviceRule mirrors the devices.list/devices.allow/devices.deny line
// format: "type major:minor access", e.g. "c 1:3 rwm" for /dev/null.
type DeviceRule struct {
	Type   byte // 'c', 'b', or 'a'
	Major  string
	Minor  string
	Access string
	Allow  bool
}

func ApplyDevices(h *cgroup.Handle, rules []DeviceRule) error {
	for _, r := range rules {
		knob := "devices.deny"
		if r.Allow {
			knob = "devices.allow"
		}
		line := formatDeviceRule(r)
		if err := h.SetKnob(knob, line, false); err != nil {
			return err
		}
	}
	return nil
}

func formatDeviceRule(r DeviceRule) string {
	return string(r.Type) + " " + r.Major + ":" + r.Minor + " " + r.Access
}
