// Adapted from the teacher's apparmor/gen.go: the same docker-default
// profile template, generalized to take the container's own name
// (rather than a single hardcoded "docker-default" profile) and
// loaded on demand from ChildApplyAppArmor rather than at image-build
// time, since this daemon has no separate profile-installation step.
package task

import (
	"fmt"
	"os"
	"strings"
	"text/template"
)

type apparmorProfileData struct {
	Name         string
	Imports      []string
	InnerImports []string
}

const apparmorBaseTemplate = `
{{range $value := .Imports}}
{{$value}}
{{end}}

profile {{.Name}} flags=(attach_disconnected,mediate_deleted) {
{{range $value := .InnerImports}}
  {{$value}}
{{end}}

  network,
  file,

  deny mount,

  deny @{PROC}/sys/kernel/[^s][^h][^m]* wklx,
  deny @{PROC}/sys/kernel/*/** wklx,
  deny @{PROC}/kcore rwklx,
  deny @{PROC}/kmem rwklx,
  deny @{PROC}/mem rwklx,

  deny /sys/firmware/efi/efivars/** rwklx,
  deny /sys/kernel/security/** rwklx,

  allow capability net_raw,
  allow capability net_bind_service,
  allow capability audit_write,
  allow capability dac_override,
  allow capability setfcap,
  allow capability setpcap,
  allow capability setgid,
  allow capability setuid,
  allow capability mknod,
  allow capability fowner,
  allow capability fsetid,
  allow capability kill,
  allow capability sys_chroot,
}
`

// generateAppArmorProfile renders name's profile body, probing the
// host for the usual Ubuntu/Debian tunables/abstractions includes the
// same way the teacher's generateProfile did.
func generateAppArmorProfile(name string) (string, error) {
	compiled, err := template.New("apparmor_profile").Parse(apparmorBaseTemplate)
	if err != nil {
		return "", err
	}
	data := &apparmorProfileData{Name: name}
	if _, err := os.Stat("/etc/apparmor.d/tunables/global"); err == nil {
		data.Imports = append(data.Imports, "#include <tunables/global>")
	} else {
		data.Imports = append(data.Imports, "@{PROC}=/proc/")
	}
	if _, err := os.Stat("/etc/apparmor.d/abstractions/base"); err == nil {
		data.InnerImports = append(data.InnerImports, "#include <abstractions/base>")
	}
	var buf strings.Builder
	if err := compiled.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// loadAppArmorProfile pushes a generated profile into the kernel via
// the securityfs .load interface, then switches this (single-threaded,
// about to exec) process into it — mirrors the write-to-exec-attr
// sequence libapparmor's aa_change_onexec wraps in C.
func loadAppArmorProfile(name string) error {
	profile, err := generateAppArmorProfile(name)
	if err != nil {
		return fmt.Errorf("generate apparmor profile: %w", err)
	}
	loadPath := "/sys/kernel/security/apparmor/.load"
	if _, err := os.Stat(loadPath); err != nil {
		return fmt.Errorf("apparmor not available: %w", err)
	}
	f, err := os.OpenFile(loadPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", loadPath, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(profile)); err != nil {
		return fmt.Errorf("load apparmor profile %s: %w", name, err)
	}
	return setAppArmorExecLabel(name)
}

func setAppArmorExecLabel(name string) error {
	f, err := os.OpenFile("/proc/self/attr/exec", os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open exec attr: %w", err)
	}
	defer f.Close()
	_, err = f.Write([]byte("exec " + name))
	return err
}
