package task

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/portod/portod/internal/perrors"
)

// Stage names the ConfigureChild step a report refers to, in the
// strict order §4.5 requires.
type Stage string

const (
	StageApplyLimits       Stage = "apply_limits"
	StageSetHostname       Stage = "set_hostname"
	StageMountRootFs       Stage = "mount_rootfs"
	StageMountRun          Stage = "mount_run"
	StageMountBinds        Stage = "mount_binds"
	StageBindDNS           Stage = "bind_dns"
	StageRemountRootRO     Stage = "remount_root_ro"
	StageIsolateFs         Stage = "isolate_fs"
	StageAttachCgroups     Stage = "attach_cgroups"
	StageWaitAutoconf      Stage = "wait_autoconf"
	StageConfigureNet      Stage = "configure_net"
	StageApplyCapabilities Stage = "apply_capabilities"
	StageApplyAppArmor     Stage = "apply_apparmor"
	StageSetCredentials    Stage = "set_credentials"
	StageExec              Stage = "exec"
)

// report is one varint-length-prefixed JSON record written to Sock by
// the final child, read back by the parent in Spawn. An empty Err
// means the stage succeeded. A successful StageExec is never reported,
// since exec does not return; the parent reads until an error arrives
// or Sock reaches EOF, which a successful exec causes by closing the
// final child's close-on-exec end.
type report struct {
	Stage Stage  `json:"stage"`
	Err   string `json:"err,omitempty"`
	// Pid carries the final child's own pid, attached to the very
	// first report only — it is the parent's only way to learn this
	// pid once the reparenting hop chain has put it outside the
	// supervisor's direct fork lineage.
	Pid int `json:"pid,omitempty"`
	// LoopIndex carries the attached loop device's index, attached to
	// the StageMountRootFs report only: -1 when no loop device was
	// attached. Index 0 is omitted on the wire and decodes back to 0.
	LoopIndex int `json:"loop_index,omitempty"`

	errText error
}

// socketPair wraps the two ends of one AF_LOCAL SOCK_STREAM pair the
// way the teacher's SyncPipe wraps a socketpair fd pair, down to using
// SOCK_CLOEXEC. The child's ends reach the final child through
// ExtraFiles, which clears that flag; childExec sets close-on-exec on
// them again so they do not leak into the target.
type socketPair struct {
	parent, child *os.File
}

func newSocketPair(name string) (*socketPair, error) {
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, perrors.Wrap(fmt.Errorf("task: socketpair %s: %w", name, err))
	}
	return &socketPair{
		child:  os.NewFile(uintptr(fds[0]), name+"-child"),
		parent: os.NewFile(uintptr(fds[1]), name+"-parent"),
	}, nil
}

func (s *socketPair) closeParent() {
	if s.parent != nil {
		s.parent.Close()
		s.parent = nil
	}
}

func (s *socketPair) closeChild() {
	if s.child != nil {
		s.child.Close()
		s.child = nil
	}
}

func (s *socketPair) close() {
	s.closeParent()
	s.closeChild()
}

// reportStage is called from the final child, after fork, to tell the
// parent a stage either completed or failed. A failure report is
// always immediately followed by the child calling exitSoftware.
func reportStage(w io.Writer, stage Stage, err error) error {
	return writeReport(w, report{Stage: stage, errText: err})
}

// reportStagePid is reportStage plus an optional pid attachment, used
// only for the very first report so the parent learns the final
// child's pid once (see report.Pid).
func reportStagePid(w io.Writer, stage Stage, pid int, err error) error {
	return writeReport(w, report{Stage: stage, Pid: pid, errText: err})
}

// reportStageLoopIndex is reportStage plus the attached loop device
// index, sent once alongside the StageMountRootFs report.
func reportStageLoopIndex(w io.Writer, stage Stage, loopIndex int, err error) error {
	return writeReport(w, report{Stage: stage, LoopIndex: loopIndex, errText: err})
}

func writeReport(w io.Writer, r report) error {
	if r.errText != nil {
		r.Err = r.errText.Error()
	}
	payload, jerr := json.Marshal(r)
	if jerr != nil {
		return jerr
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readReport blocks for the next stage report on r.
func readReport(r io.Reader) (report, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = newByteReader(r)
	}
	length, err := binary.ReadUvarint(br)
	if err != nil {
		return report{}, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return report{}, err
	}
	var rep report
	if err := json.Unmarshal(buf, &rep); err != nil {
		return report{}, err
	}
	return rep, nil
}

// byteReader adapts an io.Reader without ReadByte (like os.File used
// through an interface value) to binary.ReadUvarint's requirement.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func newByteReader(r io.Reader) *byteReader { return &byteReader{r: r} }

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// exitSoftware is what the final child calls after reporting a fatal
// stage error, matching the EX_SOFTWARE exit code §4.5 step 5 names.
func exitSoftware() {
	os.Exit(70)
}
