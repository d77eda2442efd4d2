package task

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/portod/portod/internal/perrors"
)

var log = logrus.WithField("component", "task")

// ReExecArg is the hidden argv[1] the daemon's own binary recognizes
// as "you are child-A, not the supervisor" — the same self-reexec
// trick the teacher's nsinit/nsenter split uses to get a freshly
// exec'd, single-threaded process image before doing anything raw
// fork-based, since forking a multi-threaded Go runtime is unsafe.
const ReExecArg = "__portod_task_init__"

// Result is what a successful Spawn hands back to the Container.
type Result struct {
	// RootPid is child-A's pid as seen by the supervisor — used only
	// to wait() on exit; it is never the pid namespace's pid 1.
	RootPid int
	// Pid is the final, re-parented grandchild's pid — the pid the
	// Container reports as root_pid to clients.
	Pid        int
	LoopDevice int // -1 if none was attached
	cmd        *exec.Cmd
	sock       *socketPair
	sock2      *socketPair
}

// Spawn runs the full multi-fork protocol described in the component
// design: it execs a fresh copy of the daemon binary as child-A (so
// the raw forks child-A performs happen in a single-threaded process
// image), waits for every ConfigureChild stage to report success over
// Sock, and on any failure kills child-A, closes both socket pairs and
// returns the reported error; releasing the container's own resources
// is left to the caller.
func Spawn(env *TaskEnv) (*Result, error) {
	sock, err := newSocketPair("task-sock")
	if err != nil {
		return nil, err
	}
	sock2, err := newSocketPair("task-sock2")
	if err != nil {
		sock.close()
		return nil, err
	}

	envFile, err := envTempFile(env)
	if err != nil {
		sock.close()
		sock2.close()
		return nil, err
	}
	defer envFile.Close()

	self, err := os.Executable()
	if err != nil {
		sock.close()
		sock2.close()
		return nil, perrors.Wrap(fmt.Errorf("task: resolve self executable: %w", err))
	}

	hops := HopsForMode(env.TripleFork, env.QuadroFork)
	cmd := exec.Command(self, ReExecArg)
	cmd.Env = append(os.Environ(), reexecStageEnv+"="+strconv.Itoa(hops))
	cmd.ExtraFiles = []*os.File{sock.child, sock2.child, envFile}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = openStdio(env)
	cmd.SysProcAttr = &unix.SysProcAttr{
		Cloneflags: cloneFlagsFor(env),
		Pdeathsig:  unix.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		sock.close()
		sock2.close()
		return nil, perrors.Wrap(fmt.Errorf("task: start child-A: %w", err))
	}
	sock.closeChild()
	sock2.closeChild()

	res := &Result{RootPid: cmd.Process.Pid, LoopDevice: -1, cmd: cmd, sock: sock, sock2: sock2}

	if err := drainReports(sock.parent, res); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		sock.close()
		sock2.close()
		return nil, err
	}

	go func() {
		state, _ := cmd.Process.Wait()
		_ = state
	}()

	return res, nil
}

// drainReports reads stage reports until a failure report arrives or
// Sock can no longer be read; a successful exec is not reported itself
// and shows up as EOF.
func drainReports(r *os.File, res *Result) error {
	for {
		rep, err := readReport(r)
		if err != nil {
			// Any read error, EOF included, ends the loop as success:
			// EOF is how a successful exec shows up.
			return nil
		}
		if rep.Err != "" {
			return perrors.New(perrors.InvalidValue, "task launch failed at stage %s: %s", rep.Stage, rep.Err)
		}
		if rep.Pid != 0 {
			res.Pid = rep.Pid
		}
		if rep.Stage == StageMountRootFs {
			res.LoopDevice = rep.LoopIndex
		}
		log.WithField("stage", rep.Stage).Debug("child reported stage complete")
		if rep.Stage == StageExec {
			return nil
		}
	}
}

// SignalAutoconfDone is called by the Container once the Netlink
// Shaper has finished moving/renaming interfaces into the child's net
// namespace, unblocking the child's ChildWaitAutoconf stage.
func (r *Result) SignalAutoconfDone() error {
	_, err := r.sock2.parent.Write([]byte{1})
	return err
}

// Wait blocks until the final child exits, with a courtesy timeout so
// a wedged grandchild cannot hang the supervisor's Stop path forever.
func (r *Result) Wait(timeout time.Duration) (int, error) {
	done := make(chan error, 1)
	var state *os.ProcessState
	go func() {
		var err error
		state, err = r.cmd.Process.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return -1, err
		}
		return state.ExitCode(), nil
	case <-time.After(timeout):
		return -1, perrors.New(perrors.InvalidState, "timed out waiting for task exit")
	}
}

func openStdio(env *TaskEnv) (stdin, stdout, stderr *os.File) {
	in, err := os.Open(nonEmpty(env.StdinPath, os.DevNull))
	if err != nil {
		in, _ = os.Open(os.DevNull)
	}
	out, err := os.OpenFile(nonEmpty(env.StdoutPath, os.DevNull), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		out, _ = os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
	}
	errf, err := os.OpenFile(nonEmpty(env.StderrPath, os.DevNull), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		errf, _ = os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
	}
	return in, out, errf
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// envTempFile marshals env to an unlinked temp file so it can be
// handed to child-A (and every re-exec hop after it) as a plain fd
// rather than an argv string, since Mounts/Env/Command have no size
// bound worth imposing here.
func envTempFile(env *TaskEnv) (*os.File, error) {
	f, err := os.CreateTemp("", "portod-taskenv-*")
	if err != nil {
		return nil, perrors.Wrap(fmt.Errorf("task: create env temp file: %w", err))
	}
	os.Remove(f.Name())
	if err := json.NewEncoder(f).Encode(env); err != nil {
		f.Close()
		return nil, perrors.Wrap(fmt.Errorf("task: encode task env: %w", err))
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// cloneFlagsFor builds the namespace clone flags for child-A's exec,
// per Isolate: an unshare-none launch shares the supervisor's
// namespaces entirely (UseParentNamespace), everything else gets its
// own mount/pid/uts/ipc namespace, plus a net namespace unless the net
// mode is "host".
func cloneFlagsFor(env *TaskEnv) uintptr {
	if !env.Isolate {
		return 0
	}
	flags := uintptr(unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC)
	if env.Net.Mode != "host" {
		flags |= unix.CLONE_NEWNET
	}
	return flags
}
