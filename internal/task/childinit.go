package task

import (
	"encoding/json"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/portod/portod/internal/loopdev"
	"github.com/portod/portod/internal/system"
)

// reexecStageEnv tells a re-exec hop how many more times to relaunch
// itself before calling ConfigureChild. Forking a multi-threaded Go
// runtime directly is unsupported (the runtime's own os/exec package
// always execs rather than bare-forks for exactly this reason), so
// the "multi-fork" reparenting dance §4.5 describes is implemented
// here as a chain of setsid'd self re-execs instead of raw clone(2)
// calls — each hop is a fresh, single-threaded process image, and the
// last hop is the one that becomes session leader under the target
// pid namespace and calls ConfigureChild.
const reexecStageEnv = "PORTOD_TASK_HOPS_REMAINING"

// envFd is the fd Spawn and every relaunch hop pass the marshaled
// TaskEnv through — a plain O_TMPFILE-style unlinked file rather than
// an argv string, since Root/Mounts/Env can be arbitrarily large.
const envFd = 5

// RunChildInit is the entry point cmd/portod/main.go calls when
// argv[1] == ReExecArg. It reads the remaining hop count and the
// TaskEnv from the fds Spawn/relaunchHop set up and either relaunches
// once more or, on the last hop, runs ConfigureChild.
func RunChildInit() {
	sock := os.NewFile(3, "task-sock")
	sock2 := os.NewFile(4, "task-sock2")
	envFile := os.NewFile(uintptr(envFd), "task-env")

	hops, _ := strconv.Atoi(os.Getenv(reexecStageEnv))

	if hops > 0 {
		relaunchHop(hops, sock, sock2, envFile)
		return
	}

	var env TaskEnv
	if err := json.NewDecoder(envFile).Decode(&env); err != nil {
		reportStage(sock, StageApplyLimits, err)
		exitSoftware()
		return
	}

	if _, err := system.Setsid(); err != nil {
		reportStage(sock, StageApplyLimits, err)
		exitSoftware()
		return
	}
	if err := system.ParentDeathSignal(uintptr(unix.SIGKILL)); err != nil {
		reportStage(sock, StageApplyLimits, err)
		exitSoftware()
		return
	}

	ConfigureChild(&env, sock, sock2, loopdev.NewPool())
}

// relaunchHop re-execs the current binary one more time, inheriting
// the same socket and env fds, and exits as soon as the hop has
// itself started — the repeated setsid/exec chain is what
// re-parents the eventual grandchild to the pid namespace's init
// rather than to the supervisor.
func relaunchHop(hopsRemaining int, sock, sock2, envFile *os.File) {
	self, err := os.Executable()
	if err != nil {
		reportStage(sock, StageApplyLimits, err)
		exitSoftware()
		return
	}
	envFile.Seek(0, 0)
	cmd := exec.Command(self, ReExecArg)
	cmd.Env = append(os.Environ(), reexecStageEnv+"="+strconv.Itoa(hopsRemaining-1))
	cmd.ExtraFiles = []*os.File{sock, sock2, envFile}
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		reportStage(sock, StageApplyLimits, err)
		exitSoftware()
		return
	}
	os.Exit(0)
}

// HopsForMode returns how many extra self-exec hops TripleFork /
// QuadroFork need beyond the initial child-A exec Spawn already
// performed.
func HopsForMode(tripleFork, quadroFork bool) int {
	switch {
	case quadroFork:
		return 3
	case tripleFork:
		return 2
	default:
		return 1
	}
}
