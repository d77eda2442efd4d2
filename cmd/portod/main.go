// Command portod is the supervisor daemon's entry point: it wires the
// Kv-Store, Cgroup Layer, Netlink Shaper, property registry, and
// Holder together at startup, starts the event loop, and re-execs
// into the task launcher's child-init path when invoked as a task
// hop. Flag handling follows the teacher's own nsinit/main.go shape
// (global root dir / debug flags, a single logrus.Fatal on startup
// failure), ported from codegangsta/cli onto cobra/pflag.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/portod/portod/internal/cgroup"
	"github.com/portod/portod/internal/eventloop"
	"github.com/portod/portod/internal/holder"
	"github.com/portod/portod/internal/kvstore"
	"github.com/portod/portod/internal/loopdev"
	"github.com/portod/portod/internal/netshaper"
	"github.com/portod/portod/internal/property"
	"github.com/portod/portod/internal/system"
	"github.com/portod/portod/internal/task"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == task.ReExecArg {
		task.RunChildInit()
		return
	}

	var (
		kvDir              string
		debug              bool
		tmpRoot            string
		memoryGuaranteeRsv uint64
	)

	root := &cobra.Command{
		Use:   "portod",
		Short: "container supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(kvDir, tmpRoot, debug, memoryGuaranteeRsv)
		},
	}
	flags := pflag.NewFlagSet("portod", pflag.ExitOnError)
	flags.StringVar(&kvDir, "kv-dir", "/run/portod/kvs", "tmpfs-backed Kv-Store directory")
	flags.StringVar(&tmpRoot, "tmp-dir", "/run/portod/containers", "per-container scratch directory")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.Uint64Var(&memoryGuaranteeRsv, "memory-guarantee-reserve", 0, "bytes of host memory memory_guarantee admission always leaves unguaranteed")
	root.Flags().AddFlagSet(flags)

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(kvDir, tmpRoot string, debug bool, memoryGuaranteeReserve uint64) error {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "main")

	property.SetHostMemoryReserve(system.GetTotalMemory, memoryGuaranteeReserve)

	if err := system.MountTmpfs(kvDir); err != nil {
		return fmt.Errorf("mount kv-store tmpfs: %w", err)
	}
	if err := os.MkdirAll(tmpRoot, 0700); err != nil {
		return fmt.Errorf("create tmp-dir: %w", err)
	}

	store, err := kvstore.Open(kvDir)
	if err != nil {
		return fmt.Errorf("open kv-store: %w", err)
	}

	cgroupRoot, err := cgroup.Discover()
	if err != nil {
		return fmt.Errorf("discover cgroup mounts: %w", err)
	}

	shaper := netshaper.New()
	if err := shaper.Prepare(); err != nil {
		log.WithError(err).Warn("netshaper: preparing links failed, network isolation degraded")
	}

	loops := loopdev.NewPool()

	reg := property.NewRegistry()
	property.Declare(reg)

	h := holder.New(reg, store, cgroupRoot, shaper, loops, tmpRoot)
	if err := h.Restore(); err != nil {
		return fmt.Errorf("restore kv-store: %w", err)
	}

	loop := eventloop.New()
	loop.Every(30*time.Second, func() { h.SweepAged(nowMs()) })
	loop.Every(time.Minute, h.RotateLogs)
	loop.Run()
	defer loop.Stop()

	log.Info("portod ready")
	select {}
}

func nowMs() uint64 { return uint64(time.Now().UnixMilli()) }
