package container

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/perrors"
	"github.com/portod/portod/internal/property"
	"github.com/portod/portod/internal/task"
)

// Start implements the Stopped->{Meta,Running} transitions of §4.6. A
// container with no command goes to Meta (pure cgroup group); one with
// a command launches a Task and goes Running. Any other state,
// including Meta, is rejected with InvalidState.
func (c *Container) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lostAndRestored {
		return perrors.New(perrors.InvalidState, "container %s is lost-and-restored, only Destroy is permitted", c.name)
	}

	switch c.state {
	case cstate.Stopped:
	default:
		// This includes Meta: a Meta parent stays Meta when a child
		// starts, through the child's own Start, never a second Start
		// on the parent.
		return perrors.New(perrors.InvalidState, "cannot start container in state %s", c.state)
	}
	if c.acquired || c.ancestorAcquired() {
		return perrors.New(perrors.InvalidState, "container %s is acquired by a concurrent operation", c.name)
	}
	c.acquired = true
	defer func() { c.acquired = false }()

	c.props.ApplyOSModeResets()

	if err := c.provisionCgroups(); err != nil {
		c.freeResources()
		return err
	}
	if err := c.applyResourceLimits(); err != nil {
		c.freeResources()
		return err
	}
	c.provisionTclass()

	cmdVal, _ := c.props.Get("command")
	if cmdVal.S == "" {
		c.setState(cstate.Meta)
		return nil
	}

	env := c.buildTaskEnv(cmdVal.S)
	res, err := task.Spawn(env)
	if err != nil {
		c.freeResources()
		return err
	}
	if env.WaitAutoconf {
		c.provisionNetwork(env, res)
	}

	c.task = res
	c.loopIndex = res.LoopDevice
	if c.loopIndex >= 0 {
		c.props.SetData("raw_loop_dev", property.Int64(int64(c.loopIndex)))
	}
	c.startTimeMs = nowMs()
	c.props.SetData("start_time", property.Uint64(c.startTimeMs))
	c.setState(cstate.Running)
	c.watchOOM()
	go c.watchExit()
	if parent := c.parent; parent != nil {
		// refreshIdleSoftLimit calls State() on every child of parent,
		// c included, so c.mu is released around the call and taken
		// back for the deferred unlock.
		c.mu.Unlock()
		parent.refreshIdleSoftLimit()
		c.mu.Lock()
	}
	return nil
}

// Stop implements "any!=Stopped --Stop--> Stopped", hierarchical: all
// descendants are stopped first via ApplyForChildren.
func (c *Container) Stop() error {
	c.mu.Lock()
	if c.lostAndRestored {
		c.mu.Unlock()
		return perrors.New(perrors.InvalidState, "container %s is lost-and-restored, only Destroy is permitted", c.name)
	}
	children := append([]*Container(nil), c.children...)
	c.mu.Unlock()

	for _, child := range children {
		if err := child.Stop(); err != nil {
			log.WithField("child", child.name).WithError(err).Warn("stop child failed during cascade")
		}
	}

	c.mu.Lock()
	if c.state == cstate.Stopped {
		c.mu.Unlock()
		return perrors.New(perrors.InvalidState, "container %s is already stopped", c.name)
	}

	if c.task != nil {
		if err := c.killWithEscalation(); err != nil {
			c.mu.Unlock()
			return err
		}
		c.task = nil
	}
	c.setState(cstate.Stopped)
	parent := c.parent
	c.mu.Unlock()

	if parent != nil {
		parent.refreshIdleSoftLimit()
	}
	return nil
}

// killWithEscalation implements S5: SIGTERM, wait up to kill_timeout_ms,
// SIGKILL, wait up to stop_timeout_ms, else declare stuck.
func (c *Container) killWithEscalation() error {
	killTimeout := time.Duration(c.PropertyUint64("kill_timeout_ms")) * time.Millisecond
	stopTimeout := time.Duration(c.PropertyUint64("stop_timeout_ms")) * time.Millisecond
	if killTimeout == 0 {
		killTimeout = 10 * time.Second
	}
	if stopTimeout == 0 {
		stopTimeout = 10 * time.Second
	}

	unix.Kill(c.task.RootPid, unix.SIGTERM)
	if _, err := c.task.Wait(killTimeout); err == nil {
		return nil
	}

	unix.Kill(c.task.RootPid, unix.SIGKILL)
	if _, err := c.task.Wait(stopTimeout); err != nil {
		return perrors.New(perrors.Unknown, "container %s stuck after SIGKILL", c.name)
	}
	return nil
}

// Pause implements Running->Paused, propagating to every descendant.
func (c *Container) Pause() error {
	c.mu.Lock()
	if c.lostAndRestored {
		c.mu.Unlock()
		return perrors.New(perrors.InvalidState, "container %s is lost-and-restored, only Destroy is permitted", c.name)
	}
	if c.state != cstate.Running && c.state != cstate.Meta {
		c.mu.Unlock()
		return perrors.New(perrors.InvalidState, "cannot pause container in state %s", c.state)
	}
	c.setState(cstate.Paused)
	children := append([]*Container(nil), c.children...)
	c.mu.Unlock()

	for _, ch := range children {
		if err := ch.Pause(); err != nil {
			log.WithField("child", ch.name).WithError(err).Warn("pause child failed during cascade")
		}
	}
	return c.freeze()
}

// Resume implements Paused->Running, refusing if any ancestor is
// Paused.
func (c *Container) Resume() error {
	if p := c.parent; p != nil {
		if p.State() == cstate.Paused {
			return perrors.New(perrors.InvalidState, "parent %s is paused", p.name)
		}
	}

	c.mu.Lock()
	if c.lostAndRestored {
		c.mu.Unlock()
		return perrors.New(perrors.InvalidState, "container %s is lost-and-restored, only Destroy is permitted", c.name)
	}
	if c.state != cstate.Paused {
		c.mu.Unlock()
		return perrors.New(perrors.InvalidState, "cannot resume container in state %s", c.state)
	}
	c.setState(cstate.Running)
	children := append([]*Container(nil), c.children...)
	c.mu.Unlock()

	if err := c.unfreeze(); err != nil {
		return err
	}
	for _, ch := range children {
		if err := ch.Resume(); err != nil {
			log.WithField("child", ch.name).WithError(err).Warn("resume child failed during cascade")
		}
	}
	return nil
}

// Destroy implements the cascading rule: resume if Paused, kill if
// Running, stop if not already Stopped, then release every held
// resource — called by Holder, which afterward removes the container
// from the id table and name index and erases its Kv record. Like
// Start, it requires acquisition (I6): two concurrent Destroy calls,
// or a Destroy racing a Start, on the same container are mutually
// exclusive, and an acquired ancestor blocks this one too.
func (c *Container) Destroy() error {
	c.mu.Lock()
	if c.acquired || c.ancestorAcquired() {
		c.mu.Unlock()
		return perrors.New(perrors.InvalidState, "container %s is acquired by a concurrent operation", c.name)
	}
	c.acquired = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.acquired = false
		c.mu.Unlock()
	}()

	switch c.State() {
	case cstate.Paused:
		c.Resume()
	}
	if c.State() != cstate.Stopped {
		if err := c.Stop(); err != nil {
			return err
		}
	}
	return c.freeResources()
}

// ancestorAcquired reports whether any ancestor of c currently holds
// the acquisition lock — acquisition is recursive (I6): a Destroy
// cascading down through a parent must block a concurrent Start or
// Destroy on any of its descendants just as much as the descendant's
// own acquired flag would. Never checks c itself — callers already
// hold c.mu and test c.acquired directly under that same lock.
func (c *Container) ancestorAcquired() bool {
	for n := c.parent; n != nil; n = n.parent {
		n.mu.Lock()
		acquired := n.acquired
		n.mu.Unlock()
		if acquired {
			return true
		}
	}
	return false
}

// Kill sends sig directly to the task's root pid without the
// escalation ladder Stop uses.
func (c *Container) Kill(sig unix.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil {
		return perrors.New(perrors.InvalidState, "container %s has no running task", c.name)
	}
	return unix.Kill(c.task.RootPid, sig)
}

func (c *Container) setState(s cstate.Status) {
	c.state = s
	c.notifyWaiters(s)
}

func nowMs() uint64 { return uint64(time.Now().UnixMilli()) }
