package container

import (
	"os"
	"time"

	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/perrors"
	"github.com/portod/portod/internal/property"
)

// freeze/unfreeze drive the freezer cgroup controller, toggled the
// same way a Paused/Running transition does on the teacher's own
// cgroup freezer toggle.
func (c *Container) freeze() error {
	h, ok := c.cgroups["freezer"]
	if !ok {
		return nil
	}
	return h.Freeze()
}

func (c *Container) unfreeze() error {
	h, ok := c.cgroups["freezer"]
	if !ok {
		return nil
	}
	return h.Unfreeze()
}

// watchExit blocks on the task's exit, then drives the Running->Dead
// transition, propagates the same check up through any Meta ancestor
// that has now lost its last running child, and, if respawn is
// configured, schedules a Respawn.
func (c *Container) watchExit() {
	c.mu.Lock()
	t := c.task
	c.mu.Unlock()
	code, err := t.Wait(24 * 365 * time.Hour)

	c.mu.Lock()
	if c.task != t {
		// Stop already took this task down and moved the container on.
		c.mu.Unlock()
		return
	}
	c.lastExit = code
	c.deathTimeMs = nowMs()
	c.props.SetData("exit_status", property.Int64(int64(code)))
	c.props.SetData("death_time", property.Uint64(c.deathTimeMs))
	c.props.SetData("oom_killed", property.Bool(c.oomKilled))
	c.setState(cstate.Dead)
	c.unwatchOOM()
	parent := c.parent
	c.mu.Unlock()

	if parent != nil {
		parent.onChildDead()
		parent.refreshIdleSoftLimit()
	}

	if err != nil {
		log.WithField("container", c.name).WithError(err).Warn("task wait returned an error")
	}

	if c.shouldRespawn() {
		delay := time.Duration(c.PropertyUint64("respawn_delay_ms")) * time.Millisecond
		if delay == 0 {
			delay = time.Second
		}
		time.AfterFunc(delay, func() {
			if err := c.Respawn(); err != nil {
				log.WithField("container", c.name).WithError(err).Warn("respawn failed")
			}
		})
	}
}

// shouldRespawn implements S4: respawn=true and (max_respawns<0 or
// respawn_count<max_respawns).
func (c *Container) shouldRespawn() bool {
	respawn, err := c.props.Get("respawn")
	if err != nil || !respawn.B {
		return false
	}
	maxVal, err := c.props.Get("max_respawns")
	if err != nil {
		return true
	}
	if maxVal.I < 0 {
		return true
	}
	return int64(c.respawnCount) < maxVal.I
}

// onChildDead implements §4.6's "Meta --(all children exit)--> Dead
// (only if this meta has no direct task)": called by a child right
// after it reaches Dead, it checks whether every one of this
// container's children is now Dead too, and if so — and this
// container is a childless-of-task Meta, not Running itself — drives
// it to Dead as well, propagating the same check to its own parent in
// turn so a whole idle chain collapses in one pass.
func (c *Container) onChildDead() {
	c.mu.Lock()
	if c.state != cstate.Meta || c.task != nil {
		c.mu.Unlock()
		return
	}
	// Snapshot and release before calling State() on each child — a
	// child's own lock must never be acquired while c.mu is held, the
	// same ordering Stop/Pause/Resume's cascades already rely on, since
	// Start's ancestorAcquired check takes the opposite order (a
	// container's own lock held while probing an ancestor's).
	children := append([]*Container(nil), c.children...)
	c.mu.Unlock()

	for _, ch := range children {
		if ch.State() != cstate.Dead {
			return
		}
	}

	c.mu.Lock()
	if c.state != cstate.Meta || c.task != nil {
		c.mu.Unlock()
		return
	}
	c.deathTimeMs = nowMs()
	c.props.SetData("death_time", property.Uint64(c.deathTimeMs))
	c.setState(cstate.Dead)
	parent := c.parent
	c.mu.Unlock()

	if parent != nil {
		parent.onChildDead()
	}
}

// Respawn implements Dead->Running, incrementing respawn_count.
func (c *Container) Respawn() error {
	c.mu.Lock()
	if c.state != cstate.Dead {
		c.mu.Unlock()
		return perrors.New(perrors.InvalidState, "cannot respawn container in state %s", c.state)
	}
	c.respawnCount++
	c.props.SetData("respawn_count", property.Uint64(uint64(c.respawnCount)))
	// Start only accepts Stopped; the step off Dead is not announced
	// to waiters, since Start moves straight on to Running.
	c.state = cstate.Stopped
	c.mu.Unlock()
	return c.Start()
}

// RotateLogs truncates a defaulted stdout/stderr file in place once it
// exceeds stdout_limit, the original_source/property.cpp-derived
// supplemented feature (SPEC_FULL §3): only the daemon's own defaulted
// log files are managed this way, never a client-specified path.
func (c *Container) RotateLogs() {
	limit := c.PropertyUint64("stdout_limit")
	if limit == 0 {
		return
	}
	if !c.props.HasValue("stdout_path") {
		truncateIfOversize(c.props.TranslatePath(c.stringProp("stdout_path")), limit)
	}
	if !c.props.HasValue("stderr_path") {
		truncateIfOversize(c.props.TranslatePath(c.stringProp("stderr_path")), limit)
	}
}

func truncateIfOversize(path string, limit uint64) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil || uint64(info.Size()) <= limit {
		return
	}
	if err := os.Truncate(path, 0); err != nil {
		log.WithField("path", path).WithError(err).Warn("log rotate truncate failed")
	}
}

// freeResources releases every host resource this container holds:
// leaf cgroups, the Tclass, the loop device, and defaulted stdio
// files — called both by Destroy and by Start's own failure-path
// unwind (§4.5 Failure semantics).
func (c *Container) freeResources() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for name, h := range c.cgroups {
		record(h.Remove())
		delete(c.cgroups, name)
	}

	c.deprovisionTclass()
	c.unwatchOOM()

	if c.loopIndex >= 0 && c.loops != nil {
		record(c.loops.Detach(c.loopIndex))
		c.loopIndex = -1
	}

	// Only the daemon's own defaulted stdio files are cleaned up here;
	// a user-specified stdout_path/stderr_path outlives the container.
	if !c.props.HasValue("stdout_path") {
		os.Remove(c.props.TranslatePath(c.stringProp("stdout_path")))
	}
	if !c.props.HasValue("stderr_path") {
		os.Remove(c.props.TranslatePath(c.stringProp("stderr_path")))
	}

	return firstErr
}
