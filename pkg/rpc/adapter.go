package rpc

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/portod/portod/internal/container"
	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/holder"
	"github.com/portod/portod/internal/perrors"
	"github.com/portod/portod/internal/property"
)

// CoreAdapter implements Core directly against a Holder, with no
// transport in between — this is the seam an RPC server (out of
// scope) would sit behind, and the seam tests drive Core through.
type CoreAdapter struct {
	h *holder.Holder
}

func NewCoreAdapter(h *holder.Holder) *CoreAdapter {
	return &CoreAdapter{h: h}
}

func (a *CoreAdapter) Create(name string, owner, caller Credentials) error {
	if owner.Privileged && !caller.Privileged {
		return perrors.New(perrors.Permission, "only a privileged caller may create a privileged container")
	}
	_, err := a.h.Create(name, container.Credentials{
		UID:        owner.UID,
		GID:        owner.GID,
		SuppGIDs:   owner.SuppGIDs,
		Privileged: owner.Privileged,
	})
	return err
}

func (a *CoreAdapter) Destroy(name string) error {
	return a.h.Destroy(name)
}

func (a *CoreAdapter) Start(name string) error {
	c, err := a.h.Get(name)
	if err != nil {
		return err
	}
	return c.Start()
}

func (a *CoreAdapter) Stop(name string) error {
	c, err := a.h.Get(name)
	if err != nil {
		return err
	}
	return c.Stop()
}

func (a *CoreAdapter) Pause(name string) error {
	c, err := a.h.Get(name)
	if err != nil {
		return err
	}
	return c.Pause()
}

func (a *CoreAdapter) Resume(name string) error {
	c, err := a.h.Get(name)
	if err != nil {
		return err
	}
	return c.Resume()
}

func (a *CoreAdapter) Kill(name string, sig int) error {
	c, err := a.h.Get(name)
	if err != nil {
		return err
	}
	return c.Kill(unix.Signal(sig))
}

func (a *CoreAdapter) Set(name, prop, value string, caller Credentials) error {
	c, err := a.h.Get(name)
	if err != nil {
		return err
	}
	return c.Properties().Set(property.Caller{UID: caller.UID, Privileged: caller.Privileged}, prop, value)
}

// Get is unrestricted regardless of caller, matching the original's
// own GetProperty, which never checks client credentials either; the
// parameter exists for symmetry with Set and to give callers one
// consistent Core signature shape to drive from a real RPC handler.
func (a *CoreAdapter) Get(name, prop string, caller Credentials) (string, error) {
	c, err := a.h.Get(name)
	if err != nil {
		return "", err
	}
	v, err := c.Properties().Get(prop)
	if err != nil {
		return "", err
	}
	return v.ToString(), nil
}

// GetData is Get restricted to the "data" namespace at the protocol
// level; internal/property.Map doesn't distinguish the two lookup
// paths (both go through the same registry), so this is a thin alias.
func (a *CoreAdapter) GetData(name, data string) (string, error) {
	return a.Get(name, data, Credentials{})
}

func (a *CoreAdapter) List() ([]string, error) {
	return a.h.List(), nil
}

type waitOutcome struct {
	name  string
	state string
	ok    bool
}

// Wait implements §6's Wait(names,timeout): each name is waited on
// concurrently for its first change away from the state it had when
// the wait began, each with the same timeout, and one WaitResult is
// returned per name — TimedOut when no change came in time (an
// unknown name is reported as timed out too).
func (a *CoreAdapter) Wait(names []string, timeout time.Duration) ([]WaitResult, error) {
	if len(names) == 0 {
		return nil, perrors.New(perrors.InvalidValue, "wait requires at least one container name")
	}
	results := make(chan waitOutcome, len(names))
	for _, name := range names {
		name := name
		c, err := a.h.Get(name)
		if err != nil {
			results <- waitOutcome{name: name, ok: false}
			continue
		}
		go func() {
			// An empty filter matches the current state at once, so
			// wait on every status except the current one instead.
			cur := c.State()
			var others []cstate.Status
			for _, s := range []cstate.Status{cstate.Stopped, cstate.Running, cstate.Paused, cstate.Meta, cstate.Dead} {
				if s != cur {
					others = append(others, s)
				}
			}
			state, ok := c.Wait(others, timeout)
			results <- waitOutcome{name: name, state: state.String(), ok: ok}
		}()
	}

	// Every per-name wait ends by its own timeout, so collecting one
	// outcome per name is bounded by the same timeout overall.
	var out []WaitResult
	for i := 0; i < len(names); i++ {
		r := <-results
		out = append(out, WaitResult{Name: r.name, State: r.state, TimedOut: !r.ok})
	}
	return out, nil
}
