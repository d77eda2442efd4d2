// Package cstate holds the container Status enum shared by the
// property map and the container/holder packages, split out to avoid
// a dependency cycle between them. Adapted from the teacher's
// top-level state.go (Created/Running/Pausing/Paused/Destroyed/Init)
// onto the state machine named in the component design.
package cstate

// Status is one node of the container state machine.
type Status int

const (
	Stopped Status = iota
	Running
	Paused
	Meta
	Dead
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Meta:
		return "meta"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}
