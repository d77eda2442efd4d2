// Package rpc is the contract boundary named in the daemon's external
// interfaces design (§6): the request/response Go types and the Core
// interface an (out-of-scope) line-protocol server would drive. No
// transport, wire codec, or client lives here — only the shapes and
// the one adapter (see adapter.go) that lets Core be driven directly
// against a real internal/holder.Holder in tests.
package rpc

import (
	"time"

	"github.com/portod/portod/internal/perrors"
)

// Credentials mirrors container.Credentials at the RPC boundary,
// duplicated rather than imported so this package never has to know
// about internal/container's concrete type.
type Credentials struct {
	UID      uint32
	GID      uint32
	SuppGIDs []uint32
	// Privileged marks a full-root caller or, for Create, a container
	// that should itself be created privileged (only a Privileged
	// caller may request that).
	Privileged bool
}

// WaitResult is the response to a Wait call: the state the container
// reached, or TimedOut if none of the requested states was reached in
// time.
type WaitResult struct {
	Name     string
	State    string
	TimedOut bool
}

// Error is the wire shape of a failed call, carrying the same
// (kind, message, errno) triple as perrors.TError — Core methods
// return a plain error and AsError extracts this shape from it.
type Error struct {
	Kind    string
	Message string
	Errno   int
}

// AsError converts any error returned by a Core method into the wire
// Error shape, classifying anything that isn't already a *perrors.TError
// as Unknown — the same policy perrors.Wrap uses internally.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	te := perrors.Wrap(err)
	return &Error{Kind: te.Kind.String(), Message: te.Message, Errno: te.Errno}
}

// Core is the full set of operations named in §6: Create, Destroy,
// Start, Stop, Pause, Resume, Kill, Set, Get, GetData, List, Wait.
// internal/holder.Holder plus internal/container.Container together
// implement every one of these; CoreAdapter (adapter.go) is the thin
// seam between the two.
type Core interface {
	// Create makes a new container owned by owner; caller is whoever
	// issued the request, checked separately from owner — only a
	// Privileged caller may hand the new container owner.Privileged.
	Create(name string, owner Credentials, caller Credentials) error
	Destroy(name string) error
	Start(name string) error
	Stop(name string) error
	Pause(name string) error
	Resume(name string) error
	Kill(name string, sig int) error
	// Set and Get take the calling client's own credentials, distinct
	// from the target container's owning credentials, so Superuser and
	// RestrictedRoot properties are checked against whoever is actually
	// making this call.
	Set(name, property, value string, caller Credentials) error
	Get(name, property string, caller Credentials) (string, error)
	GetData(name, data string) (string, error)
	List() ([]string, error)
	Wait(names []string, timeout time.Duration) ([]WaitResult, error)
}
