package tracekit

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/tracekit/tracekit/internal/tkgrace"
)

// FilterControlMessage selects the behavior of a registered filter-control
// implementation.
type FilterControlMessage int

const (
	// FilterDefaultAccept asks the filter to accept events by default.
	FilterDefaultAccept FilterControlMessage = iota

	// FilterDefaultReject asks the filter to reject events by default.
	FilterDefaultReject
)

// EventContext is what the hot path hands to the filter for an accept/reject
// decision.
type EventContext struct {
	Session string
	Channel string
	Data    []byte
}

// FilterFunc decides whether an event is captured. Invoked from the hot path
// without any lock, so implementations must be safe for unsynchronized
// concurrent use.
type FilterFunc func(EventContext) bool

// FilterControlFunc administers a registered filter on behalf of a session.
type FilterControlFunc func(FilterControlMessage, *Session) error

// StateDumpFunc emits a snapshot of ambient state into a freshly started
// session.
type StateDumpFunc func(*Session) error

type filterSlot struct {
	fn    FilterFunc
	owner *Unit
}

type filterControlSlot struct {
	fn    FilterControlFunc
	owner *Unit
}

type stateDumpSlot struct {
	fn    StateDumpFunc
	owner *Unit
}

// Extensions holds at most one implementation each of the three pluggable
// capabilities: event filtering, filter administration, and state dump. Each
// slot has exactly one owner; a slot with a nil owner holds the default no-op
// implementation and is open for registration.
//
// Registration is serialized by the Extensions' own lock, distinct from any
// session registry lock. Publication happens via an atomic pointer store,
// whose release semantics guarantee the new implementation is fully visible
// before any reader can invoke it.
type Extensions struct {
	mtx   sync.Mutex
	grace tkgrace.Grace

	filter        atomic.Pointer[filterSlot]
	filterControl atomic.Pointer[filterControlSlot]
	stateDump     atomic.Pointer[stateDumpSlot]
}

// NewExtensions returns an Extensions with the default no-op implementation
// installed in every slot.
func NewExtensions() *Extensions {
	e := &Extensions{}
	e.filter.Store(&filterSlot{fn: defaultFilter})
	e.filterControl.Store(&filterControlSlot{fn: defaultFilterControl})
	e.stateDump.Store(&stateDumpSlot{fn: defaultStateDump})
	return e
}

// Default implementations: accept everything, do nothing.
func defaultFilter(EventContext) bool                       { return true }
func defaultFilterControl(FilterControlMessage, *Session) error { return nil }
func defaultStateDump(*Session) error                       { return nil }

// RegisterFilter installs fn as the event filter, owned by owner. Fails with
// ErrAlreadyRegistered if the slot is taken.
func (e *Extensions) RegisterFilter(fn FilterFunc, owner *Unit) error {
	if fn == nil || owner == nil {
		return errors.Wrap(ErrInvalidArgument, "filter registration requires a function and an owner")
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.filter.Load().owner != nil {
		return errors.Wrap(ErrAlreadyRegistered, "filter")
	}
	e.filter.Store(&filterSlot{fn: fn, owner: owner})
	return nil
}

// UnregisterFilter restores the default filter. Because the filter is invoked
// from the unprotected hot path, UnregisterFilter waits out any reader
// currently mid-invocation before returning.
func (e *Extensions) UnregisterFilter() {
	e.mtx.Lock()
	e.filter.Store(&filterSlot{fn: defaultFilter})
	e.mtx.Unlock()

	e.grace.Synchronize()
}

// RegisterFilterControl installs fn as the filter administrator, owned by
// owner. Fails with ErrAlreadyRegistered if the slot is taken.
func (e *Extensions) RegisterFilterControl(fn FilterControlFunc, owner *Unit) error {
	if fn == nil || owner == nil {
		return errors.Wrap(ErrInvalidArgument, "filter-control registration requires a function and an owner")
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.filterControl.Load().owner != nil {
		return errors.Wrap(ErrAlreadyRegistered, "filter-control")
	}
	e.filterControl.Store(&filterControlSlot{fn: fn, owner: owner})
	return nil
}

// UnregisterFilterControl restores the default filter administrator.
func (e *Extensions) UnregisterFilterControl() {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.filterControl.Store(&filterControlSlot{fn: defaultFilterControl})
}

// RegisterStateDump installs fn as the state-dump producer, owned by owner.
// Fails with ErrAlreadyRegistered if the slot is taken.
func (e *Extensions) RegisterStateDump(fn StateDumpFunc, owner *Unit) error {
	if fn == nil || owner == nil {
		return errors.Wrap(ErrInvalidArgument, "state-dump registration requires a function and an owner")
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.stateDump.Load().owner != nil {
		return errors.Wrap(ErrAlreadyRegistered, "state-dump")
	}
	e.stateDump.Store(&stateDumpSlot{fn: fn, owner: owner})
	return nil
}

// UnregisterStateDump restores the default state-dump producer.
func (e *Extensions) UnregisterStateDump() {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.stateDump.Store(&stateDumpSlot{fn: defaultStateDump})
}

// InvokeFilter runs the current filter against the event context. Lock-free:
// callers on the hot path pay one atomic load and a grace section.
func (e *Extensions) InvokeFilter(ev EventContext) bool {
	token := e.grace.Enter()
	defer e.grace.Exit(token)

	return e.filter.Load().fn(ev)
}

// PinFilterOwner pins the current filter implementation's owner, so it cannot
// unload while a session captures through it. Returns the matching release
// function, or ErrNoDevice if the owner is unloading.
func (e *Extensions) PinFilterOwner() (release func(), _ error) {
	owner := e.filter.Load().owner
	if !owner.TryPin() {
		return nil, errors.Wrap(ErrNoDevice, "filter owner")
	}
	return owner.Unpin, nil
}

// ControlFilter pins the filter administrator's owner and dispatches msg for
// the given session.
func (e *Extensions) ControlFilter(msg FilterControlMessage, s *Session) error {
	slot := e.filterControl.Load()
	if !slot.owner.TryPin() {
		return errors.Wrap(ErrNoDevice, "filter-control owner")
	}
	defer slot.owner.Unpin()

	switch msg {
	case FilterDefaultAccept, FilterDefaultReject:
		return slot.fn(msg, s)
	default:
		return errors.Wrapf(ErrInvalidArgument, "filter-control message %d", msg)
	}
}

// DumpState pins the state-dump producer's owner and invokes it for the given
// session.
func (e *Extensions) DumpState(s *Session) error {
	slot := e.stateDump.Load()
	if !slot.owner.TryPin() {
		return errors.Wrap(ErrNoDevice, "state-dump owner")
	}
	defer slot.owner.Unpin()

	return slot.fn(s)
}
