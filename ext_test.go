package tracekit

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestExtensionSingleOwner(t *testing.T) {
	t.Parallel()

	e := NewExtensions()
	owner1 := NewUnit("one")
	owner2 := NewUnit("two")

	accept := func(EventContext) bool { return true }
	control := func(FilterControlMessage, *Session) error { return nil }
	dump := func(*Session) error { return nil }

	assertEqual(t, e.RegisterFilter(accept, owner1), nil)
	assertEqual(t, errors.Is(e.RegisterFilter(accept, owner2), ErrAlreadyRegistered), true)

	assertEqual(t, e.RegisterFilterControl(control, owner1), nil)
	assertEqual(t, errors.Is(e.RegisterFilterControl(control, owner2), ErrAlreadyRegistered), true)

	assertEqual(t, e.RegisterStateDump(dump, owner1), nil)
	assertEqual(t, errors.Is(e.RegisterStateDump(dump, owner2), ErrAlreadyRegistered), true)

	// Unregister then re-register succeeds.
	e.UnregisterFilterControl()
	assertEqual(t, e.RegisterFilterControl(control, owner2), nil)

	e.UnregisterFilter()
	assertEqual(t, e.RegisterFilter(accept, owner2), nil)

	e.UnregisterStateDump()
	assertEqual(t, e.RegisterStateDump(dump, owner2), nil)
}

func TestExtensionDefaults(t *testing.T) {
	t.Parallel()

	e := NewExtensions()

	// The default filter accepts everything, with no owner to pin.
	assertEqual(t, e.InvokeFilter(EventContext{Channel: "kernel"}), true)

	release, err := e.PinFilterOwner()
	assertEqual(t, err, nil)
	release()

	// The default control and dump implementations are pinnable no-ops.
	assertEqual(t, e.ControlFilter(FilterDefaultAccept, nil), nil)
	assertEqual(t, e.DumpState(nil), nil)

	// Unknown control messages are rejected.
	assertEqual(t, errors.Is(e.ControlFilter(FilterControlMessage(42), nil), ErrInvalidArgument), true)
}

func TestExtensionPinFailsWhileUnloading(t *testing.T) {
	t.Parallel()

	e := NewExtensions()
	owner := NewUnit("ext")

	rejectAll := func(EventContext) bool { return false }
	assertEqual(t, e.RegisterFilter(rejectAll, owner), nil)
	assertEqual(t, e.InvokeFilter(EventContext{}), false)

	owner.Unload()

	_, err := e.PinFilterOwner()
	assertEqual(t, errors.Is(err, ErrNoDevice), true)

	// The filter-control slot still holds its pinnable default.
	assertEqual(t, e.ControlFilter(FilterDefaultAccept, nil), nil)
}

func TestExtensionRegistrationValidation(t *testing.T) {
	t.Parallel()

	e := NewExtensions()

	assertEqual(t, errors.Is(e.RegisterFilter(nil, NewUnit("x")), ErrInvalidArgument), true)
	assertEqual(t, errors.Is(e.RegisterFilter(func(EventContext) bool { return true }, nil), ErrInvalidArgument), true)
}
