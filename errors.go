package tracekit

import "github.com/cockroachdb/errors"

// Error kinds returned by registry and lifecycle operations. Callers match
// with errors.Is; operations attach context with errors.Wrapf, so the
// sentinel is always recoverable from the returned error.
var (
	// ErrNameInUse is returned when creating a session whose name already
	// exists in either the pending or the active collection.
	ErrNameInUse = errors.New("session name already in use")

	// ErrNotFound is returned for an unknown session, channel, or transport
	// name.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for requests that are illegal regardless
	// of current state, such as enabling overwrite on the metadata channel or
	// allocating a session with no transport assigned.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy is returned when destroying a session whose capture is on.
	ErrBusy = errors.New("session busy")

	// ErrNoDevice is returned when a required capability or transport cannot
	// be pinned because its owning unit is absent or unloading.
	ErrNoDevice = errors.New("capability unavailable")

	// ErrOutOfMemory is returned when a collaborator reports an allocation
	// failure.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrAlreadyRegistered is returned on duplicate capability or transport
	// registration.
	ErrAlreadyRegistered = errors.New("already registered")
)
