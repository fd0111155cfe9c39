package tracekit

import "time"

// Transport is a pluggable output backend a session binds to at configuration
// time. It manages per-session output resources and supplies the buffer
// engine used during allocation.
type Transport interface {
	// Name is the registry key sessions select by, case-sensitive.
	Name() string

	// Owner is the unit which must stay pinned while a session holds the
	// transport. A nil owner is built in and always pinnable.
	Owner() *Unit

	// CreateOutput prepares per-session output resources, such as an output
	// directory. Called once, before any channel is allocated.
	CreateOutput(s *Session) error

	// RemoveOutput releases the resources created by CreateOutput. Called
	// during the deferred release of the session.
	RemoveOutput(s *Session) error

	// Engine returns the buffer engine channels are allocated with.
	Engine() BufferEngine
}

// ChannelConfig carries the normalized geometry and policy the buffer engine
// receives for one channel.
type ChannelConfig struct {
	Session     *Session
	Parent      ChannelHandle // nil for a top-level channel
	Name        string
	SubbufSize  int
	SubbufCount int
	Overwrite   bool
	SwitchTimer time.Duration
	ReadTimer   time.Duration
}

// BufferEngine is the channel/buffer storage collaborator. The core drives it
// during allocation and teardown and otherwise never looks inside.
type BufferEngine interface {
	// CreateChannel allocates buffer storage for one channel. The engine may
	// adjust the requested geometry; the handle reports the final values,
	// which are what the session retains.
	CreateChannel(cfg ChannelConfig) (ChannelHandle, error)

	// DestroyChannel tears down a handle returned by CreateChannel.
	DestroyChannel(h ChannelHandle) error
}

// ChannelHandle is an allocated channel buffer. Handles that also implement
// io.Writer receive emitted records.
type ChannelHandle interface {
	// Name returns the channel name the handle was created with.
	Name() string

	// SubbufSize returns the final per-sub-buffer size in bytes.
	SubbufSize() int

	// SubbufCount returns the final sub-buffer count.
	SubbufCount() int
}
