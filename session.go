package tracekit

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// NameMax bounds the length of a session name.
const NameMax = 255

// ChannelSettings is the per-channel buffering configuration carried by a
// session. While the session is pending, these are requests; once allocated,
// they hold the final values the buffer engine reported back.
type ChannelSettings struct {
	Name        string        `json:"name"`
	SubbufSize  int           `json:"subbuf_size"`
	SubbufCount int           `json:"subbuf_count"`
	Overwrite   bool          `json:"overwrite"`
	SwitchTimer time.Duration `json:"switch_timer"`
	ReadTimer   time.Duration `json:"read_timer"`
}

// Session is one independently controllable unit of capture, with its own
// channels, transport, and active/inactive state. Sessions are created and
// mutated through a Registry; the exported methods here are read-only and
// safe to call from lock-free readers once the session is in the active
// collection.
type Session struct {
	name string
	id   ulid.ULID

	// refs governs deferred destruction: one reference per holder, release
	// runs only at zero. Initialized when the session is allocated.
	refs    atomic.Int64
	release func(*Session)

	// active is the capture flag, read by the hot path without the registry
	// lock.
	active atomic.Bool

	// filterRelease unpins the filter owner pinned at Start; guarded by the
	// registry lock.
	filterRelease func()

	transport Transport
	settings  []ChannelSettings
	channels  []ChannelHandle

	// Start timestamps, latched as a consistent pair at allocation.
	startWall   time.Time
	startCycles uint64
	startFreq   uint64
	freqScale   uint64
}

func newSession(name string) *Session {
	s := &Session{
		name:     name,
		id:       ulid.Make(),
		settings: make([]ChannelSettings, NumChannels()),
	}

	for i, chname := range Channels() {
		size, count := Classify(chname)
		s.settings[i] = ChannelSettings{
			Name:        chname,
			SubbufSize:  size,
			SubbufCount: count,
		}
	}

	// The metadata channel can never overwrite; newSession makes that true
	// from the start, and the registry rejects attempts to change it.
	s.settings[channelIndex(MetadataChannel)].Overwrite = false

	return s
}

// Name returns the session's unique name.
func (s *Session) Name() string { return s.name }

// ID returns the session's immutable instance ID.
func (s *Session) ID() ulid.ULID { return s.id }

// Active reports whether capture is currently enabled.
func (s *Session) Active() bool { return s.active.Load() }

// Transport returns the assigned transport, or nil if none is set.
func (s *Session) Transport() Transport { return s.transport }

// Settings returns a copy of the per-channel settings.
func (s *Session) Settings() []ChannelSettings {
	out := make([]ChannelSettings, len(s.settings))
	copy(out, s.settings)
	return out
}

// Channel returns the allocated handle for the named channel, or nil if the
// session is not allocated or the channel is unknown.
func (s *Session) Channel(name string) ChannelHandle {
	if s.channels == nil {
		return nil
	}
	if i := channelIndex(name); i >= 0 {
		return s.channels[i]
	}
	return nil
}

// StartWall returns the wall-clock time latched when the session was
// allocated.
func (s *Session) StartWall() time.Time { return s.startWall }

// StartCycles returns the monotonic counter value latched when the session
// was allocated.
func (s *Session) StartCycles() uint64 { return s.startCycles }

// StartFrequency returns the counter frequency latched at allocation.
func (s *Session) StartFrequency() uint64 { return s.startFreq }

// FrequencyScale returns the cycle-to-time scale factor latched at
// allocation.
func (s *Session) FrequencyScale() uint64 { return s.freqScale }

// ref takes a reference on the session.
func (s *Session) ref() { s.refs.Add(1) }

// deref releases a reference; the release function runs at zero.
func (s *Session) deref() {
	if s.refs.Add(-1) == 0 && s.release != nil {
		s.release(s)
	}
}

// dumpStructure writes one self-describing record per channel into the
// metadata channel, best effort. These records interleave with live capture,
// which is fine: readers treat them as ordinary events.
func (s *Session) dumpStructure() {
	meta := s.Channel(MetadataChannel)
	w, ok := meta.(io.Writer)
	if !ok {
		return
	}

	for i, cs := range s.settings {
		rec := fmt.Sprintf("channel name=%s index=%d subbuf_size=%d subbuf_count=%d overwrite=%v\n",
			cs.Name, i, cs.SubbufSize, cs.SubbufCount, cs.Overwrite)
		if _, err := w.Write([]byte(rec)); err != nil {
			return
		}
	}
}
