package tracekit

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/tracekit/tracekit/internal/tkgrace"
)

// Registry is the central authority for trace sessions: it owns the pending
// and active collections, the global lock serializing all mutation, and the
// process-wide capture indicators.
//
// Writers (every exported lifecycle operation) take the registry lock.
// Readers on the event-emission hot path never do: the active collection is
// published as an atomically-swapped copy-on-write snapshot, so a reader that
// observes a session in the snapshot observes it fully constructed, and a
// session is unlinked and quiesced before anything it owns is torn down.
type Registry struct {
	logger zerolog.Logger
	clock  Clock
	exts   *Extensions

	mtx        sync.Mutex
	pending    []*Session                 // head-insert, most recent first
	active     atomic.Pointer[[]*Session] // copy-on-write snapshot, most recent first
	grace      tkgrace.Grace
	transports []Transport

	// numActive counts sessions with capture on. Hot-path readers load it
	// without the registry lock as an optimistic hint for whether to bother
	// with filter evaluation; stale reads are acceptable there.
	numActive atomic.Int64

	// tracingActive is raised while any allocated session exists.
	tracingActive atomic.Bool
}

// NewRegistry returns an empty registry with a system clock, a no-op logger,
// and default extension slots.
func NewRegistry() *Registry {
	return &Registry{
		logger: zerolog.Nop(),
		clock:  SystemClock(),
		exts:   NewExtensions(),
	}
}

// SetLogger replaces the registry's logger.
func (r *Registry) SetLogger(logger zerolog.Logger) *Registry {
	r.logger = logger
	return r
}

// SetClock replaces the registry's time source.
func (r *Registry) SetClock(clock Clock) *Registry {
	r.clock = clock
	return r
}

// Extensions returns the registry's extension slots.
func (r *Registry) Extensions() *Extensions { return r.exts }

//
//
//

// RegisterTransport appends the transport to the tail of the transport list.
// Fails with ErrAlreadyRegistered if a transport with the same name exists.
// Registration takes the registry lock, so transport selection by sessions
// never races with list mutation.
func (r *Registry) RegisterTransport(t Transport) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, existing := range r.transports {
		if existing.Name() == t.Name() {
			return errors.Wrapf(ErrAlreadyRegistered, "transport %q", t.Name())
		}
	}
	r.transports = append(r.transports, t)
	return nil
}

// UnregisterTransport removes the named transport from the list. Callers must
// guarantee no session still references it; that precondition is not enforced
// here.
func (r *Registry) UnregisterTransport(name string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for i, t := range r.transports {
		if t.Name() == name {
			r.transports = append(r.transports[:i], r.transports[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "transport %q", name)
}

// Transports returns the registered transport names, in registration order.
func (r *Registry) Transports() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	names := make([]string, len(r.transports))
	for i, t := range r.transports {
		names[i] = t.Name()
	}
	return names
}

// findTransport must be called with the registry lock held. First match by
// exact name.
func (r *Registry) findTransport(name string) Transport {
	for _, t := range r.transports {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

//
//
//

func (r *Registry) loadActive() []*Session {
	if p := r.active.Load(); p != nil {
		return *p
	}
	return nil
}

// storeActive publishes a new active snapshot. Must be called with the
// registry lock held; the old snapshot is never mutated, only replaced.
func (r *Registry) storeActive(list []*Session) {
	r.active.Store(&list)
}

// findActive must be called with the registry lock held.
func (r *Registry) findActive(name string) *Session {
	for _, s := range r.loadActive() {
		if s.name == name {
			return s
		}
	}
	return nil
}

// findPending must be called with the registry lock held.
func (r *Registry) findPending(name string) *Session {
	for _, s := range r.pending {
		if s.name == name {
			return s
		}
	}
	return nil
}

func (r *Registry) removePending(target *Session) {
	for i, s := range r.pending {
		if s == target {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

func (r *Registry) insertActive(s *Session) {
	old := r.loadActive()
	list := make([]*Session, 0, len(old)+1)
	list = append(list, s)
	list = append(list, old...)
	r.storeActive(list)
}

func (r *Registry) removeActive(target *Session) {
	old := r.loadActive()
	list := make([]*Session, 0, len(old))
	for _, s := range old {
		if s != target {
			list = append(list, s)
		}
	}
	r.storeActive(list)
}

//
//
//

// CreateSession creates a named session in the pending collection, with
// preset defaults applied to every registered channel. Fails with
// ErrNameInUse if the name exists in either collection.
func (r *Registry) CreateSession(name string) error {
	if name == "" || len(name) > NameMax {
		return errors.Wrapf(ErrInvalidArgument, "session name %q", name)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.findPending(name) != nil || r.findActive(name) != nil {
		return errors.Wrapf(ErrNameInUse, "session %q", name)
	}

	s := newSession(name)
	r.pending = append([]*Session{s}, r.pending...)

	r.logger.Debug().Str("session", name).Stringer("id", s.id).Msg("session created")
	return nil
}

// SetTransport assigns the named transport to a pending session.
func (r *Registry) SetTransport(name, transportName string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	s := r.findPending(name)
	if s == nil {
		return errors.Wrapf(ErrNotFound, "pending session %q", name)
	}
	t := r.findTransport(transportName)
	if t == nil {
		return errors.Wrapf(ErrNotFound, "transport %q", transportName)
	}

	s.transport = t
	return nil
}

// withPendingChannel runs fn against one channel's settings on a pending
// session, under the registry lock.
func (r *Registry) withPendingChannel(name, channel string, fn func(*ChannelSettings) error) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	s := r.findPending(name)
	if s == nil {
		return errors.Wrapf(ErrNotFound, "pending session %q", name)
	}
	i := channelIndex(channel)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "channel %q", channel)
	}
	return fn(&s.settings[i])
}

// SetChannelSubbufSize sets the requested sub-buffer size, in bytes, for one
// channel of a pending session.
func (r *Registry) SetChannelSubbufSize(name, channel string, size int) error {
	return r.withPendingChannel(name, channel, func(cs *ChannelSettings) error {
		cs.SubbufSize = size
		return nil
	})
}

// SetChannelSubbufCount sets the requested sub-buffer count for one channel
// of a pending session.
func (r *Registry) SetChannelSubbufCount(name, channel string, count int) error {
	return r.withPendingChannel(name, channel, func(cs *ChannelSettings) error {
		cs.SubbufCount = count
		return nil
	})
}

// SetChannelSwitchTimer sets the switch timer interval for one channel of a
// pending session.
func (r *Registry) SetChannelSwitchTimer(name, channel string, interval time.Duration) error {
	return r.withPendingChannel(name, channel, func(cs *ChannelSettings) error {
		cs.SwitchTimer = interval
		return nil
	})
}

// SetChannelReadTimer sets the read timer interval for one channel of a
// pending session.
func (r *Registry) SetChannelReadTimer(name, channel string, interval time.Duration) error {
	return r.withPendingChannel(name, channel, func(cs *ChannelSettings) error {
		cs.ReadTimer = interval
		return nil
	})
}

// SetChannelOverwrite sets the overwrite-on-full flag for one channel of a
// pending session. Enabling overwrite on the metadata channel is rejected
// with ErrInvalidArgument: that data is what makes the session readable.
func (r *Registry) SetChannelOverwrite(name, channel string, overwrite bool) error {
	if overwrite && channel == MetadataChannel {
		return errors.Wrap(ErrInvalidArgument, "metadata channel cannot overwrite")
	}
	return r.withPendingChannel(name, channel, func(cs *ChannelSettings) error {
		cs.Overwrite = overwrite
		return nil
	})
}

//
//
//

// Allocate transitions a pending session to the active collection: pins the
// transport's owner, creates output resources, latches the start timestamps,
// allocates every channel buffer in settings order, then links the session
// into the active collection and waits for quiescence. Any per-channel
// failure rolls back everything this call allocated and leaves the session
// pending and unaltered.
func (r *Registry) Allocate(name string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	s := r.findPending(name)
	if s == nil {
		return errors.Wrapf(ErrNotFound, "pending session %q", name)
	}
	if s.transport == nil {
		return errors.Wrapf(ErrInvalidArgument, "session %q has no transport", name)
	}

	owner := s.transport.Owner()
	if !owner.TryPin() {
		return errors.Wrapf(ErrNoDevice, "transport %q", s.transport.Name())
	}

	if err := s.transport.CreateOutput(s); err != nil {
		owner.Unpin()
		return errors.Wrapf(err, "create output for session %q", name)
	}

	// Latch the start timestamps as a consistent pair: the counter and the
	// wall clock are read back to back under the registry lock, so consumers
	// observe them as simultaneous.
	startFreq := r.clock.Frequency()
	freqScale := r.clock.FrequencyScale()
	startCycles := r.clock.ReadCounter()
	startWall := r.clock.WallClockNow()

	// Channel handles and engine-adjusted geometry accumulate in scratch and
	// are committed to the session only once every channel exists, so a
	// failed allocation leaves the pending session exactly as configured.
	engine := s.transport.Engine()
	channels := make([]ChannelHandle, len(s.settings))
	settings := make([]ChannelSettings, len(s.settings))
	copy(settings, s.settings)
	for i := range settings {
		cs := &settings[i]
		size, count := Normalize(cs.SubbufSize, cs.SubbufCount)
		h, err := engine.CreateChannel(ChannelConfig{
			Session:     s,
			Name:        cs.Name,
			SubbufSize:  size,
			SubbufCount: count,
			Overwrite:   cs.Overwrite,
			SwitchTimer: cs.SwitchTimer,
			ReadTimer:   cs.ReadTimer,
		})
		if err != nil {
			// Roll back: tear down previously allocated channels in reverse
			// order, release output resources and the transport pin.
			for j := i - 1; j >= 0; j-- {
				if derr := engine.DestroyChannel(channels[j]); derr != nil {
					r.logger.Warn().Err(derr).Str("session", name).Str("channel", settings[j].Name).Msg("rollback teardown failed")
				}
			}
			if rerr := s.transport.RemoveOutput(s); rerr != nil {
				r.logger.Warn().Err(rerr).Str("session", name).Msg("rollback remove output failed")
			}
			owner.Unpin()
			return errors.Wrapf(err, "create channel %q for session %q", cs.Name, name)
		}

		// The engine may have adjusted the geometry; its values are final.
		cs.SubbufSize = h.SubbufSize()
		cs.SubbufCount = h.SubbufCount()
		channels[i] = h
	}

	s.settings = settings
	s.channels = channels
	s.startFreq = startFreq
	s.freqScale = freqScale
	s.startCycles = startCycles
	s.startWall = startWall

	s.refs.Store(1)
	s.release = r.releaseSession

	r.removePending(s)
	wasEmpty := len(r.loadActive()) == 0
	r.insertActive(s)
	if wasEmpty {
		r.tracingActive.Store(true)
	}

	// The snapshot swap above is what readers race with; wait out anyone
	// still iterating the old snapshot before returning.
	r.grace.Synchronize()

	r.logger.Info().Str("session", name).Str("transport", s.transport.Name()).Msg("session allocated")
	return nil
}

// releaseSession runs when a session's reference count reaches zero: it tears
// down every channel buffer, releases the output resources, and drops the
// transport pin. By construction no holder is left when it runs, so nothing
// can observe the channels it destroys.
func (r *Registry) releaseSession(s *Session) {
	engine := s.transport.Engine()
	for i, h := range s.channels {
		if h == nil {
			continue
		}
		if err := engine.DestroyChannel(h); err != nil {
			r.logger.Warn().Err(err).Str("session", s.name).Str("channel", s.settings[i].Name).Msg("channel teardown failed")
		}
	}
	s.channels = nil
	if err := s.transport.RemoveOutput(s); err != nil {
		r.logger.Warn().Err(err).Str("session", s.name).Msg("remove output failed")
	}
	s.transport.Owner().Unpin()
}

// Start enables capture on an allocated session: pins the filter capability,
// raises the session's active flag, and bumps the active-session counter.
// After releasing the lock it triggers the session structure dump and the
// registered state-dump producer, both best effort; their records interleave
// with live capture.
func (r *Registry) Start(name string) error {
	r.mtx.Lock()

	s := r.findActive(name)
	if s == nil {
		r.mtx.Unlock()
		return errors.Wrapf(ErrNotFound, "session %q", name)
	}
	if s.Active() {
		r.mtx.Unlock()
		r.logger.Info().Str("session", name).Msg("capture already active")
		return nil
	}

	release, err := r.exts.PinFilterOwner()
	if err != nil {
		r.mtx.Unlock()
		return errors.Wrapf(err, "start session %q", name)
	}
	s.filterRelease = release

	// Hold a reference across the dumps: a concurrent stop-then-destroy can
	// proceed, but the channel teardown waits until the dumps let go.
	s.ref()

	s.active.Store(true)
	r.numActive.Add(1)
	r.mtx.Unlock()

	s.dumpStructure()
	if err := r.exts.DumpState(s); err != nil {
		r.logger.Warn().Err(err).Str("session", name).Msg("state dump unavailable")
	}
	s.deref()

	r.logger.Info().Str("session", name).Msg("capture started")
	return nil
}

// Stop disables capture on an allocated session, waits for any producer
// mid-emission to drain, and releases the filter pin. Stopping a session
// whose capture is already off is a logged no-op.
func (r *Registry) Stop(name string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	s := r.findActive(name)
	if s == nil {
		return errors.Wrapf(ErrNotFound, "session %q", name)
	}

	r.stopLocked(s)
	return nil
}

// stopLocked must be called with the registry lock held.
func (r *Registry) stopLocked(s *Session) {
	if !s.Active() {
		r.logger.Info().Str("session", s.name).Msg("capture not active")
		return
	}

	s.active.Store(false)
	r.numActive.Add(-1)

	// Wait for producers mid-emission to finish before the caller assumes no
	// more events from this session will arrive.
	r.grace.Synchronize()

	if s.filterRelease != nil {
		s.filterRelease()
		s.filterRelease = nil
	}

	r.logger.Info().Str("session", s.name).Msg("capture stopped")
}

// Destroy removes a session. A pending session is discarded immediately: no
// reader path could ever have observed it. An allocated session must have
// capture stopped first (ErrBusy otherwise); it is unlinked from the active
// collection, quiesced, and then its channels are torn down outside the lock,
// with the reference count governing the final release.
func (r *Registry) Destroy(name string) error {
	r.mtx.Lock()

	if s := r.findActive(name); s != nil {
		if s.Active() {
			r.mtx.Unlock()
			return errors.Wrapf(ErrBusy, "session %q capture is on", name)
		}

		r.removeActive(s)
		if len(r.loadActive()) == 0 {
			r.tracingActive.Store(false)
		}
		r.grace.Synchronize()
		r.mtx.Unlock()

		// Dropping the registry's reference outside the lock: quiescence
		// guarantees no snapshot reader still touches the session, and any
		// remaining holder defers the channel teardown until it lets go.
		s.deref()

		r.logger.Info().Str("session", name).Msg("session destroyed")
		return nil
	}

	if s := r.findPending(name); s != nil {
		r.removePending(s)
		r.mtx.Unlock()

		r.logger.Debug().Str("session", name).Msg("pending session discarded")
		return nil
	}

	r.mtx.Unlock()
	return errors.Wrapf(ErrNotFound, "session %q", name)
}

// FilterControl proxies a filter administration message to the registered
// filter-control capability, on behalf of an allocated session.
func (r *Registry) FilterControl(msg FilterControlMessage, name string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	s := r.findActive(name)
	if s == nil {
		return errors.Wrapf(ErrNotFound, "session %q", name)
	}
	return r.exts.ControlFilter(msg, s)
}

// Provision creates a session, assigns it a transport, and allocates it, in
// one call.
func (r *Registry) Provision(name, transportName string) error {
	if err := r.CreateSession(name); err != nil {
		return err
	}
	if err := r.SetTransport(name, transportName); err != nil {
		return err
	}
	return r.Allocate(name)
}

// Close drains the registry: stops every active session, waits for quiescence
// once, destroys every allocated session, and discards every pending session.
// Per-session failures are logged, never propagated, so one stuck session
// cannot block teardown of the rest.
func (r *Registry) Close() error {
	r.mtx.Lock()

	var stopped []*Session
	for _, s := range r.loadActive() {
		if !s.Active() {
			continue
		}
		s.active.Store(false)
		r.numActive.Add(-1)
		stopped = append(stopped, s)
	}
	r.grace.Synchronize()
	for _, s := range stopped {
		if s.filterRelease != nil {
			s.filterRelease()
			s.filterRelease = nil
		}
	}

	victims := r.loadActive()
	r.storeActive(nil)
	r.tracingActive.Store(false)
	r.grace.Synchronize()

	r.pending = nil
	r.mtx.Unlock()

	for _, s := range victims {
		s.deref()
	}

	r.logger.Info().Int("sessions", len(victims)).Msg("registry closed")
	return nil
}

//
//
//

// TracingActive reports whether any allocated session exists. Hot-path
// callers use it to decide whether to attempt emission at all.
func (r *Registry) TracingActive() bool { return r.tracingActive.Load() }

// ActiveCount returns the number of sessions with capture on. Read without
// the registry lock; the value is a best-effort hint and may be stale with
// respect to concurrent start/stop calls.
func (r *Registry) ActiveCount() int64 { return r.numActive.Load() }

// EachActive walks the current active-collection snapshot without taking the
// registry lock, calling fn for each session until it returns false. The
// walk runs inside a grace section: sessions observed here are fully
// constructed and will not be torn down until the walk exits.
func (r *Registry) EachActive(fn func(*Session) bool) {
	token := r.grace.Enter()
	defer r.grace.Exit(token)

	for _, s := range r.loadActive() {
		if !fn(s) {
			return
		}
	}
}

// Emit offers one record to every capturing session, through the filter. It
// is the producer-side hot path: no locks, one snapshot load, one grace
// section.
func (r *Registry) Emit(channel string, data []byte) {
	if !r.tracingActive.Load() || r.numActive.Load() == 0 {
		return
	}

	token := r.grace.Enter()
	defer r.grace.Exit(token)

	for _, s := range r.loadActive() {
		if !s.active.Load() {
			continue
		}
		if !r.exts.InvokeFilter(EventContext{Session: s.name, Channel: channel, Data: data}) {
			continue
		}
		if w, ok := s.Channel(channel).(io.Writer); ok {
			w.Write(data) //nolint:errcheck // full buffers drop records, producers don't block
		}
	}
}

//
//
//

// SessionState labels which collection a session is in.
type SessionState string

const (
	// StatePending marks a created but unallocated session.
	StatePending SessionState = "pending"

	// StateActive marks an allocated session, whether or not capture is on.
	StateActive SessionState = "active"
)

// SessionInfo is a static description of a session, for control surfaces.
type SessionInfo struct {
	Name      string            `json:"name"`
	ID        string            `json:"id"`
	State     SessionState      `json:"state"`
	Capturing bool              `json:"capturing"`
	Transport string            `json:"transport,omitempty"`
	StartWall time.Time         `json:"start_wall"`
	Channels  []ChannelSettings `json:"channels"`
}

func makeInfo(s *Session, state SessionState) SessionInfo {
	info := SessionInfo{
		Name:      s.name,
		ID:        s.id.String(),
		State:     state,
		Capturing: s.Active(),
		StartWall: s.startWall,
		Channels:  s.Settings(),
	}
	if s.transport != nil {
		info.Transport = s.transport.Name()
	}
	return info
}

// Info describes one session by name, in either collection.
func (r *Registry) Info(name string) (SessionInfo, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if s := r.findActive(name); s != nil {
		return makeInfo(s, StateActive), nil
	}
	if s := r.findPending(name); s != nil {
		return makeInfo(s, StatePending), nil
	}
	return SessionInfo{}, errors.Wrapf(ErrNotFound, "session %q", name)
}

// Sessions describes every session, active first, each collection most
// recent first.
func (r *Registry) Sessions() []SessionInfo {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	infos := make([]SessionInfo, 0, len(r.loadActive())+len(r.pending))
	for _, s := range r.loadActive() {
		infos = append(infos, makeInfo(s, StateActive))
	}
	for _, s := range r.pending {
		infos = append(infos, makeInfo(s, StatePending))
	}
	return infos
}
