// Package tkmem provides the in-memory transport, registered under the name
// "mem". Channel buffers are rings of sub-buffers held entirely in process
// memory; captured records stay resident and can be walked back out after the
// fact, which makes it the transport of choice for tests and short-lived
// captures.
package tkmem

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/tracekit/tracekit"
	"github.com/tracekit/tracekit/internal/tkring"
)

// TransportName is the registry key for this transport.
const TransportName = "mem"

// Transport is the in-memory transport and its own buffer engine. A zero
// budget means unbounded.
type Transport struct {
	mtx      sync.Mutex
	budget   int64
	used     int64
	sessions map[string]bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithBudget caps the total buffer memory, in bytes, held across all channels
// of all sessions. Allocations beyond the cap fail with ErrOutOfMemory.
func WithBudget(bytes int64) Option {
	return func(t *Transport) { t.budget = bytes }
}

// New returns an in-memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{sessions: map[string]bool{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements tracekit.Transport.
func (t *Transport) Name() string { return TransportName }

// Owner implements tracekit.Transport. The in-memory transport is built in,
// so it has no unloadable owner.
func (t *Transport) Owner() *tracekit.Unit { return nil }

// CreateOutput implements tracekit.Transport. Memory needs no output
// resources beyond bookkeeping.
func (t *Transport) CreateOutput(s *tracekit.Session) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.sessions[s.Name()] {
		return errors.Wrapf(tracekit.ErrNameInUse, "output for session %q", s.Name())
	}
	t.sessions[s.Name()] = true
	return nil
}

// RemoveOutput implements tracekit.Transport.
func (t *Transport) RemoveOutput(s *tracekit.Session) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	delete(t.sessions, s.Name())
	return nil
}

// Engine implements tracekit.Transport.
func (t *Transport) Engine() tracekit.BufferEngine { return t }

// Used returns the buffer memory currently held, in bytes.
func (t *Transport) Used() int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.used
}

//
//
//

// CreateChannel implements tracekit.BufferEngine.
func (t *Transport) CreateChannel(cfg tracekit.ChannelConfig) (tracekit.ChannelHandle, error) {
	size, count := tracekit.Normalize(cfg.SubbufSize, cfg.SubbufCount)
	total := int64(size) * int64(count)

	t.mtx.Lock()
	if t.budget > 0 && t.used+total > t.budget {
		used, budget := t.used, t.budget
		t.mtx.Unlock()
		return nil, errors.Wrapf(tracekit.ErrOutOfMemory,
			"channel %q needs %s with %s of %s budget in use",
			cfg.Name, humanize.IBytes(uint64(total)), humanize.IBytes(uint64(used)), humanize.IBytes(uint64(budget)))
	}
	t.used += total
	t.mtx.Unlock()

	h := &Handle{
		transport: t,
		name:      cfg.Name,
		ring:      tkring.New(size, count, cfg.Overwrite, nil),
		bytes:     total,
	}

	if cfg.SwitchTimer > 0 {
		h.stop = make(chan struct{})
		h.stopped = make(chan struct{})
		go h.switchLoop(cfg.SwitchTimer)
	}

	return h, nil
}

// DestroyChannel implements tracekit.BufferEngine.
func (t *Transport) DestroyChannel(ch tracekit.ChannelHandle) error {
	h, ok := ch.(*Handle)
	if !ok || h.transport != t {
		return errors.Wrap(tracekit.ErrInvalidArgument, "foreign channel handle")
	}

	if h.stop != nil {
		close(h.stop)
		<-h.stopped
		h.stop = nil
	}

	t.mtx.Lock()
	t.used -= h.bytes
	t.mtx.Unlock()
	return nil
}

//
//
//

// Handle is one in-memory channel buffer. It receives emitted records as an
// io.Writer and serves them back through Walk.
type Handle struct {
	transport *Transport
	name      string
	ring      *tkring.Ring
	bytes     int64

	stop    chan struct{}
	stopped chan struct{}
}

// Name implements tracekit.ChannelHandle.
func (h *Handle) Name() string { return h.name }

// SubbufSize implements tracekit.ChannelHandle.
func (h *Handle) SubbufSize() int { return h.ring.SubbufSize() }

// SubbufCount implements tracekit.ChannelHandle.
func (h *Handle) SubbufCount() int { return h.ring.SubbufCount() }

// Write appends one record to the channel's ring.
func (h *Handle) Write(p []byte) (int, error) {
	if err := h.ring.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Walk visits the resident contents of the channel, oldest sub-buffer first,
// ending with the partially-filled current one.
func (h *Handle) Walk(fn func(seq uint64, data []byte) error) error {
	return h.ring.Walk(func(sb tkring.SubBuffer) error {
		return fn(sb.Seq, sb.Data)
	})
}

// Stats reports the records accepted and dropped by the channel.
func (h *Handle) Stats() (written, lost uint64) { return h.ring.Stats() }

func (h *Handle) switchLoop(interval time.Duration) {
	defer close(h.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.ring.Switch()
		case <-h.stop:
			return
		}
	}
}
