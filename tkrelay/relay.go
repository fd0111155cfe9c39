// Package tkrelay provides the relay transport, registered under the name
// "relay". Completed sub-buffers are published to an in-process broker rather
// than stored: live consumers subscribe through Stream, or over HTTP as
// server-sent events via StreamServer. Records published while nobody
// subscribes are gone; that is the point of a relay.
package tkrelay

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tracekit/tracekit"
	"github.com/tracekit/tracekit/internal/tkpub"
	"github.com/tracekit/tracekit/internal/tkring"
)

// TransportName is the registry key for this transport.
const TransportName = "relay"

// Record is one completed sub-buffer, annotated with its origin.
type Record struct {
	Session string `json:"session"`
	Channel string `json:"channel"`
	Seq     uint64 `json:"seq"`
	Data    []byte `json:"data"`
}

// Stats counts delivery outcomes for one finished subscription.
type Stats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

// Transport is the relay transport and its own buffer engine.
type Transport struct {
	broker *tkpub.Broker
}

// New returns a relay transport with an empty broker.
func New() *Transport {
	return &Transport{broker: tkpub.NewBroker()}
}

// Name implements tracekit.Transport.
func (t *Transport) Name() string { return TransportName }

// Owner implements tracekit.Transport. The relay holds no external resources,
// so it is built in.
func (t *Transport) Owner() *tracekit.Unit { return nil }

// CreateOutput implements tracekit.Transport. Subscribers are the output.
func (t *Transport) CreateOutput(s *tracekit.Session) error { return nil }

// RemoveOutput implements tracekit.Transport.
func (t *Transport) RemoveOutput(s *tracekit.Session) error { return nil }

// Engine implements tracekit.Transport.
func (t *Transport) Engine() tracekit.BufferEngine { return t }

// Stream subscribes fn to the records matching allow (nil allows all), with a
// delivery buffer of buf records, and blocks until ctx is canceled or fn
// returns an error. It returns the subscription's delivery stats.
func (t *Transport) Stream(ctx context.Context, buf int, allow func(Record) bool, fn func(Record) error) (Stats, error) {
	if buf <= 0 {
		buf = 10
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var allowPub func(tkpub.Record) bool
	if allow != nil {
		allowPub = func(rec tkpub.Record) bool { return allow(Record(rec)) }
	}

	c := make(chan tkpub.Record, buf)

	var fnErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case rec := <-c:
				if err := fn(Record(rec)); err != nil {
					fnErr = err
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	stats, err := t.broker.Subscribe(ctx, allowPub, c)

	// Join the consumer before touching fnErr: cancellation can end the
	// subscription while a callback is still in flight.
	<-done
	if fnErr != nil {
		err = fnErr
	} else if errors.Is(err, context.Canceled) {
		err = nil
	}
	return Stats(stats), err
}

//
//
//

// CreateChannel implements tracekit.BufferEngine.
func (t *Transport) CreateChannel(cfg tracekit.ChannelConfig) (tracekit.ChannelHandle, error) {
	if cfg.Session == nil {
		return nil, errors.Wrap(tracekit.ErrInvalidArgument, "channel without a session")
	}

	size, count := tracekit.Normalize(cfg.SubbufSize, cfg.SubbufCount)

	h := &Handle{
		transport: t,
		session:   cfg.Session.Name(),
		name:      cfg.Name,
	}
	h.ring = tkring.New(size, count, cfg.Overwrite, h.publish)

	if cfg.SwitchTimer > 0 {
		h.stop = make(chan struct{})
		h.stopped = make(chan struct{})
		go h.switchLoop(cfg.SwitchTimer)
	}

	return h, nil
}

// DestroyChannel implements tracekit.BufferEngine: it stops the switch timer
// and publishes whatever the current sub-buffer holds.
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

	h.ring.Switch()
	return nil
}

//
//
//

// Handle is one relayed channel buffer.
type Handle struct {
	transport *Transport
	session   string
	name      string
	ring      *tkring.Ring

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

// Stats reports the records accepted and dropped by the channel.
func (h *Handle) Stats() (written, lost uint64) { return h.ring.Stats() }

func (h *Handle) publish(sb tkring.SubBuffer) {
	h.transport.broker.Publish(tkpub.Record{
		Session: h.session,
		Channel: h.name,
		Seq:     sb.Seq,
		Data:    sb.Data,
	})
}

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
