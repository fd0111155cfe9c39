package tkrelay_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"

	"github.com/tracekit/tracekit"
	"github.com/tracekit/tracekit/tkrelay"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want) {
		t.Fatalf("have %v, want %v", have, want)
	}
}

// newRelaySession provisions a capturing session with small kernel and fs
// sub-buffers, so a handful of emissions is enough to complete one.
func newRelaySession(t *testing.T, relay *tkrelay.Transport) *tracekit.Registry {
	t.Helper()

	r := tracekit.NewRegistry()
	assertEqual(t, r.RegisterTransport(relay), nil)
	assertEqual(t, r.CreateSession("t1"), nil)
	assertEqual(t, r.SetTransport("t1", tkrelay.TransportName), nil)
	for _, channel := range []string{"kernel", "fs"} {
		assertEqual(t, r.SetChannelSubbufSize("t1", channel, tracekit.PageSize), nil)
		assertEqual(t, r.SetChannelSubbufCount("t1", channel, 2), nil)
	}
	assertEqual(t, r.Allocate("t1"), nil)
	assertEqual(t, r.Start("t1"), nil)
	return r
}

func TestStreamDelivery(t *testing.T) {
	t.Parallel()

	relay := tkrelay.New()
	r := newRelaySession(t, relay)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv := make(chan tkrelay.Record, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := relay.Stream(ctx, 16, nil, func(rec tkrelay.Record) error {
			recv <- rec
			return nil
		})
		if err != nil {
			t.Errorf("stream: %v", err)
		}
	}()

	// Publication only reaches live subscribers, so emit until the
	// subscription is demonstrably receiving. Each full-sub-buffer record
	// forces the previous one to complete and publish.
	full := bytes.Repeat([]byte("x"), tracekit.PageSize)
	var rec tkrelay.Record
	deadline := time.After(5 * time.Second)
loop:
	for {
		r.Emit("kernel", full)
		select {
		case rec = <-recv:
			break loop
		case <-deadline:
			t.Fatal("no record delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	assertEqual(t, rec.Session, "t1")
	assertEqual(t, rec.Channel, "kernel")
	assertEqual(t, len(rec.Data), tracekit.PageSize)

	cancel()
	<-done
}

func TestStreamFilter(t *testing.T) {
	t.Parallel()

	relay := tkrelay.New()
	r := newRelaySession(t, relay)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	allow := func(rec tkrelay.Record) bool { return rec.Channel == "fs" }

	recv := make(chan tkrelay.Record, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Stream(ctx, 16, allow, func(rec tkrelay.Record) error { //nolint:errcheck
			recv <- rec
			return nil
		})
	}()

	full := bytes.Repeat([]byte("x"), tracekit.PageSize)
	var rec tkrelay.Record
	deadline := time.After(5 * time.Second)
loop:
	for {
		r.Emit("kernel", full)
		r.Emit("fs", full)
		select {
		case rec = <-recv:
			break loop
		case <-deadline:
			t.Fatal("no record delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	assertEqual(t, rec.Channel, "fs")

	// Nothing from the filtered channel ever arrives.
	cancel()
	<-done
	for {
		select {
		case rec := <-recv:
			assertEqual(t, rec.Channel, "fs")
		default:
			return
		}
	}
}

func TestStreamCallbackErrorEndsSubscription(t *testing.T) {
	t.Parallel()

	relay := tkrelay.New()
	r := newRelaySession(t, relay)
	defer r.Close()

	errBoom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		_, err := relay.Stream(context.Background(), 16, nil, func(tkrelay.Record) error {
			return errBoom
		})
		done <- err
	}()

	full := bytes.Repeat([]byte("x"), tracekit.PageSize)
	deadline := time.After(5 * time.Second)
	for {
		r.Emit("kernel", full)
		select {
		case err := <-done:
			assertEqual(t, errors.Is(err, errBoom), true)
			return
		case <-deadline:
			t.Fatal("stream did not end")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStreamJoinsInFlightCallback(t *testing.T) {
	t.Parallel()

	relay := tkrelay.New()
	r := newRelaySession(t, relay)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errBoom := errors.New("boom")
	inFlight := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool

	done := make(chan error, 1)
	go func() {
		_, err := relay.Stream(ctx, 16, nil, func(tkrelay.Record) error {
			once.Do(func() { close(inFlight) })
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return errBoom
		})
		done <- err
	}()

	// Emit until a callback is in flight, then cancel mid-callback.
	full := bytes.Repeat([]byte("x"), tracekit.PageSize)
	deadline := time.After(5 * time.Second)
loop:
	for {
		r.Emit("kernel", full)
		select {
		case <-inFlight:
			break loop
		case <-deadline:
			t.Fatal("no callback started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	// Stream returns only after the callback completed, and reports its
	// error rather than the cancellation.
	err := <-done
	assertEqual(t, finished.Load(), true)
	assertEqual(t, errors.Is(err, errBoom), true)
}

func TestStreamServerPreconditions(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(tkrelay.NewStreamServer(tkrelay.New()))
	defer server.Close()

	resp, err := http.Post(server.URL, "text/plain", nil)
	assertEqual(t, err, nil)
	resp.Body.Close()
	assertEqual(t, resp.StatusCode, http.StatusMethodNotAllowed)

	resp, err = http.Get(server.URL) // no Accept: text/event-stream
	assertEqual(t, err, nil)
	resp.Body.Close()
	assertEqual(t, resp.StatusCode, http.StatusPreconditionRequired)
}
