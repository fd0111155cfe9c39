package tkpub

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker()

	// No subscribers: Publish is a no-op.
	b.Publish(Record{Session: "t1", Channel: "kernel", Seq: 0})

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Record, 4)

	statc := make(chan Stats, 1)
	go func() {
		stats, _ := b.Subscribe(ctx, func(r Record) bool { return r.Channel == "kernel" }, ch)
		statc <- stats
	}()

	// Wait for the subscription to land.
	deadline := time.Now().Add(time.Second)
	for !b.active.Load() {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}

	b.Publish(Record{Session: "t1", Channel: "kernel", Seq: 1, Data: []byte("x")})
	b.Publish(Record{Session: "t1", Channel: "metadata", Seq: 2}) // filtered out

	select {
	case rec := <-ch:
		if rec.Seq != 1 || rec.Channel != "kernel" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("record not delivered")
	}

	cancel()

	stats := <-statc
	if stats.Sends != 1 || stats.Skips != 1 {
		t.Fatalf("unexpected stats: %s", stats)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := NewBroker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan Record) // unbuffered and never read
	go b.Subscribe(ctx, nil, ch)

	deadline := time.Now().Add(time.Second)
	for !b.active.Load() {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}

	b.Publish(Record{Seq: 1})

	stats, err := b.Stats(ch)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Drops != 1 {
		t.Fatalf("unexpected stats: %s", stats)
	}
}
