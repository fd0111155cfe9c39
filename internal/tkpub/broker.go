// Package tkpub provides a broker which fans completed sub-buffer records out
// to subscribers. Publishing never blocks: slow subscribers drop records.
package tkpub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Record is one completed sub-buffer, annotated with its origin.
type Record struct {
	Session string `json:"session"`
	Channel string `json:"channel"`
	Seq     uint64 `json:"seq"`
	Data    []byte `json:"data"`
}

// Broker fans records out to subscribers.
type Broker struct {
	mtx         sync.Mutex
	subscribers map[chan<- Record]*subscriber
	active      atomic.Bool
}

type subscriber struct {
	allow func(Record) bool
	ch    chan<- Record
	stats Stats
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: map[chan<- Record]*subscriber{},
	}
}

// Publish delivers the record to every subscriber whose allow function
// accepts it. Subscribers whose channels are full drop the record.
func (b *Broker) Publish(rec Record) {
	if !b.active.Load() { // optimization
		return
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	for _, sub := range b.subscribers {
		if sub.allow != nil && !sub.allow(rec) {
			sub.stats.Skips++
			continue
		}
		select {
		case sub.ch <- rec:
			sub.stats.Sends++
		default:
			sub.stats.Drops++
		}
	}
}

// Subscribe registers ch to receive records matching allow (nil allows all),
// blocks until ctx is canceled, then unregisters ch and returns its stats.
func (b *Broker) Subscribe(ctx context.Context, allow func(Record) bool, ch chan<- Record) (Stats, error) {
	if err := func() error {
		b.mtx.Lock()
		defer b.mtx.Unlock()

		if _, ok := b.subscribers[ch]; ok {
			return fmt.Errorf("already subscribed")
		}

		b.subscribers[ch] = &subscriber{
			allow: allow,
			ch:    ch,
		}

		b.active.Store(len(b.subscribers) > 0)

		return nil
	}(); err != nil {
		return Stats{}, err
	}

	<-ctx.Done()

	sub := func() *subscriber {
		b.mtx.Lock()
		defer b.mtx.Unlock()

		sub := b.subscribers[ch]
		delete(b.subscribers, ch)

		b.active.Store(len(b.subscribers) > 0)

		return sub
	}()
	if sub == nil {
		return Stats{}, fmt.Errorf("not subscribed (programmer error)")
	}

	return sub.stats, ctx.Err()
}

// Stats reports delivery counters for an active subscription.
func (b *Broker) Stats(ch chan<- Record) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subscribers[ch]
	if !ok {
		return Stats{}, fmt.Errorf("not subscribed")
	}

	return sub.stats, nil
}

// Stats counts per-subscriber delivery outcomes.
type Stats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

func (s Stats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}
