// Package tkring provides a fixed-geometry ring of sub-buffers, the in-memory
// storage primitive behind channel buffer engines. A ring has a fixed number
// of sub-buffers of a fixed byte size; records are appended to the current
// sub-buffer, and when a record doesn't fit, the ring switches to the next
// sub-buffer. Geometry is established at construction and never changes.
package tkring

import (
	"errors"
	"sync"
)

// ErrRecordTooLarge is returned by Write when a single record exceeds the
// sub-buffer size and can therefore never be stored.
var ErrRecordTooLarge = errors.New("record larger than sub-buffer size")

// SubBuffer is one completed segment of a ring.
type SubBuffer struct {
	Seq  uint64 // switch sequence number, strictly increasing per ring
	Data []byte // record bytes, owned by the receiver
}

// OnSwitch is invoked with each completed sub-buffer. When a ring is
// constructed with a non-nil OnSwitch, completed sub-buffers are considered
// consumed by the callback and their slots are immediately reusable.
type OnSwitch func(SubBuffer)

// Ring is a fixed set of sub-buffers written as a ring. All methods are safe
// for concurrent use.
type Ring struct {
	mtx       sync.Mutex
	size      int  // bytes per sub-buffer
	overwrite bool // full-ring policy: overwrite oldest vs. drop newest
	onSwitch  OnSwitch

	slots []slot
	cur   int    // index of the sub-buffer being filled
	seq   uint64 // next switch sequence number
	resid int    // completed sub-buffers resident in the ring

	written uint64 // records accepted
	lost    uint64 // records dropped
}

type slot struct {
	buf      []byte
	seq      uint64
	complete bool
}

// New returns a ring of count sub-buffers of size bytes each. The caller is
// expected to have normalized the geometry beforehand; New does not adjust
// it. If onSwitch is non-nil it receives every completed sub-buffer.
func New(size, count int, overwrite bool, onSwitch OnSwitch) *Ring {
	slots := make([]slot, count)
	for i := range slots {
		slots[i].buf = make([]byte, 0, size)
	}
	return &Ring{
		size:      size,
		overwrite: overwrite,
		onSwitch:  onSwitch,
		slots:     slots,
	}
}

// SubbufSize returns the per-sub-buffer byte size.
func (r *Ring) SubbufSize() int { return r.size }

// SubbufCount returns the number of sub-buffers.
func (r *Ring) SubbufCount() int { return len(r.slots) }

// Write appends one record to the ring. If the record doesn't fit in the
// current sub-buffer, the ring switches first. A full ring either reclaims
// the oldest sub-buffer (overwrite mode) or drops the record (discard mode).
func (r *Ring) Write(rec []byte) error {
	if len(rec) > r.size {
		return ErrRecordTooLarge
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	cur := &r.slots[r.cur]
	if len(cur.buf)+len(rec) > r.size {
		if !r.switchLocked() {
			r.lost++
			return nil
		}
		cur = &r.slots[r.cur]
	}

	cur.buf = append(cur.buf, rec...)
	r.written++
	return nil
}

// Switch force-completes the current sub-buffer, if it holds any data. Used
// by switch timers to bound the latency of record delivery.
func (r *Ring) Switch() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(r.slots[r.cur].buf) == 0 {
		return
	}
	r.switchLocked()
}

// switchLocked completes the current sub-buffer and advances the cursor.
// Returns false if the ring is full in discard mode, in which case the
// cursor does not advance and the caller must drop the pending record.
func (r *Ring) switchLocked() bool {
	next := r.cur + 1
	if next >= len(r.slots) {
		next = 0
	}

	if r.slots[next].complete {
		if !r.overwrite {
			return false
		}
		// Overwrite mode reclaims the oldest completed sub-buffer.
		r.slots[next].buf = r.slots[next].buf[:0]
		r.slots[next].complete = false
		r.resid--
	}

	cur := &r.slots[r.cur]
	cur.seq = r.seq
	r.seq++

	if r.onSwitch != nil {
		// The callback consumes the data; hand it a copy so the slot can be
		// reused immediately.
		data := make([]byte, len(cur.buf))
		copy(data, cur.buf)
		r.onSwitch(SubBuffer{Seq: cur.seq, Data: data})
		cur.buf = cur.buf[:0]
	} else {
		cur.complete = true
		r.resid++
	}

	r.cur = next
	return true
}

// Walk calls fn for each resident completed sub-buffer, oldest first, then
// for the partially-filled current sub-buffer if it holds any data. Walk
// holds the ring lock for its duration.
func (r *Ring) Walk(fn func(SubBuffer) error) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	// Completed slots, ordered by sequence. With a fixed geometry the resident
	// set is contiguous behind the cursor, so scan forward from cur+1.
	for i := 1; i <= len(r.slots); i++ {
		s := &r.slots[(r.cur+i)%len(r.slots)]
		if !s.complete {
			continue
		}
		if err := fn(SubBuffer{Seq: s.seq, Data: s.buf}); err != nil {
			return err
		}
	}

	if cur := &r.slots[r.cur]; len(cur.buf) > 0 {
		return fn(SubBuffer{Seq: r.seq, Data: cur.buf})
	}
	return nil
}

// Stats reports the number of records accepted and dropped.
func (r *Ring) Stats() (written, lost uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.written, r.lost
}
