package tkring

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want, cmpopts.EquateErrors()) {
		t.Fatal(cmp.Diff(have, want, cmpopts.EquateErrors()))
	}
}

func contents(r *Ring) []string {
	var out []string
	r.Walk(func(sb SubBuffer) error {
		out = append(out, string(sb.Data))
		return nil
	})
	return out
}

func TestWriteAndSwitch(t *testing.T) {
	t.Parallel()

	r := New(8, 4, false, nil)

	assertEqual(t, r.Write([]byte("aaaa")), nil)
	assertEqual(t, r.Write([]byte("bbbb")), nil)
	assertEqual(t, contents(r), []string{"aaaabbbb"})

	// Third record doesn't fit, forcing a switch.
	assertEqual(t, r.Write([]byte("cccc")), nil)
	assertEqual(t, contents(r), []string{"aaaabbbb", "cccc"})

	r.Switch()
	assertEqual(t, contents(r), []string{"aaaabbbb", "cccc"})

	written, lost := r.Stats()
	assertEqual(t, written, uint64(3))
	assertEqual(t, lost, uint64(0))
}

func TestRecordTooLarge(t *testing.T) {
	t.Parallel()

	r := New(4, 2, false, nil)
	assertEqual(t, r.Write([]byte("12345")), ErrRecordTooLarge)
}

func TestDiscardMode(t *testing.T) {
	t.Parallel()

	// Two sub-buffers of 4 bytes: one completed plus the current one is all
	// the ring can hold before dropping.
	r := New(4, 2, false, nil)

	assertEqual(t, r.Write([]byte("aaaa")), nil)
	assertEqual(t, r.Write([]byte("bbbb")), nil)
	assertEqual(t, r.Write([]byte("cccc")), nil) // dropped

	assertEqual(t, contents(r), []string{"aaaa", "bbbb"})

	written, lost := r.Stats()
	assertEqual(t, written, uint64(2))
	assertEqual(t, lost, uint64(1))
}

func TestOverwriteMode(t *testing.T) {
	t.Parallel()

	r := New(4, 2, true, nil)

	assertEqual(t, r.Write([]byte("aaaa")), nil)
	assertEqual(t, r.Write([]byte("bbbb")), nil)
	assertEqual(t, r.Write([]byte("cccc")), nil) // reclaims "aaaa"

	assertEqual(t, contents(r), []string{"bbbb", "cccc"})

	written, lost := r.Stats()
	assertEqual(t, written, uint64(3))
	assertEqual(t, lost, uint64(0))
}

func TestOnSwitchConsumes(t *testing.T) {
	t.Parallel()

	var got []SubBuffer
	r := New(4, 2, false, func(sb SubBuffer) { got = append(got, sb) })

	assertEqual(t, r.Write([]byte("aaaa")), nil)
	assertEqual(t, r.Write([]byte("bbbb")), nil)
	assertEqual(t, r.Write([]byte("cccc")), nil)
	r.Switch()
	r.Switch() // current is empty, no-op

	assertEqual(t, len(got), 3)
	for i, want := range []string{"aaaa", "bbbb", "cccc"} {
		assertEqual(t, got[i].Seq, uint64(i))
		if !bytes.Equal(got[i].Data, []byte(want)) {
			t.Fatalf("sub-buffer %d: have %q, want %q", i, got[i].Data, want)
		}
	}

	// Consumed slots never become resident.
	assertEqual(t, contents(r), []string(nil))
}
