package tracekit

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// testHandle is a minimal writable channel handle for registry tests. Writes
// landing after the handle was destroyed are counted, not tolerated.
type testHandle struct {
	mtx        sync.Mutex
	name       string
	size       int
	count      int
	buf        bytes.Buffer
	closed     bool
	writeDelay time.Duration
	lateWrites int
}

func (h *testHandle) Name() string     { return h.name }
func (h *testHandle) SubbufSize() int  { return h.size }
func (h *testHandle) SubbufCount() int { return h.count }

func (h *testHandle) Write(p []byte) (int, error) {
	if h.writeDelay > 0 {
		time.Sleep(h.writeDelay)
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.closed {
		h.lateWrites++
	}
	return h.buf.Write(p)
}

// testEngine records creations and teardowns, and can fail creation of a
// specific channel.
type testEngine struct {
	mtx        sync.Mutex
	created    []*testHandle
	destroyed  []string
	failOn     string
	writeDelay time.Duration
}

func (e *testEngine) CreateChannel(cfg ChannelConfig) (ChannelHandle, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if cfg.Name == e.failOn {
		return nil, errors.Wrapf(ErrOutOfMemory, "channel %q", cfg.Name)
	}

	h := &testHandle{name: cfg.Name, size: cfg.SubbufSize, count: cfg.SubbufCount, writeDelay: e.writeDelay}
	e.created = append(e.created, h)
	return h, nil
}

func (e *testEngine) DestroyChannel(h ChannelHandle) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	th := h.(*testHandle)
	th.mtx.Lock()
	th.closed = true
	th.mtx.Unlock()
	e.destroyed = append(e.destroyed, th.name)
	return nil
}

type testTransport struct {
	name    string
	owner   *Unit
	engine  *testEngine
	outputs map[string]bool
	failOut bool
}

func newTestTransport(name string) *testTransport {
	return &testTransport{
		name:    name,
		owner:   NewUnit(name + "-unit"),
		engine:  &testEngine{},
		outputs: map[string]bool{},
	}
}

func (t *testTransport) Name() string         { return t.name }
func (t *testTransport) Owner() *Unit         { return t.owner }
func (t *testTransport) Engine() BufferEngine { return t.engine }

func (t *testTransport) CreateOutput(s *Session) error {
	if t.failOut {
		return errors.New("output unavailable")
	}
	t.outputs[s.Name()] = true
	return nil
}

func (t *testTransport) RemoveOutput(s *Session) error {
	delete(t.outputs, s.Name())
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *testTransport) {
	t.Helper()
	r := NewRegistry()
	tp := newTestTransport("mem")
	if err := r.RegisterTransport(tp); err != nil {
		t.Fatal(err)
	}
	return r, tp
}

//
//
//

func TestCreateSessionNameUniqueness(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	assertEqual(t, r.CreateSession("t1"), nil)
	assertEqual(t, errors.Is(r.CreateSession("t1"), ErrNameInUse), true) // pending + pending

	assertEqual(t, r.SetTransport("t1", "mem"), nil)
	assertEqual(t, r.Allocate("t1"), nil)
	assertEqual(t, errors.Is(r.CreateSession("t1"), ErrNameInUse), true) // pending + active

	assertEqual(t, errors.Is(r.CreateSession(""), ErrInvalidArgument), true)

	long := make([]byte, NameMax+1)
	for i := range long {
		long[i] = 'x'
	}
	assertEqual(t, errors.Is(r.CreateSession(string(long)), ErrInvalidArgument), true)
}

func TestCreateSessionConcurrent(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.CreateSession(fmt.Sprintf("t%d", i)); err != nil {
				t.Errorf("create t%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	infos := r.Sessions()
	assertEqual(t, len(infos), 2)

	seen := map[string]int{}
	for _, info := range infos {
		seen[info.Name]++
		assertEqual(t, info.State, StatePending)
	}
	assertEqual(t, seen["t0"], 1)
	assertEqual(t, seen["t1"], 1)
}

func TestSameNameConcurrentCreate(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.CreateSession("dup")
		}()
	}
	wg.Wait()
	close(errs)

	var ok, inUse int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNameInUse):
			inUse++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assertEqual(t, ok, 1)
	assertEqual(t, inUse, n-1)
}

func TestMetadataOverwriteForbidden(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.CreateSession("t1"), nil)

	info, err := r.Info("t1")
	assertEqual(t, err, nil)
	assertEqual(t, info.Channels[0].Name, MetadataChannel)
	assertEqual(t, info.Channels[0].Overwrite, false)

	err = r.SetChannelOverwrite("t1", MetadataChannel, true)
	assertEqual(t, errors.Is(err, ErrInvalidArgument), true)

	// Still false afterwards, and disabling is accepted.
	info, _ = r.Info("t1")
	assertEqual(t, info.Channels[0].Overwrite, false)
	assertEqual(t, r.SetChannelOverwrite("t1", MetadataChannel, false), nil)

	// Other channels may overwrite.
	assertEqual(t, r.SetChannelOverwrite("t1", "kernel", true), nil)
}

func TestChannelConfiguration(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.CreateSession("t1"), nil)

	assertEqual(t, r.SetChannelSubbufSize("t1", "kernel", 5000), nil)
	assertEqual(t, r.SetChannelSubbufCount("t1", "kernel", 3), nil)
	assertEqual(t, r.SetChannelSwitchTimer("t1", "kernel", time.Second), nil)
	assertEqual(t, r.SetChannelReadTimer("t1", "kernel", 2*time.Second), nil)

	assertEqual(t, errors.Is(r.SetChannelSubbufSize("t1", "bogus", 1), ErrNotFound), true)
	assertEqual(t, errors.Is(r.SetChannelSubbufSize("nope", "kernel", 1), ErrNotFound), true)

	// Allocation normalizes: 5000 -> 8192, 3 -> 4.
	assertEqual(t, r.SetTransport("t1", "mem"), nil)
	assertEqual(t, r.Allocate("t1"), nil)

	info, err := r.Info("t1")
	assertEqual(t, err, nil)
	for _, cs := range info.Channels {
		if cs.Name == "kernel" {
			assertEqual(t, cs.SubbufSize, 8192)
			assertEqual(t, cs.SubbufCount, 4)
		}
	}

	// Allocated sessions are no longer configurable.
	assertEqual(t, errors.Is(r.SetChannelSubbufSize("t1", "kernel", 1<<20), ErrNotFound), true)
	assertEqual(t, errors.Is(r.SetTransport("t1", "mem"), ErrNotFound), true)
}

func TestAllocateRequiresTransport(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.CreateSession("t1"), nil)

	err := r.Allocate("t1")
	assertEqual(t, errors.Is(err, ErrInvalidArgument), true)

	// Still pending, unaltered.
	info, ierr := r.Info("t1")
	assertEqual(t, ierr, nil)
	assertEqual(t, info.State, StatePending)
	assertEqual(t, r.TracingActive(), false)
}

func TestAllocateUnpinnableTransport(t *testing.T) {
	t.Parallel()

	r, tp := newTestRegistry(t)
	assertEqual(t, r.CreateSession("t1"), nil)
	assertEqual(t, r.SetTransport("t1", "mem"), nil)

	tp.owner.Unload()

	err := r.Allocate("t1")
	assertEqual(t, errors.Is(err, ErrNoDevice), true)

	info, _ := r.Info("t1")
	assertEqual(t, info.State, StatePending)
}

func TestAllocateRollback(t *testing.T) {
	t.Parallel()

	r, tp := newTestRegistry(t)
	tp.engine.failOn = "kernel"

	assertEqual(t, r.CreateSession("t1"), nil)
	assertEqual(t, r.SetTransport("t1", "mem"), nil)

	// fd_state allocates before kernel, so a premature settings commit would
	// show up as normalized values on it after the rollback.
	assertEqual(t, r.SetChannelSubbufSize("t1", "fd_state", 5000), nil)
	assertEqual(t, r.SetChannelSubbufCount("t1", "fd_state", 3), nil)

	err := r.Allocate("t1")
	assertEqual(t, errors.Is(err, ErrOutOfMemory), true)

	// Everything allocated before the failure is torn down, in reverse
	// order, and the output directory is released.
	kernelIdx := channelIndex("kernel")
	assertEqual(t, len(tp.engine.destroyed), kernelIdx)
	for i, name := range tp.engine.destroyed {
		assertEqual(t, name, Channels()[kernelIdx-1-i])
	}
	assertEqual(t, len(tp.outputs), 0)

	// The session is still pending and byte-for-byte as configured: requested
	// geometry untouched, timestamps never latched.
	info, _ := r.Info("t1")
	assertEqual(t, info.State, StatePending)
	for _, cs := range info.Channels {
		if cs.Name == "fd_state" {
			assertEqual(t, cs.SubbufSize, 5000)
			assertEqual(t, cs.SubbufCount, 3)
		}
	}
	assertEqual(t, info.StartWall.IsZero(), true)

	tp.engine.failOn = ""
	assertEqual(t, r.Allocate("t1"), nil)

	info, _ = r.Info("t1")
	for _, cs := range info.Channels {
		if cs.Name == "fd_state" {
			assertEqual(t, cs.SubbufSize, 8192)
			assertEqual(t, cs.SubbufCount, 4)
		}
	}
}

func TestTracingActiveIndicator(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.TracingActive(), false)

	assertEqual(t, r.Provision("t1", "mem"), nil)
	assertEqual(t, r.TracingActive(), true)

	assertEqual(t, r.Provision("t2", "mem"), nil)
	assertEqual(t, r.Destroy("t1"), nil)
	assertEqual(t, r.TracingActive(), true)

	assertEqual(t, r.Destroy("t2"), nil)
	assertEqual(t, r.TracingActive(), false)
}

func TestDestroyWhileCapturingIsBusy(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.Provision("t1", "mem"), nil)
	assertEqual(t, r.Start("t1"), nil)

	assertEqual(t, errors.Is(r.Destroy("t1"), ErrBusy), true)

	assertEqual(t, r.Stop("t1"), nil)
	assertEqual(t, r.Destroy("t1"), nil)

	_, err := r.Info("t1")
	assertEqual(t, errors.Is(err, ErrNotFound), true)
}

func TestDestroyDefersToStructureDump(t *testing.T) {
	t.Parallel()

	r, tp := newTestRegistry(t)
	tp.engine.writeDelay = 2 * time.Millisecond

	assertEqual(t, r.Provision("t1", "mem"), nil)

	started := make(chan struct{})
	go func() {
		defer close(started)
		if err := r.Start("t1"); err != nil {
			t.Errorf("start: %v", err)
		}
	}()

	// Stop and destroy while the structure dump is still writing into the
	// metadata channel.
	deadline := time.Now().Add(5 * time.Second)
	for r.ActiveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("capture never started")
		}
		time.Sleep(time.Millisecond)
	}
	assertEqual(t, r.Stop("t1"), nil)
	assertEqual(t, r.Destroy("t1"), nil)
	<-started

	// No dump record landed on a destroyed channel, and the teardown did
	// complete once the dump let go of its reference.
	meta := tp.engine.created[channelIndex(MetadataChannel)]
	meta.mtx.Lock()
	late := meta.lateWrites
	meta.mtx.Unlock()
	assertEqual(t, late, 0)
	assertEqual(t, len(tp.engine.destroyed), NumChannels())
	assertEqual(t, len(tp.outputs), 0)
}

func TestLifecycleScenario(t *testing.T) {
	t.Parallel()

	r, tp := newTestRegistry(t)

	assertEqual(t, r.CreateSession("t1"), nil)
	assertEqual(t, r.SetTransport("t1", "mem"), nil)
	assertEqual(t, r.Allocate("t1"), nil)

	info, err := r.Info("t1")
	assertEqual(t, err, nil)
	assertEqual(t, info.State, StateActive)
	assertEqual(t, info.Transport, "mem")
	for _, cs := range info.Channels {
		if cs.SubbufSize < PageSize || cs.SubbufSize&(cs.SubbufSize-1) != 0 {
			t.Errorf("channel %s: bad sub-buffer size %d", cs.Name, cs.SubbufSize)
		}
		if cs.SubbufCount <= 0 || cs.SubbufCount&(cs.SubbufCount-1) != 0 {
			t.Errorf("channel %s: bad sub-buffer count %d", cs.Name, cs.SubbufCount)
		}
	}

	assertEqual(t, r.Start("t1"), nil)
	info, _ = r.Info("t1")
	assertEqual(t, info.Capturing, true)
	assertEqual(t, r.ActiveCount(), int64(1))

	// Start is idempotent: the counter doesn't double up.
	assertEqual(t, r.Start("t1"), nil)
	assertEqual(t, r.ActiveCount(), int64(1))

	// The structure dump landed in the metadata channel.
	meta := tp.engine.created[channelIndex(MetadataChannel)]
	if meta.buf.Len() == 0 {
		t.Error("expected structure dump records in the metadata channel")
	}

	assertEqual(t, r.Stop("t1"), nil)
	info, _ = r.Info("t1")
	assertEqual(t, info.Capturing, false)
	assertEqual(t, r.ActiveCount(), int64(0))

	// Stop is a logged no-op when capture is off.
	assertEqual(t, r.Stop("t1"), nil)

	assertEqual(t, r.Destroy("t1"), nil)
	_, err = r.Info("t1")
	assertEqual(t, errors.Is(err, ErrNotFound), true)

	// Every channel was torn down and the output released.
	assertEqual(t, len(tp.engine.destroyed), NumChannels())
	assertEqual(t, len(tp.outputs), 0)
}

func TestDestroyPendingImmediate(t *testing.T) {
	t.Parallel()

	r, tp := newTestRegistry(t)
	assertEqual(t, r.CreateSession("t1"), nil)
	assertEqual(t, r.Destroy("t1"), nil)

	_, err := r.Info("t1")
	assertEqual(t, errors.Is(err, ErrNotFound), true)

	// Nothing was ever allocated, so nothing was torn down.
	assertEqual(t, len(tp.engine.destroyed), 0)

	assertEqual(t, errors.Is(r.Destroy("t1"), ErrNotFound), true)
}

func TestEmitThroughFilter(t *testing.T) {
	t.Parallel()

	r, tp := newTestRegistry(t)

	// Emission before any session exists is a cheap no-op.
	r.Emit("kernel", []byte("early"))

	assertEqual(t, r.Provision("t1", "mem"), nil)
	assertEqual(t, r.Start("t1"), nil)

	owner := NewUnit("filter")
	rejectKernel := func(ev EventContext) bool { return ev.Channel != "kernel" }
	assertEqual(t, r.Extensions().RegisterFilter(rejectKernel, owner), nil)

	r.Emit("kernel", []byte("dropped"))
	r.Emit("fs", []byte("kept"))

	var kernelBuf, fsBuf *testHandle
	for _, h := range tp.engine.created {
		switch h.name {
		case "kernel":
			kernelBuf = h
		case "fs":
			fsBuf = h
		}
	}
	assertEqual(t, kernelBuf.buf.String(), "")
	assertEqual(t, fsBuf.buf.String(), "kept")

	// Stopped sessions receive nothing.
	assertEqual(t, r.Stop("t1"), nil)
	r.Emit("fs", []byte("late"))
	assertEqual(t, fsBuf.buf.String(), "kept")
}

func TestFilterControl(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.Provision("t1", "mem"), nil)

	var got []FilterControlMessage
	owner := NewUnit("filter-admin")
	control := func(msg FilterControlMessage, s *Session) error {
		got = append(got, msg)
		return nil
	}
	assertEqual(t, r.Extensions().RegisterFilterControl(control, owner), nil)

	assertEqual(t, r.FilterControl(FilterDefaultAccept, "t1"), nil)
	assertEqual(t, r.FilterControl(FilterDefaultReject, "t1"), nil)
	assertEqual(t, got, []FilterControlMessage{FilterDefaultAccept, FilterDefaultReject})

	assertEqual(t, errors.Is(r.FilterControl(FilterDefaultAccept, "nope"), ErrNotFound), true)
	assertEqual(t, errors.Is(r.FilterControl(FilterControlMessage(9), "t1"), ErrInvalidArgument), true)
}

func TestStartPinsFilterOwner(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.Provision("t1", "mem"), nil)

	owner := NewUnit("filter")
	assertEqual(t, r.Extensions().RegisterFilter(func(EventContext) bool { return true }, owner), nil)

	assertEqual(t, r.Start("t1"), nil)

	// The owner cannot unload while capture holds the pin.
	unloaded := make(chan struct{})
	go func() {
		owner.Unload()
		close(unloaded)
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-unloaded:
		t.Fatal("filter owner unloaded while pinned by a capturing session")
	default:
	}

	assertEqual(t, r.Stop("t1"), nil)

	select {
	case <-unloaded:
	case <-time.After(time.Second):
		t.Fatal("filter owner still pinned after stop")
	}

	// With the filter owner gone, starting fails NoDevice.
	assertEqual(t, errors.Is(r.Start("t1"), ErrNoDevice), true)
}

func TestStateDumpOnStart(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.Provision("t1", "mem"), nil)

	var dumped []string
	owner := NewUnit("statedump")
	dump := func(s *Session) error {
		dumped = append(dumped, s.Name())
		return nil
	}
	assertEqual(t, r.Extensions().RegisterStateDump(dump, owner), nil)

	assertEqual(t, r.Start("t1"), nil)
	assertEqual(t, dumped, []string{"t1"})

	// An unpinnable state dump is logged, not fatal.
	assertEqual(t, r.Stop("t1"), nil)
	owner.Unload()
	assertEqual(t, r.Start("t1"), nil)
	assertEqual(t, dumped, []string{"t1"})
}

func TestEachActiveSnapshot(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assertEqual(t, r.Provision("t1", "mem"), nil)
	assertEqual(t, r.Provision("t2", "mem"), nil)

	var names []string
	r.EachActive(func(s *Session) bool {
		names = append(names, s.Name())
		return true
	})

	// Most recent first.
	assertEqual(t, names, []string{"t2", "t1"})

	// Early exit.
	names = names[:0]
	r.EachActive(func(s *Session) bool {
		names = append(names, s.Name())
		return false
	})
	assertEqual(t, names, []string{"t2"})
}

func TestClose(t *testing.T) {
	t.Parallel()

	r, tp := newTestRegistry(t)
	assertEqual(t, r.Provision("t1", "mem"), nil)
	assertEqual(t, r.Provision("t2", "mem"), nil)
	assertEqual(t, r.Start("t1"), nil)
	assertEqual(t, r.CreateSession("t3"), nil)

	assertEqual(t, r.Close(), nil)

	assertEqual(t, len(r.Sessions()), 0)
	assertEqual(t, r.TracingActive(), false)
	assertEqual(t, r.ActiveCount(), int64(0))
	assertEqual(t, len(tp.outputs), 0)
	assertEqual(t, len(tp.engine.destroyed), 2*NumChannels())
}

func TestSessionTimestamps(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	before := time.Now().UTC().Add(-time.Second)

	assertEqual(t, r.Provision("t1", "mem"), nil)

	var s *Session
	r.EachActive(func(candidate *Session) bool {
		s = candidate
		return false
	})
	if s == nil {
		t.Fatal("session not visible to lock-free readers")
	}

	if s.StartWall().Before(before) {
		t.Errorf("start wall clock %v not latched at allocation", s.StartWall())
	}
	assertEqual(t, s.StartFrequency(), uint64(1e9))
	assertEqual(t, s.FrequencyScale(), uint64(1))
}
