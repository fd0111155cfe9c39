// Package tkfile provides the file transport, registered under the name
// "file". Each session gets its own directory under the transport root, each
// channel its own file within it; completed sub-buffers are appended to the
// channel file as they switch, so the on-disk image trails live capture by at
// most one sub-buffer.
package tkfile

import (
	"os"
	"path"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/tracekit/tracekit"
	"github.com/tracekit/tracekit/internal/tkring"
)

// TransportName is the registry key for this transport.
const TransportName = "file"

// Transport is the file-backed transport and its own buffer engine.
type Transport struct {
	fs    afero.Fs
	root  string
	owner *tracekit.Unit
}

// New returns a file transport writing under root on the given filesystem,
// creating root if needed.
func New(fs afero.Fs, root string) (*Transport, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create transport root %q", root)
	}
	return &Transport{
		fs:    fs,
		root:  root,
		owner: tracekit.NewUnit(TransportName),
	}, nil
}

// Name implements tracekit.Transport.
func (t *Transport) Name() string { return TransportName }

// Owner implements tracekit.Transport.
func (t *Transport) Owner() *tracekit.Unit { return t.owner }

// Shutdown refuses new sessions and blocks until every session holding the
// transport has been destroyed.
func (t *Transport) Shutdown() { t.owner.Unload() }

// CreateOutput implements tracekit.Transport: it creates the session's output
// directory. A leftover directory from an earlier run is an error, not
// something to silently reuse.
func (t *Transport) CreateOutput(s *tracekit.Session) error {
	dir := path.Join(t.root, s.Name())
	if ok, err := afero.DirExists(t.fs, dir); err != nil {
		return errors.Wrapf(err, "probe output dir %q", dir)
	} else if ok {
		return errors.Wrapf(tracekit.ErrNameInUse, "output dir %q", dir)
	}
	if err := t.fs.Mkdir(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create output dir %q", dir)
	}
	return nil
}

// RemoveOutput implements tracekit.Transport. The captured files are the
// whole point of this transport, so removal releases the directory handle
// relationship but leaves the data on disk.
func (t *Transport) RemoveOutput(s *tracekit.Session) error { return nil }

// Engine implements tracekit.Transport.
func (t *Transport) Engine() tracekit.BufferEngine { return t }

//
//
//

// CreateChannel implements tracekit.BufferEngine.
func (t *Transport) CreateChannel(cfg tracekit.ChannelConfig) (tracekit.ChannelHandle, error) {
	if cfg.Session == nil {
		return nil, errors.Wrap(tracekit.ErrInvalidArgument, "channel without a session")
	}

	name := path.Join(t.root, cfg.Session.Name(), cfg.Name)
	f, err := t.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create channel file %q", name)
	}

	size, count := tracekit.Normalize(cfg.SubbufSize, cfg.SubbufCount)

	h := &Handle{
		transport: t,
		name:      cfg.Name,
		file:      f,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	h.ring = tkring.New(size, count, cfg.Overwrite, h.consume)

	go h.timerLoop(cfg.SwitchTimer, cfg.ReadTimer)

	return h, nil
}

// DestroyChannel implements tracekit.BufferEngine: it flushes the partial
// current sub-buffer, stops the timers, and closes the channel file. Any
// write failure observed during the channel's lifetime surfaces here.
func (t *Transport) DestroyChannel(ch tracekit.ChannelHandle) error {
	h, ok := ch.(*Handle)
	if !ok || h.transport != t {
		return errors.Wrap(tracekit.ErrInvalidArgument, "foreign channel handle")
	}

	close(h.stop)
	<-h.stopped

	h.ring.Switch()

	h.mtx.Lock()
	werr := h.err
	h.mtx.Unlock()

	if cerr := h.file.Close(); cerr != nil && werr == nil {
		werr = cerr
	}
	return errors.Wrapf(werr, "channel %q", h.name)
}

//
//
//

// Handle is one file-backed channel buffer.
type Handle struct {
	transport *Transport
	name      string
	ring      *tkring.Ring
	file      afero.File

	stop    chan struct{}
	stopped chan struct{}

	mtx sync.Mutex
	err error // first write or sync failure, reported at teardown
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

// consume appends one completed sub-buffer to the channel file.
func (h *Handle) consume(sb tkring.SubBuffer) {
	if _, err := h.file.Write(sb.Data); err != nil {
		h.mtx.Lock()
		if h.err == nil {
			h.err = err
		}
		h.mtx.Unlock()
	}
}

func (h *Handle) timerLoop(switchEvery, syncEvery time.Duration) {
	defer close(h.stopped)

	var switchC, syncC <-chan time.Time
	if switchEvery > 0 {
		t := time.NewTicker(switchEvery)
		defer t.Stop()
		switchC = t.C
	}
	if syncEvery > 0 {
		t := time.NewTicker(syncEvery)
		defer t.Stop()
		syncC = t.C
	}

	for {
		select {
		case <-switchC:
			h.ring.Switch()
		case <-syncC:
			if err := h.file.Sync(); err != nil {
				h.mtx.Lock()
				if h.err == nil {
					h.err = err
				}
				h.mtx.Unlock()
			}
		case <-h.stop:
			return
		}
	}
}
