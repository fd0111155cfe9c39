package tkrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/bernerdschaefer/eventsource"
	"github.com/rs/zerolog"
)

// StreamServer serves a transport's record stream as server-sent events. One
// event per completed sub-buffer, JSON-encoded. Query parameters "session"
// and "channel" narrow the stream; "buf" sizes the delivery buffer.
type StreamServer struct {
	transport *Transport
	logger    zerolog.Logger
}

// NewStreamServer returns a StreamServer for the transport.
func NewStreamServer(t *Transport) *StreamServer {
	return &StreamServer{
		transport: t,
		logger:    zerolog.Nop(),
	}
}

// SetLogger replaces the server's logger.
func (s *StreamServer) SetLogger(logger zerolog.Logger) *StreamServer {
	s.logger = logger
	return s
}

func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}

	if !requestExplicitlyAccepts(r, "text/event-stream") {
		http.Error(w, "request must Accept: text/event-stream", http.StatusPreconditionRequired)
		return
	}

	var (
		ctx     = r.Context()
		query   = r.URL.Query()
		session = query.Get("session")
		channel = query.Get("channel")
		buf     = parseDefault(query.Get("buf"), strconv.Atoi, 10)
	)

	allow := func(rec Record) bool {
		if session != "" && rec.Session != session {
			return false
		}
		if channel != "" && rec.Channel != channel {
			return false
		}
		return true
	}

	eventsource.Handler(func(lastID string, encoder *eventsource.Encoder, stop <-chan bool) {
		send := func(rec Record) error {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return encoder.Encode(eventsource.Event{
				Type: "subbuf",
				ID:   strconv.FormatUint(rec.Seq, 10),
				Data: data,
			})
		}

		// The eventsource handler's stop signal has to end the subscription
		// too, not just the response.
		ctx, cancel := contextWithStop(ctx, stop)
		defer cancel()

		stats, err := s.transport.Stream(ctx, buf, allow, send)
		if err != nil {
			s.logger.Warn().Err(err).Msg("stream ended")
		}
		s.logger.Debug().
			Uint64("skips", stats.Skips).
			Uint64("sends", stats.Sends).
			Uint64("drops", stats.Drops).
			Msg("subscription finished")
	}).ServeHTTP(w, r)
}

//
//
//

func requestExplicitlyAccepts(r *http.Request, mimetype string) bool {
	for _, accept := range r.Header.Values("Accept") {
		for _, alt := range strings.Split(accept, ",") {
			alt = strings.TrimSpace(alt)
			if mt, _, found := strings.Cut(alt, ";"); found {
				alt = mt
			}
			if alt == mimetype {
				return true
			}
		}
	}
	return false
}

func parseDefault[T any](s string, parse func(string) (T, error), def T) T {
	if v, err := parse(s); err == nil {
		return v
	}
	return def
}

func contextWithStop(parent context.Context, stop <-chan bool) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
