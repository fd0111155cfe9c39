// Package tkweb serves a registry's lifecycle operations over HTTP, and
// provides the matching typed client. One route per operation, JSON in and
// out, error kinds mapped to status codes.
package tkweb

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tracekit/tracekit"
)

const maxRequestBodySizeBytes = 1 * 1024 * 1024 // 1MB

// Server exposes a registry's control surface.
type Server struct {
	registry *tracekit.Registry
	logger   zerolog.Logger
	router   *mux.Router
	requests *prometheus.CounterVec
	sessions prometheus.GaugeFunc
}

// NewServer returns a Server for the registry.
func NewServer(registry *tracekit.Registry) *Server {
	s := &Server{
		registry: registry,
		logger:   zerolog.Nop(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracekit",
			Subsystem: "web",
			Name:      "requests_total",
			Help:      "Control API requests, by operation and result.",
		}, []string{"op", "result"}),
	}
	s.sessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tracekit",
		Name:      "sessions_capturing",
		Help:      "Number of sessions with capture enabled.",
	}, func() float64 { return float64(registry.ActiveCount()) })

	r := mux.NewRouter()
	r.Methods("POST").Path("/sessions").HandlerFunc(s.handleCreate)
	r.Methods("GET").Path("/sessions").HandlerFunc(s.handleList)
	r.Methods("GET").Path("/sessions/{name}").HandlerFunc(s.handleInfo)
	r.Methods("PUT").Path("/sessions/{name}/transport").HandlerFunc(s.handleSetTransport)
	r.Methods("PUT").Path("/sessions/{name}/channels/{channel}").HandlerFunc(s.handleSetChannel)
	r.Methods("POST").Path("/sessions/{name}/allocate").HandlerFunc(s.handleAllocate)
	r.Methods("POST").Path("/sessions/{name}/start").HandlerFunc(s.handleStart)
	r.Methods("POST").Path("/sessions/{name}/stop").HandlerFunc(s.handleStop)
	r.Methods("POST").Path("/sessions/{name}/filter").HandlerFunc(s.handleFilter)
	r.Methods("DELETE").Path("/sessions/{name}").HandlerFunc(s.handleDestroy)
	r.Methods("GET").Path("/transports").HandlerFunc(s.handleTransports)
	s.router = r

	return s
}

// SetLogger replaces the server's logger.
func (s *Server) SetLogger(logger zerolog.Logger) *Server {
	s.logger = logger
	return s
}

// RegisterMetrics registers the server's collectors with reg.
func (s *Server) RegisterMetrics(reg prometheus.Registerer) *Server {
	reg.MustRegister(s.requests, s.sessions)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

//
//
//

// statusFor maps an operation failure to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracekit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracekit.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, tracekit.ErrNameInUse),
		errors.Is(err, tracekit.ErrBusy),
		errors.Is(err, tracekit.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, tracekit.ErrNoDevice):
		return http.StatusServiceUnavailable
	case errors.Is(err, tracekit.ErrOutOfMemory):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

type errorData struct {
	Error string `json:"error"`
}

func (s *Server) respondErr(w http.ResponseWriter, op string, err error) {
	s.requests.WithLabelValues(op, "error").Inc()
	s.logger.Warn().Err(err).Str("op", op).Msg("request failed")

	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(errorData{Error: err.Error()}) //nolint:errcheck
}

func (s *Server) respond(w http.ResponseWriter, op string, data any) {
	s.requests.WithLabelValues(op, "ok").Inc()

	w.Header().Set("content-type", "application/json; charset=utf-8")
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func decode(w http.ResponseWriter, r *http.Request, into any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySizeBytes)
	if err := json.NewDecoder(body).Decode(into); err != nil {
		return errors.Wrapf(tracekit.ErrInvalidArgument, "decode request: %v", err)
	}
	return nil
}

//
//
//

// CreateData is the request body for session creation. A non-empty transport
// is assigned in the same call.
type CreateData struct {
	Name      string `json:"name"`
	Transport string `json:"transport,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var data CreateData
	if err := decode(w, r, &data); err != nil {
		s.respondErr(w, "create", err)
		return
	}
	if err := s.registry.CreateSession(data.Name); err != nil {
		s.respondErr(w, "create", err)
		return
	}
	if data.Transport != "" {
		if err := s.registry.SetTransport(data.Name, data.Transport); err != nil {
			// All or nothing: don't leave the session behind when the
			// transport half of the call fails.
			if derr := s.registry.Destroy(data.Name); derr != nil {
				s.logger.Warn().Err(derr).Str("session", data.Name).Msg("create rollback failed")
			}
			s.respondErr(w, "create", err)
			return
		}
	}
	s.respond(w, "create", nil)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.respond(w, "list", s.registry.Sessions())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Info(mux.Vars(r)["name"])
	if err != nil {
		s.respondErr(w, "info", err)
		return
	}
	s.respond(w, "info", info)
}

// TransportData is the request body for transport assignment.
type TransportData struct {
	Transport string `json:"transport"`
}

func (s *Server) handleSetTransport(w http.ResponseWriter, r *http.Request) {
	var data TransportData
	if err := decode(w, r, &data); err != nil {
		s.respondErr(w, "set-transport", err)
		return
	}
	if err := s.registry.SetTransport(mux.Vars(r)["name"], data.Transport); err != nil {
		s.respondErr(w, "set-transport", err)
		return
	}
	s.respond(w, "set-transport", nil)
}

// ChannelUpdate carries a partial update of one channel's settings. Nil
// fields are left alone.
type ChannelUpdate struct {
	SubbufSize  *int           `json:"subbuf_size,omitempty"`
	SubbufCount *int           `json:"subbuf_count,omitempty"`
	SwitchTimer *time.Duration `json:"switch_timer,omitempty"`
	ReadTimer   *time.Duration `json:"read_timer,omitempty"`
	Overwrite   *bool          `json:"overwrite,omitempty"`
}

func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	var data ChannelUpdate
	if err := decode(w, r, &data); err != nil {
		s.respondErr(w, "set-channel", err)
		return
	}

	vars := mux.Vars(r)
	name, channel := vars["name"], vars["channel"]

	err := func() error {
		if data.SubbufSize != nil {
			if err := s.registry.SetChannelSubbufSize(name, channel, *data.SubbufSize); err != nil {
				return err
			}
		}
		if data.SubbufCount != nil {
			if err := s.registry.SetChannelSubbufCount(name, channel, *data.SubbufCount); err != nil {
				return err
			}
		}
		if data.SwitchTimer != nil {
			if err := s.registry.SetChannelSwitchTimer(name, channel, *data.SwitchTimer); err != nil {
				return err
			}
		}
		if data.ReadTimer != nil {
			if err := s.registry.SetChannelReadTimer(name, channel, *data.ReadTimer); err != nil {
				return err
			}
		}
		if data.Overwrite != nil {
			if err := s.registry.SetChannelOverwrite(name, channel, *data.Overwrite); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		s.respondErr(w, "set-channel", err)
		return
	}
	s.respond(w, "set-channel", nil)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Allocate(mux.Vars(r)["name"]); err != nil {
		s.respondErr(w, "allocate", err)
		return
	}
	s.respond(w, "allocate", nil)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Start(mux.Vars(r)["name"]); err != nil {
		s.respondErr(w, "start", err)
		return
	}
	s.respond(w, "start", nil)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Stop(mux.Vars(r)["name"]); err != nil {
		s.respondErr(w, "stop", err)
		return
	}
	s.respond(w, "stop", nil)
}

// FilterData is the request body for filter administration.
type FilterData struct {
	Message string `json:"message"`
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	var data FilterData
	if err := decode(w, r, &data); err != nil {
		s.respondErr(w, "filter", err)
		return
	}

	var msg tracekit.FilterControlMessage
	switch data.Message {
	case "default-accept":
		msg = tracekit.FilterDefaultAccept
	case "default-reject":
		msg = tracekit.FilterDefaultReject
	default:
		s.respondErr(w, "filter", errors.Wrapf(tracekit.ErrInvalidArgument, "filter message %q", data.Message))
		return
	}

	if err := s.registry.FilterControl(msg, mux.Vars(r)["name"]); err != nil {
		s.respondErr(w, "filter", err)
		return
	}
	s.respond(w, "filter", nil)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Destroy(mux.Vars(r)["name"]); err != nil {
		s.respondErr(w, "destroy", err)
		return
	}
	s.respond(w, "destroy", nil)
}

func (s *Server) handleTransports(w http.ResponseWriter, r *http.Request) {
	s.respond(w, "transports", s.registry.Transports())
}
