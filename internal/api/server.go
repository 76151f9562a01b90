// Package api serves the mimicked firmware HTTP surface. Paths and wire
// shapes reproduce the target device's CGI API; like the real device there
// is no authentication (LAN-only trust model), which is intentional and
// mirrored, not fixed.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/asicsim/internal/errors"
	"codeberg.org/mutker/asicsim/internal/logger"
	"codeberg.org/mutker/asicsim/internal/observability"
	"codeberg.org/mutker/asicsim/internal/status"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	statusPath  = "/cgi-bin/get_miner_status.cgi"
	confPath    = "/cgi-bin/set_miner_conf.cgi"
	metricsPath = "/metrics"

	readTimeout     = 5 * time.Second
	writeTimeout    = 10 * time.Second
	maxConfBodySize = 4 << 10
)

// confSchema validates the set_miner_conf payload. The required fields and
// their loose numeric ranges match what the real firmware accepts.
const confSchemaJSON = `{
    "type": "object",
    "required": ["freq", "volt", "fan", "power-strict"],
    "properties": {
        "freq":         {"type": "number", "minimum": 100, "maximum": 1200},
        "volt":         {"type": "number", "minimum": 800, "maximum": 1600},
        "fan":          {"type": "number", "minimum": 0, "maximum": 100},
        "power-strict": {"type": "number", "minimum": 0, "maximum": 10000}
    }
}`

var confSchema = jsonschema.MustCompileString("set_miner_conf.schema.json", confSchemaJSON)

// StateSource is the engine surface the server reads from and writes to.
// Handlers hold this reference from construction; no ambient globals.
type StateSource interface {
	Snapshot() status.Snapshot
	SetMinerConf(freqMHz, voltMV, fanPercent, powerLimitW int) error
}

// Config holds server parameters.
type Config struct {
	Listen  string
	Metrics bool
}

// Server is the telemetry API server.
type Server struct {
	cfg      Config
	source   StateSource
	obs      *observability.Collector
	http     *http.Server
	listener net.Listener
	done     chan struct{}
}

type minerConf struct {
	Freq        float64 `json:"freq"`
	Volt        float64 `json:"volt"`
	Fan         float64 `json:"fan"`
	PowerStrict float64 `json:"power-strict"`
}

type confResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewServer wires the handler set around the given state source. The
// observability collector may be nil.
func NewServer(cfg Config, source StateSource, obs *observability.Collector) *Server {
	s := &Server{
		cfg:    cfg,
		source: source,
		obs:    obs,
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(statusPath, s.handleStatus)
	mux.HandleFunc(confPath, s.handleConf)
	if cfg.Metrics && obs != nil {
		mux.Handle(metricsPath, obs.Handler())
	}

	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	return s
}

// Start binds the listen address and serves in the background. A bind
// failure is returned to the caller, who decides whether it is fatal; the
// orchestrator treats it as degradation to simulation-only mode.
func (s *Server) Start() error {
	errFactory := errors.New()

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errFactory.Wrap(ErrBindFailed, err)
	}
	s.listener = listener

	go func() {
		defer close(s.done)
		if serveErr := s.http.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error().AnErr("error", serveErr).Msg("Telemetry API server stopped unexpectedly")
		}
	}()

	logger.Info().
		Str("listen", listener.Addr().String()).
		Bool("metrics", s.cfg.Metrics).
		Msg("Telemetry API server started")

	return nil
}

// Addr returns the bound address, or an empty string before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline, then forcing the remainder closed.
func (s *Server) Shutdown(ctx context.Context) error {
	errFactory := errors.New()

	if s.listener == nil {
		return nil
	}

	if err := s.http.Shutdown(ctx); err != nil {
		// Grace period elapsed; terminate remaining connections.
		if closeErr := s.http.Close(); closeErr != nil {
			return errFactory.Wrap(ErrShutdownFailed, closeErr)
		}
		return errFactory.Wrap(ErrShutdownFailed, err)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
	}

	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.count(statusPath, http.StatusMethodNotAllowed)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.source.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		logger.Warn().AnErr("error", err).Msg("Failed to write status response")
	}
	s.count(statusPath, http.StatusOK)
}

func (s *Server) handleConf(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.count(confPath, http.StatusMethodNotAllowed)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfBodySize))
	if err != nil {
		s.writeConfError(w, "failed to read request body")
		return
	}

	conf, err := parseConf(body)
	if err != nil {
		logger.Debug().AnErr("error", err).Msg("Rejected miner configuration payload")
		s.writeConfError(w, err.Error())
		return
	}

	if err := s.source.SetMinerConf(
		int(conf.Freq), int(conf.Volt), int(conf.Fan), int(conf.PowerStrict),
	); err != nil {
		s.writeConfError(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(confResult{
		Success: true,
		Message: "Configuration applied",
	})
	s.count(confPath, http.StatusOK)
}

// parseConf validates the raw payload against the schema before decoding
// it, so malformed bodies are rejected without any state mutation.
func parseConf(body []byte) (*minerConf, error) {
	errFactory := errors.New()

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errFactory.WithMessage(ErrInvalidPayload, "malformed JSON body")
	}

	if err := confSchema.Validate(raw); err != nil {
		return nil, errFactory.Wrap(ErrInvalidPayload, err)
	}

	conf := &minerConf{}
	if err := json.Unmarshal(body, conf); err != nil {
		return nil, errFactory.Wrap(ErrInvalidPayload, err)
	}

	return conf, nil
}

func (s *Server) writeConfError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(confResult{
		Success: false,
		Message: msg,
	})
	s.count(confPath, http.StatusBadRequest)
}

func (s *Server) count(path string, code int) {
	if s.obs == nil {
		return
	}
	s.obs.APIRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}
