// Package api serves the dashboard-facing HTTP surface: fleet state,
// streaming sessions, commands, HTTP ingest and health.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/kilianp07/fleetstream/api/commands"
	fleetapi "github.com/kilianp07/fleetstream/api/fleet"
	ingestapi "github.com/kilianp07/fleetstream/api/ingest"
	"github.com/kilianp07/fleetstream/api/respond"
	streamapi "github.com/kilianp07/fleetstream/api/stream"
	"github.com/kilianp07/fleetstream/core/logger"
	"github.com/kilianp07/fleetstream/core/model"
)

// Config holds the HTTP listener settings.
type Config struct {
	Addr        string `json:"addr"`
	IngestToken string `json:"ingest_token"`
	// AllowedOrigins lists browser origins allowed to call the API and open
	// WebSocket sessions. "*" allows any origin.
	AllowedOrigins []string `json:"allowed_origins"`
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("http addr required")
	}
	return nil
}

// Broker reports the broker connection state.
type Broker interface {
	IsConnected() bool
	Ready() bool
}

// FleetStore is the read side of the fleet state store.
type FleetStore interface {
	fleetapi.StateReader
	Counts() map[model.Health]int
}

// Sessions opens broadcaster sessions.
type Sessions interface {
	streamapi.Subscriber
	Count() int
}

// Deps are the services behind the handlers.
type Deps struct {
	Store     FleetStore
	Registry  fleetapi.Membership
	Sessions  Sessions
	Commands  commands.Commander
	Ingest    ingestapi.Submitter
	Validator ingestapi.Validator
	Broker    Broker
	Heartbeat time.Duration
}

type Server struct {
	cfg     Config
	deps    Deps
	log     logger.Logger
	handler http.Handler
}

func NewServer(cfg Config, deps Deps, log logger.Logger) *Server {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 25 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, log: logger.OrNop(log)}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	d := s.deps
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.healthHandler())

	mux.Handle("GET /api/fleet", fleetapi.NewListHandler(d.Store))
	mux.Handle("GET /api/fleet/stats", fleetapi.NewStatsHandler(d.Store))
	mux.Handle("GET /api/fleet/{id}", fleetapi.NewVehicleHandler(d.Store))
	mux.Handle("GET /api/fleet/{id}/trend", fleetapi.NewTrendHandler(d.Store))
	mux.Handle("PUT /api/fleet/{id}", fleetapi.NewDeclareHandler(d.Registry))
	mux.Handle("DELETE /api/fleet/{id}", fleetapi.NewRetireHandler(d.Registry))
	mux.Handle("GET /api/subscriptions", fleetapi.NewSubscriptionsHandler(d.Registry))

	mux.Handle("GET /api/stream", streamapi.NewSSEHandler(d.Sessions, d.Heartbeat, s.log))
	mux.Handle("GET /api/ws", streamapi.NewWSHandler(d.Sessions, streamapi.WSOptions{
		Heartbeat:   d.Heartbeat,
		CheckOrigin: s.checkOrigin,
	}, s.log))

	mux.Handle("POST /api/commands", commands.NewSubmitHandler(d.Commands))
	mux.Handle("POST /api/commands/bulk", commands.NewBulkHandler(d.Commands))
	mux.Handle("GET /api/commands/{id}", commands.NewStatusHandler(d.Commands))

	mux.Handle("POST /api/ingest", ingestapi.NewHandler(d.Ingest, d.Validator, s.cfg.IngestToken))

	return s.cors(mux)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("api server shutdown: %v", err)
		}
		cancel()
	}()
	s.log.Infof("serving api on %s", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

type healthReport struct {
	Status          string               `json:"status"`
	BrokerConnected bool                 `json:"brokerConnected"`
	BrokerReady     bool                 `json:"brokerReady"`
	Vehicles        map[model.Health]int `json:"vehicles"`
	Sessions        int                  `json:"sessions"`
}

// healthHandler answers 503 until the broker session is ready.
func (s *Server) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := healthReport{
			Status:   "ok",
			Vehicles: s.deps.Store.Counts(),
			Sessions: s.deps.Sessions.Count(),
		}
		if s.deps.Broker != nil {
			rep.BrokerConnected = s.deps.Broker.IsConnected()
			rep.BrokerReady = s.deps.Broker.Ready()
		}
		status := http.StatusOK
		if !rep.BrokerReady {
			rep.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		respond.JSON(w, status, rep)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return s.originAllowed(origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
