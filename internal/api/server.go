// Package api exposes the sprinkler HTTP surface: the configuration, the
// aggregate status document, and the operating controls (on/off, rain
// delay, manual program and zone runs). The status JSON shape is the
// contract of the web UI and must not drift.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hausgrid/sprinklerd/internal/clock"
	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/control"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/index"
	"github.com/hausgrid/sprinklerd/internal/portal"
	"github.com/hausgrid/sprinklerd/internal/program"
	"github.com/hausgrid/sprinklerd/internal/schedule"
	"github.com/hausgrid/sprinklerd/internal/zone"
)

// defaultRainDelay is one day, the increment applied when no amount is
// given.
const defaultRainDelay = 86400

// defaultZonePulse is the manual zone test duration when none is given.
const defaultZonePulse = 30

// Server is the sprinkler HTTP API server.
type Server struct {
	host string

	cfg    *config.Store
	queue  *zone.Queue
	progs  *program.Set
	sched  *schedule.Scheduler
	ctrl   *control.Client
	idx    *index.Service
	portal *portal.Client
	clk    *clock.Clock
	rec    *events.Recorder

	// refresh rebuilds every component table after a configuration change;
	// rescan only forces a new discovery round.
	refresh func()
	rescan  func()

	metricsEnabled bool
	staticDir      string
}

// Options wires the server to the engine components.
type Options struct {
	Host    string
	Config  *config.Store
	Zones   *zone.Queue
	Progs   *program.Set
	Sched   *schedule.Scheduler
	Control *control.Client
	Index   *index.Service
	Portal  *portal.Client
	Clock   *clock.Clock
	Events  *events.Recorder
	Refresh func()
	Rescan  func()
}

// NewServer creates the API server.
func NewServer(o Options) *Server {
	return &Server{
		host:    o.Host,
		cfg:     o.Config,
		queue:   o.Zones,
		progs:   o.Progs,
		sched:   o.Sched,
		ctrl:    o.Control,
		idx:     o.Index,
		portal:  o.Portal,
		clk:     o.Clock,
		rec:     o.Events,
		refresh: o.Refresh,
		rescan:  o.Rescan,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetStaticDir serves the web UI files from dir on unmatched routes.
func (s *Server) SetStaticDir(dir string) { s.staticDir = dir }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))
	r.Use(s.corsMiddleware)

	r.Get("/sprinkler/config", s.handleConfigGet)
	r.Post("/sprinkler/config", s.handleConfigPost)
	r.Get("/sprinkler/status", s.handleStatus)
	r.Get("/sprinkler/raindelay", s.handleRainDelay)
	r.Get("/sprinkler/rain", s.handleRain)
	r.Get("/sprinkler/index", s.handleIndex)
	r.Get("/sprinkler/refresh", s.handleRefresh)
	r.Get("/sprinkler/onoff", s.handleOnOff)

	r.Get("/sprinkler/program/on", s.handleProgramOn)
	r.Get("/sprinkler/zone/on", s.handleZoneOn)
	r.Get("/sprinkler/zone/off", s.handleZoneOff)

	r.Get("/sprinkler/once", s.handleOnce)
	r.Get("/sprinkler/again", s.handleAgain)
	r.Get("/sprinkler/cancel", s.handleCancelOnce)

	// Placeholder weather routes, kept for UI compatibility.
	empty := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}
	r.Get("/sprinkler/weather", empty)
	r.Get("/sprinkler/weather/on", empty)
	r.Get("/sprinkler/weather/off", empty)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}

	return r
}

// corsMiddleware implements the origin policy: cross-origin reads are
// allowed, anything else from a foreign origin is refused and audited.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && r.Method != http.MethodGet {
			if u, err := url.Parse(origin); err != nil || u.Host != r.Host {
				s.rec.Event(r.Method, r.URL.Path, "BLOCKED", "%s", origin)
				http.Error(w, "cross-origin write refused", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// status composes the aggregate document from the per-module projections.
func (s *Server) status() map[string]any {
	now := s.clk.Now()
	proxy := ""
	if s.portal != nil {
		proxy = s.portal.Server()
	}
	return map[string]any{
		"host":      s.host,
		"proxy":     proxy,
		"timestamp": now.Unix(),
		"sprinkler": map[string]any{
			"zone":     s.queue.Status(now),
			"control":  s.ctrl.Status(),
			"program":  s.progs.Status(),
			"schedule": s.sched.Status(),
			"index":    s.idx.Status(),
		},
	}
}

func (s *Server) writeStatus(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(s.cfg.Raw())
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<22))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.Apply(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.refresh != nil {
		s.refresh()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

func (s *Server) handleRainDelay(w http.ResponseWriter, r *http.Request) {
	amount := defaultRainDelay
	if v := r.URL.Query().Get("amount"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			amount = parsed
		}
	}
	s.sched.SetRain(amount, s.clk.Now())
	s.writeStatus(w)
}

func (s *Server) handleRain(w http.ResponseWriter, r *http.Request) {
	active := r.URL.Query().Get("active")
	if active == "" {
		active = "true"
	}
	s.sched.Rain(active == "true")
	s.writeStatus(w)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	active := r.URL.Query().Get("active")
	if active == "" {
		active = "true"
	}
	s.progs.UseIndex(active == "true")
	s.writeStatus(w)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.rescan != nil {
		s.rescan()
	}
	s.writeStatus(w)
}

func (s *Server) handleOnOff(w http.ResponseWriter, r *http.Request) {
	s.sched.Switch()
	s.writeStatus(w)
}

func (s *Server) handleProgramOn(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		s.progs.StartManual(name, s.clk.Now())
	}
	s.writeStatus(w)
}

func (s *Server) handleZoneOn(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	pulse := defaultZonePulse
	if v := r.URL.Query().Get("pulse"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			pulse = parsed
		}
	}
	if name != "" {
		s.queue.Activate(name, pulse, "", s.clk.Now())
	}
	s.writeStatus(w)
}

func (s *Server) handleZoneOff(w http.ResponseWriter, r *http.Request) {
	s.queue.Stop()
	s.ctrl.Cancel("")
	s.writeStatus(w)
}

func (s *Server) handleOnce(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("program")
	start, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	if name == "" || err != nil {
		http.Error(w, "program and start required", http.StatusBadRequest)
		return
	}
	now := s.clk.Now()
	if err := s.sched.Once(name, time.Unix(start, 0), now); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeStatus(w)
}

func (s *Server) handleAgain(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	if err := s.sched.Again(id, s.clk.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeStatus(w)
}

func (s *Server) handleCancelOnce(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("program"); name != "" {
		s.sched.CancelOnce(name)
	}
	s.writeStatus(w)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
