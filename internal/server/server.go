// Package server provides the HTTP status and control interface of the daemon.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/internal/config"
	"github.com/invisible-tech/hostmon/internal/types"
	"github.com/invisible-tech/hostmon/internal/version"
	"github.com/invisible-tech/hostmon/pkg/monitor"
	"github.com/invisible-tech/hostmon/pkg/service"
)

// Monitor is the daemon state served over HTTP
type Monitor interface {
	Status() *types.StatusReport
	Control(name string, kind service.ActionKind) error
	Cycles() (uint64, time.Time)
}

// Server is the HTTP server for the status and control API.
type Server struct {
	cfg        config.DaemonConfig
	monitor    Monitor
	hub        *Hub
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
}

// New creates a new HTTP server for mon. hub may be nil to disable the event stream.
func New(cfg config.DaemonConfig, mon Monitor, hub *Hub, log *logrus.Logger) *Server {
	s := &Server{cfg: cfg, monitor: mon, hub: hub, log: log}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/_status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/services", s.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/services/{name}", s.handleService).Methods(http.MethodGet)
	r.Handle("/api/v1/services/{name}/{action}", s.requireToken(http.HandlerFunc(s.handleAction))).Methods(http.MethodPost)
	if hub != nil {
		r.Handle("/_events", hub).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler())
	s.router = r

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("HTTP interface listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.HTTPToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.HTTPToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cycles, last := s.monitor.Cycles()
	resp := types.HealthResponse{Status: "healthy", Version: version.Version, Cycles: cycles}
	if !last.IsZero() {
		resp.LastCycle = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, ok := s.monitor.Status().Filter(q.Get("service"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown service "+q.Get("service"))
		return
	}

	switch q.Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, report)
	case "xml":
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xml.Header))
		if err := xml.NewEncoder(w).Encode(report); err != nil {
			s.log.WithError(err).Error("Failed to encode XML status")
		}
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		var err error
		if q.Get("level") == "summary" {
			err = report.WriteSummary(w)
		} else {
			err = report.WriteText(w)
		}
		if err != nil {
			s.log.WithError(err).Error("Failed to write text status")
		}
	default:
		writeError(w, http.StatusBadRequest, "unsupported format "+q.Get("format"))
	}
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status().Services)
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	report, ok := s.monitor.Status().Filter(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown service "+name)
		return
	}
	writeJSON(w, http.StatusOK, report.Services[0])
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	kind, err := service.ParseAction(vars["action"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.monitor.Control(name, kind); err != nil {
		switch {
		case errors.Is(err, monitor.ErrUnknownService):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, monitor.ErrInvalidAction):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.log.WithFields(logrus.Fields{"service": name, "action": kind.String(), "remote": r.RemoteAddr}).Info("Control request accepted")
	writeJSON(w, http.StatusAccepted, types.ActionResponse{Service: name, Action: kind.String(), Status: "queued"})
}
