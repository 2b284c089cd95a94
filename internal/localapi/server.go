// Package localapi serves the device endpoints the operator app uses on the local network.
// Writes go through the same priority and last-write-wins rules as cloud writes.
package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tankwise/tanksync/internal/clock"
	"github.com/tankwise/tanksync/internal/connsync"
	"github.com/tankwise/tanksync/internal/record"
)

// DefaultLockTimeout bounds how long a request waits for a record
const DefaultLockTimeout = 2 * time.Second

const maxBodySize = 16 << 10

// Error codes returned to the app
const (
	ErrCodeInvalidJSON      = "INVALID_JSON"
	ErrCodeStaleTimestamp   = "STALE_TIMESTAMP"
	ErrCodeMissingTimestamp = "MISSING_TIMESTAMP"
	ErrCodeInvalidTimestamp = "INVALID_TIMESTAMP"
	ErrCodeBusy             = "RECORD_BUSY"
)

// Device is the sync core as seen by the local API
type Device interface {
	DeviceID() string
	Config() *record.ConfigHandler
	Control() *record.ControlHandler
	Telemetry() record.TelemetrySample
	Clock() *clock.Clock
	SyncStatus() connsync.Status
	Authenticated() bool
	SetTimestamp(ms uint64)
	ConfigChanged(ctx context.Context, c record.Config)
	ControlChanged(ctx context.Context, c record.Control)
}

// Server routes the local API. It implements http.Handler.
type Server struct {
	device      Device
	mux         *http.ServeMux
	lockTimeout time.Duration
	logger      *logrus.Entry
}

// NewServer creates the local API for device. A non-nil metrics handler is served on /metrics.
func NewServer(device Device, metrics http.Handler) *Server {
	s := &Server{
		device:      device,
		mux:         http.NewServeMux(),
		lockTimeout: DefaultLockTimeout,
		logger:      logrus.WithField("component", "localapi"),
	}

	base := "/" + device.DeviceID()
	s.mux.HandleFunc("GET "+base+"/telemetry", s.getTelemetry)
	s.mux.HandleFunc("GET "+base+"/control", s.getControl)
	s.mux.HandleFunc("POST "+base+"/control", s.postControl)
	s.mux.HandleFunc("GET "+base+"/config", s.getConfig)
	s.mux.HandleFunc("POST "+base+"/config", s.postConfig)
	s.mux.HandleFunc("GET "+base+"/timestamp", s.getTimestamp)
	s.mux.HandleFunc("POST "+base+"/timestamp", s.postTimestamp)
	s.mux.HandleFunc("GET "+base+"/status", s.getStatus)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	return s
}

// SetLockTimeout changes how long a request waits for a record
func (s *Server) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

// ServeHTTP adds the CORS headers the app relies on and dispatches the request
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.logger.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("Local request")
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.WithField("addr", addr).Info("Local API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type result struct {
	Success   bool   `json:"success"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to write local API response")
	}
}

func fail(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, result{Error: errCode, Message: message})
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

type locker interface {
	Lock(ctx context.Context) error
}

func (s *Server) lock(ctx context.Context, l locker) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	return l.Lock(ctx)
}
