// Package simulator serves the digital-twin command endpoint for simulated devices.
package simulator

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/shogotsuneto/go-async-command"
	"github.com/shogotsuneto/go-async-command/command"
)

const maxPayloadBytes = 1 << 20

// Server routes commands to registered device invokers.
type Server struct {
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]asynccmd.Invoker
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, devices: make(map[string]asynccmd.Invoker)}
}

// Register makes commands for deviceID go to inv.
func (s *Server) Register(deviceID string, inv asynccmd.Invoker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = inv
}

func (s *Server) device(deviceID string) (asynccmd.Invoker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.devices[deviceID]
	return inv, ok
}

// Router returns the HTTP handler, with extra routes mounted by the caller through mount.
func (s *Server) Router(mount ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()

	r.Use(ChiMiddleware.Recoverer)
	r.Use(ChiMiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Post("/digitalTwins/{deviceID}/interfaces/{interfaceName}/commands/{commandName}", s.InvokeCommand)

	for _, m := range mount {
		m(r)
	}
	return r
}

// InvokeCommand answers like the digital-twin service: 200 with the device's own
// status and the request id in headers, and the device payload as body.
func (s *Server) InvokeCommand(w http.ResponseWriter, r *http.Request) {
	req := asynccmd.CommandRequest{
		DeviceID:      urlParam(r, "deviceID"),
		InterfaceName: urlParam(r, "interfaceName"),
		CommandName:   urlParam(r, "commandName"),
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	if len(payload) > maxPayloadBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(payload) > 0 {
		if !json.Valid(payload) {
			http.Error(w, "payload must be json", http.StatusBadRequest)
			return
		}
		req.Payload = payload
	}

	inv, ok := s.device(req.DeviceID)
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	resp, err := inv.InvokeCommand(r.Context(), req)
	if err != nil {
		s.logger.Error("command failed", "device_id", req.DeviceID, "command", req.CommandName, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("command invoked", "device_id", req.DeviceID, "command", req.CommandName, "request_id", resp.RequestID)

	w.Header().Set(command.RequestIDHeader, resp.RequestID)
	w.Header().Set(command.StatusHeader, strconv.Itoa(resp.Status))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Payload)
}

func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}
