package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"modbus-edge-gateway/pkg/alerts"
	"modbus-edge-gateway/pkg/config"
	"modbus-edge-gateway/pkg/devices"
	gwerrors "modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/health"
	"modbus-edge-gateway/pkg/logger"
	"modbus-edge-gateway/pkg/metrics"
	"modbus-edge-gateway/pkg/modbus"
	"modbus-edge-gateway/pkg/mqtt"
	"modbus-edge-gateway/pkg/polling"
	"modbus-edge-gateway/pkg/storage"
	"modbus-edge-gateway/pkg/ws"

	stderrors "errors"
)

// BusInfo is the read-only view of the serial master the API exposes
type BusInfo interface {
	PortName() string
	BaudRate() int
	Connected() bool
	Stats() modbus.Stats
}

// Deps carries the components the API serves
type Deps struct {
	Bus       BusInfo
	Manager   *devices.Manager
	Poller    *polling.Service
	Engine    *alerts.Engine
	Store     *storage.Store
	Hub       *ws.Hub
	Bridge    *mqtt.Bridge
	Monitor   *health.Monitor
	Collector *metrics.Collector
}

// Server is the REST and WebSocket front of the gateway
type Server struct {
	cfg  *config.Config
	deps Deps
	srv  *http.Server
}

// NewServer builds the server and its route table
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.srv = &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           s.Router(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router builds the chi route table
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/adapter", s.handleAdapter)
		r.Get("/health", s.handleHealth)

		r.Get("/devices", s.handleListDevices)
		r.Post("/discover", s.handleDiscover)
		r.Route("/devices/{unitId}", func(r chi.Router) {
			r.Post("/identify", s.handleIdentify)
			r.Put("/alias", s.handleSetAlias)
			r.Put("/unit_id", s.handleSetUnitID)
			r.Get("/diagnostics", s.handleDiagnostics)
		})

		r.Post("/polling/start", s.handlePollingStart)
		r.Post("/polling/stop", s.handlePollingStop)
		r.Get("/polling/status", s.handlePollingStatus)

		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)

		r.Route("/history", func(r chi.Router) {
			r.Get("/devices", s.handleHistoryDevices)
			r.Get("/sensors/{unitId}", s.handleHistorySensors)
			r.Get("/data/{sensorId}", s.handleHistoryData)
			r.Get("/stats", s.handleHistoryStats)
		})

		r.Post("/mqtt/inventory/publish", s.handlePublishInventory)
	})

	if s.deps.Hub != nil {
		r.Get("/socket", s.deps.Hub.HandleSocket)
	}
	if s.deps.Collector != nil {
		r.Method("GET", "/metrics", s.deps.Collector)
	}
	return r
}

// Start serves HTTP until Shutdown. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	logger.LogStartup("🌐 HTTP API listening on %s", s.cfg.HTTP.Addr())
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.LogTrace("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		logger.LogError("❌ Response encode failed: %v", err)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondError maps gateway errors onto HTTP status codes and the
// structured {code, message} error body
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var ve *gwerrors.ValidationError
	var me *gwerrors.ModbusError
	var se *gwerrors.StorageError
	switch {
	case stderrors.As(err, &ve):
		switch ve.Expected {
		case "known device":
			status, code = http.StatusNotFound, "not_found"
		case "idle":
			status, code = http.StatusConflict, "conflict"
		default:
			status, code = http.StatusBadRequest, "validation_error"
		}
	case stderrors.As(err, &me):
		if stderrors.Is(err, modbus.ErrTimeout) {
			status, code = http.StatusGatewayTimeout, "modbus_timeout"
		} else if stderrors.Is(err, modbus.ErrBusClosed) {
			status, code = http.StatusServiceUnavailable, "bus_unavailable"
		} else {
			status, code = http.StatusBadGateway, "modbus_error"
		}
	case stderrors.As(err, &se):
		if stderrors.Is(err, sql.ErrNoRows) {
			status, code = http.StatusNotFound, "not_found"
		} else {
			code = "storage_error"
		}
	}

	respondJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func decodeBody(r *http.Request, dest interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return gwerrors.NewValidationError("body", "valid JSON", err.Error())
	}
	return nil
}
