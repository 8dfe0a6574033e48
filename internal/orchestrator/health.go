package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthServer provides the health check and metrics endpoints of the linker.
type HealthServer struct {
	client   *blackboard.Client
	engine   *Engine
	gatherer prometheus.Gatherer
	logger   logrus.FieldLogger
	server   *http.Server
}

// NewHealthServer creates a new health check server. engine may be nil; when set
// its in-flight worker count is reported. gatherer may be nil to serve no metrics.
func NewHealthServer(client *blackboard.Client, engine *Engine, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *HealthServer {
	return &HealthServer{
		client:   client,
		engine:   engine,
		gatherer: gatherer,
		logger:   logger.WithField("component", "health"),
	}
}

// Handler returns the HTTP routes: GET /healthz and GET /metrics.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on addr and serves in the background. Bind errors are returned.
func (h *HealthServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	h.server = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.WithError(err).Error("Health server stopped")
		}
	}()

	h.logger.WithField("addr", listener.Addr().String()).Info("Health server listening")
	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
	}
	if h.engine != nil {
		response.WorkersInFlight = h.engine.InFlight()
	}

	status := http.StatusOK
	if err := h.client.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		response.Redis = "connected"
		if n, err := h.client.QueueLength(ctx); err == nil {
			response.QueueLength = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status          string `json:"status"`
	Redis           string `json:"redis,omitempty"`
	Error           string `json:"error,omitempty"`
	QueueLength     int64  `json:"queue_length"`
	WorkersInFlight int64  `json:"workers_in_flight"`
}
