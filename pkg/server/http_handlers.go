package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startMetricsServer serves /metrics and /health. Keep it on an internal
// address; it is not authenticated.
func (s *Server) startMetricsServer() error {
	if s.config.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)

	listener, err := s.serveHTTP(s.config.MetricsAddr, "Metrics", mux)
	if err != nil {
		return err
	}
	s.metricsListener = listener
	return nil
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.connMu.Lock()
	running := s.running
	startTime := s.startTime
	s.connMu.Unlock()

	status := "healthy"
	code := http.StatusOK
	if !running {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}

	transports := []string{"tcp"}
	if s.wsListener != nil {
		transports = append(transports, "websocket")
	}
	if s.sshListener != nil {
		transports = append(transports, "ssh")
	}

	health := map[string]interface{}{
		"status":          status,
		"uptime_seconds":  int64(time.Since(startTime).Seconds()),
		"active_sessions": s.registry.Len(),
		"transports":      transports,
		"journal_enabled": s.journal != nil,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
