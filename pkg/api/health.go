package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
)

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// readyHandler reports ready when the store answers and every critical
// component is healthy
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: storage
	if s.store == nil {
		checks["storage"] = "not initialized"
		ready = false
		message = "Store not initialized"
	} else if _, err := s.store.CountRecords(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Storage not accessible"
	} else {
		checks["storage"] = "ok"
	}

	// Check 2: rule table
	checks["rules"] = fmt.Sprintf("%d loaded (version %d)", s.rules.Snapshot().Len(), s.rules.Version())

	// Check 3: registered components
	readiness := metrics.GetReadiness()
	for name, state := range readiness.Components {
		checks[name] = state
	}
	if readiness.Status != "ready" {
		ready = false
		if message == "" {
			message = readiness.Message
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
