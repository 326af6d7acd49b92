package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/malwarebo/reelpipe/utils"
)

type HealthResponse struct {
	Status     string                           `json:"status"`
	Timestamp  time.Time                        `json:"timestamp"`
	Uptime     string                           `json:"uptime"`
	Components map[string]utils.ComponentHealth `json:"components,omitempty"`
}

type MetricsResponse struct {
	GoRoutines int                      `json:"goroutines"`
	Memory     Memory                   `json:"memory"`
	Uptime     string                   `json:"uptime"`
	Pipeline   map[string]*utils.Metric `json:"pipeline"`
}

type Memory struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

var startTime = time.Now()

type HealthHandler struct {
	checker *utils.HealthChecker
}

// CreateHealthHandler accepts a nil checker, in which case only liveness
// is reported.
func CreateHealthHandler(checker *utils.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

func (h *HealthHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    string(utils.StatusHealthy),
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(startTime).String(),
	}

	status := http.StatusOK
	if h.checker != nil {
		response.Components = h.checker.Results()
		if !h.checker.IsHealthy() {
			response.Status = string(utils.StatusUnhealthy)
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, response)
}

func (h *HealthHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, MetricsResponse{
		GoRoutines: runtime.NumGoroutine(),
		Memory: Memory{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
		Uptime:   time.Since(startTime).String(),
		Pipeline: utils.GetAllMetrics(),
	})
}
