package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/tydom-bridge/internal/bridges/tydom"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	WebSocket     WSMetrics           `json:"websocket"`
	Bridge        tydom.HealthMessage `json:"bridge"`
	Devices       DeviceMetrics       `json:"devices"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total     int            `json:"total"`
	ByKind    map[string]int `json:"by_kind"`
	Catalog   int            `json:"catalog"`
	Scenarios int            `json:"scenarios"`
}

// handleMetrics returns a JSON summary for dashboards. Prometheus
// scrapes /metrics instead.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Bridge: s.bridge.Health(),
	}

	regStats := s.registry.GetStats()
	metrics.Devices = DeviceMetrics{
		Total:     regStats.TotalDevices,
		ByKind:    make(map[string]int, len(regStats.ByKind)),
		Catalog:   s.catalog.Len(),
		Scenarios: len(s.catalog.Scenarios()),
	}
	for kind, count := range regStats.ByKind {
		metrics.Devices.ByKind[string(kind)] = count
	}

	writeJSON(w, http.StatusOK, metrics)
}
