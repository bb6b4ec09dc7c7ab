package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cofferhq/coffer/internal/database"
	"github.com/cofferhq/coffer/internal/scheduler"
	"github.com/cofferhq/coffer/internal/version"
)

// SystemHandlers serves operational health and monitoring endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
	databases   []*database.DB
	jobs        JobBoardInterface
	feed        FeedStatusInterface
	breakers    BreakerSourceInterface
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(cfg Config) *SystemHandlers {
	return &SystemHandlers{
		log:         cfg.Log.With().Str("handler", "system").Logger(),
		dataDir:     cfg.DataDir,
		startupTime: time.Now(),
		databases:   cfg.Databases,
		jobs:        cfg.Jobs,
		feed:        cfg.Feed,
		breakers:    cfg.Breakers,
	}
}

// HealthResponse is the full operational health report.
type HealthResponse struct {
	Status        string                `json:"status"` // "ok" or "degraded"
	Version       string                `json:"version"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Databases     []DatabaseHealth      `json:"databases"`
	System        SystemStats           `json:"system"`
	Jobs          []scheduler.JobStatus `json:"jobs,omitempty"`
	Feed          *FeedStatus           `json:"feed,omitempty"`
	OpenBreakers  []string              `json:"open_breakers,omitempty"`
	Timestamp     string                `json:"timestamp"`
}

// DatabaseHealth describes one store's integrity and size.
type DatabaseHealth struct {
	Name          string `json:"name"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
	WALSizeBytes  int64  `json:"wal_size_bytes"`
	FreelistCount int64  `json:"freelist_count"`
}

// SystemStats holds host resource usage.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DataDirMB     float64 `json:"data_dir_mb"`
}

// FeedStatus describes the streaming price feed.
type FeedStatus struct {
	Connected bool `json:"connected"`
	Pairs     int  `json:"pairs"`
}

// HandleHealth handles GET /api/health
//
// Degraded means a store failed its integrity probe; venue outages and
// a disconnected feed are reported but do not degrade the service,
// since cached reads keep working without them.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:        "ok",
		Version:       version.Version,
		UptimeSeconds: time.Since(h.startupTime).Seconds(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	for _, db := range h.databases {
		health := DatabaseHealth{Name: db.Name(), OK: true}

		if err := db.QuickCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Str("database", db.Name()).Msg("Database integrity probe failed")
			health.OK = false
			health.Error = err.Error()
			response.Status = "degraded"
		}

		if stats, err := db.GetStats(); err == nil {
			health.SizeBytes = stats.SizeBytes
			health.WALSizeBytes = stats.WALSizeBytes
			health.FreelistCount = stats.FreelistCount
		}

		response.Databases = append(response.Databases, health)
	}

	cpuPercent, memPercent := h.getSystemStats()
	response.System = SystemStats{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		DataDirMB:     h.getDirSize(h.dataDir),
	}

	if h.jobs != nil {
		response.Jobs = h.jobs.Jobs()
	}

	if h.feed != nil {
		response.Feed = &FeedStatus{
			Connected: h.feed.IsConnected(),
			Pairs:     len(h.feed.Snapshot()),
		}
	}

	if h.breakers != nil {
		for _, breaker := range h.breakers.Snapshots() {
			if breaker.State != "CLOSED" {
				response.OpenBreakers = append(response.OpenBreakers, breaker.Name)
			}
		}
	}

	h.writeJSON(w, response)
}

// getSystemStats calculates CPU and RAM usage percentages
// Uses a 100ms sampling interval so the endpoint stays fast enough for
// tight poll loops
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	if dirPath == "" {
		return 0
	}

	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
