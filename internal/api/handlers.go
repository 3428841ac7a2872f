package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/breaker"
)

// Root handler
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "PumpWatch API",
		"version": s.version,
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleHealth reports liveness plus per-component checks. The process
// answers 200 as long as it is serving; a failing store or an open
// breaker turns the status to degraded without failing the probe.
func (s *Server) handleHealth(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	systemStatus := "healthy"

	pipeline := gin.H{"status": "not_configured"}
	if s.orch != nil {
		stats := s.orch.Stats()
		pipeline = gin.H{
			"status": "ok",
			"state":  s.orch.State(),
			"active": s.orch.IsActive(),
			"activity_log": gin.H{
				"entries":         stats.ActivityLog.Entries,
				"dropped_ingress": stats.ActivityLog.DroppedIngress,
				"subscribers":     stats.ActivityLog.Subscribers,
			},
		}
	}

	breakerStatus := gin.H{"status": "not_configured"}
	if s.breaker != nil {
		state := s.breaker.State()
		breakerStatus = gin.H{
			"status": "ok",
			"state":  state,
		}
		if state == breaker.StateOpen {
			breakerStatus["status"] = "tripped"
			systemStatus = "degraded"
		}
	}

	storeStatus := gin.H{"status": "not_configured"}
	if s.store != nil {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			log.Warn().Err(err).Msg("Archive store health check failed")
			storeStatus = gin.H{"status": "unhealthy", "error": err.Error()}
			systemStatus = "degraded"
		} else {
			storeStatus = gin.H{"status": "ok"}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    systemStatus,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(startTime).Seconds(),
		"version":   s.version,
		"components": gin.H{
			"pipeline":        pipeline,
			"circuit_breaker": breakerStatus,
			"archive_store":   storeStatus,
		},
		"system": gin.H{
			"goroutines": runtime.NumGoroutine(),
			"memory": gin.H{
				"alloc_mb":       toMB(memStats.Alloc),
				"total_alloc_mb": toMB(memStats.TotalAlloc),
				"sys_mb":         toMB(memStats.Sys),
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		},
	})
}

// Utility functions

var startTime = time.Now()

func toMB(bytes uint64) uint64 {
	return bytes / 1024 / 1024
}
