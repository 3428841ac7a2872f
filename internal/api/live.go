package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/orchestrator"
	"github.com/pumpwatch/pumpwatch/internal/sources"
)

// startRequest optionally flips sources on or off for this run. Keys are
// platform names; absent sources keep their configured setting.
type startRequest struct {
	Sources map[string]bool `json:"sources"`
}

// handleLiveStart brings the pipeline up. Answers 409 when it is already
// running.
func (s *Server) handleLiveStart(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("invalid request: %v", err),
			})
			return
		}
	}

	if s.orch.IsActive() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "pipeline already running",
			"state": s.orch.State(),
		})
		return
	}

	ctx := c.Request.Context()

	switch s.orch.State() {
	case orchestrator.StateUninitialized, orchestrator.StateStopped:
		if err := s.orch.Initialize(ctx); err != nil {
			log.Error().Err(err).Msg("Pipeline initialization failed")
			status := http.StatusInternalServerError
			if errors.Is(err, orchestrator.ErrMissingCredential) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{
				"error": fmt.Sprintf("failed to initialize pipeline: %v", err),
				"state": s.orch.State(),
			})
			return
		}
	}

	if len(req.Sources) > 0 {
		specs := s.orch.GetConfig().Sources
		if err := applySourceOverrides(&specs, req.Sources); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"state": s.orch.State(),
			})
			return
		}
		if err := s.orch.UpdateConfig(ctx, specs); err != nil {
			log.Error().Err(err).Msg("Source override failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": fmt.Sprintf("failed to apply source overrides: %v", err),
				"state": s.orch.State(),
			})
			return
		}
	}

	if err := s.orch.Start(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
				"state": s.orch.State(),
			})
			return
		}
		log.Error().Err(err).Msg("Pipeline start failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to start pipeline: %v", err),
			"state": s.orch.State(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "started",
		"state":  s.orch.State(),
		"stats":  s.orch.Stats(),
	})
}

// handleLiveStatus reports the pipeline state, statistics and active
// configuration. Credential fields never marshal, so the config is safe
// to return as is.
func (s *Server) handleLiveStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"isActive": s.orch.IsActive(),
		"state":    s.orch.State(),
		"stats":    s.orch.Stats(),
		"config":   s.orch.GetConfig(),
	})
}

// handleLiveStop winds the pipeline down and returns the final counters.
func (s *Server) handleLiveStop(c *gin.Context) {
	if err := s.orch.Stop(c.Request.Context()); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "pipeline is not running",
				"state": s.orch.State(),
			})
			return
		}
		log.Error().Err(err).Msg("Pipeline stop failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to stop pipeline: %v", err),
			"state": s.orch.State(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "stopped",
		"state":  s.orch.State(),
		"stats":  s.orch.Stats(),
	})
}

// handleActivity returns recent detections plus a mention summary.
// since is a unix-milliseconds lower bound, limit caps the detection
// list.
func (s *Server) handleActivity(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "since must be a unix timestamp in milliseconds",
			})
			return
		}
		since = time.UnixMilli(ms)
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	window := s.orch.GetConfig().Correlator.Window
	detections := s.orch.Detections(since, limit)

	c.JSON(http.StatusOK, gin.H{
		"isActive":       s.orch.IsActive(),
		"detections":     detections,
		"count":          len(detections),
		"top_symbols":    s.orch.TopSymbols(window, 10),
		"active_signals": s.orch.ActiveSignals(),
	})
}

// applySourceOverrides flips Enabled flags by platform name. Reddit is
// accepted as an alias for the pushshift source.
func applySourceOverrides(specs *sources.Specs, overrides map[string]bool) error {
	for name, enabled := range overrides {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "rss":
			specs.RSS.Enabled = enabled
		case "cryptopanic":
			specs.CryptoPanic.Enabled = enabled
		case "lunarcrush":
			specs.LunarCrush.Enabled = enabled
		case "pushshift", "reddit":
			specs.Pushshift.Enabled = enabled
		case "twitter":
			specs.Twitter.Enabled = enabled
		default:
			return fmt.Errorf("unknown source %q (valid: rss, cryptopanic, lunarcrush, pushshift, twitter)", name)
		}
	}
	return nil
}
