package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/breaker"
)

// handleBreakerGet serves the read-only circuit breaker views. The
// action query parameter selects the view; every response carries the
// current state.
func (s *Server) handleBreakerGet(c *gin.Context) {
	action := c.DefaultQuery("action", "status")

	switch action {
	case "status":
		c.JSON(http.StatusOK, s.breaker.Snapshot())

	case "metrics":
		c.JSON(http.StatusOK, gin.H{
			"state":   s.breaker.State(),
			"metrics": s.breaker.TradingMetrics(),
		})

	case "failures":
		failures := s.breaker.Failures()
		c.JSON(http.StatusOK, gin.H{
			"state":    s.breaker.State(),
			"failures": failures,
			"count":    len(failures),
		})

	case "config":
		c.JSON(http.StatusOK, gin.H{
			"state":  s.breaker.State(),
			"config": s.breaker.Config(),
		})

	case "health":
		snap := s.breaker.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"state":           snap.State,
			"healthy":         snap.State != breaker.StateOpen,
			"latched":         snap.Latched,
			"trip_reason":     snap.TripReason,
			"window_failures": snap.WindowFailures,
		})

	case "dashboard":
		snap := s.breaker.Snapshot()
		failures := s.breaker.Failures()
		if len(failures) > 10 {
			failures = failures[len(failures)-10:]
		}
		c.JSON(http.StatusOK, gin.H{
			"state":           snap.State,
			"status":          snap,
			"recent_failures": failures,
			"healthy":         snap.State != breaker.StateOpen,
		})

	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":         fmt.Sprintf("unknown action %q", action),
			"state":         s.breaker.State(),
			"valid_actions": []string{"status", "metrics", "failures", "config", "health", "dashboard"},
		})
	}
}

// breakerMetricsUpdate carries trading figures pushed by the caller.
// Absent fields leave the current values alone.
type breakerMetricsUpdate struct {
	DailyPnL *float64 `json:"daily_pnl,omitempty"`
	Drawdown *float64 `json:"drawdown,omitempty"`
	TradePnL *float64 `json:"trade_pnl,omitempty"`
}

// handleBreakerPost serves the circuit breaker control actions.
func (s *Server) handleBreakerPost(c *gin.Context) {
	action := c.Query("action")

	switch action {
	case "force_open":
		var req struct {
			Reason string `json:"reason"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				s.breakerBadRequest(c, err)
				return
			}
		}
		s.breaker.ForceOpen(req.Reason)
		snap := s.breaker.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":      "forced_open",
			"state":       snap.State,
			"trip_reason": snap.TripReason,
		})

	case "force_close":
		s.breaker.ForceClose()
		c.JSON(http.StatusOK, gin.H{
			"status": "closed",
			"state":  s.breaker.State(),
		})

	case "emergency_stop":
		var req struct {
			Reason string `json:"reason"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				s.breakerBadRequest(c, err)
				return
			}
		}
		s.breaker.EmergencyStop(req.Reason)
		snap := s.breaker.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":      "emergency_stop",
			"state":       snap.State,
			"latched":     snap.Latched,
			"trip_reason": snap.TripReason,
		})

	case "update_metrics":
		var req breakerMetricsUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			s.breakerBadRequest(c, err)
			return
		}
		if req.DailyPnL != nil {
			s.breaker.UpdateDailyPnL(*req.DailyPnL)
		}
		if req.Drawdown != nil {
			s.breaker.UpdateDrawdown(*req.Drawdown)
		}
		if req.TradePnL != nil {
			s.breaker.RecordTrade(*req.TradePnL)
		}
		c.JSON(http.StatusOK, gin.H{
			"state":   s.breaker.State(),
			"metrics": s.breaker.TradingMetrics(),
		})

	case "update_config":
		var patch breaker.ConfigPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			s.breakerBadRequest(c, err)
			return
		}
		cfg := s.breaker.UpdateConfig(patch)
		c.JSON(http.StatusOK, gin.H{
			"state":  s.breaker.State(),
			"config": cfg,
		})

	case "reset_daily_metrics":
		s.breaker.ResetDailyMetrics()
		c.JSON(http.StatusOK, gin.H{
			"status":  "reset",
			"state":   s.breaker.State(),
			"metrics": s.breaker.TradingMetrics(),
		})

	case "test_operation":
		var req struct {
			ShouldFail bool   `json:"should_fail"`
			OpType     string `json:"op_type"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				s.breakerBadRequest(c, err)
				return
			}
		}
		if req.OpType == "" {
			req.OpType = "test"
		}

		err := s.breaker.Execute(c.Request.Context(), req.OpType, func(context.Context) error {
			if req.ShouldFail {
				return errors.New("injected test failure")
			}
			return nil
		})

		resp := gin.H{
			"state":    s.breaker.State(),
			"op_type":  req.OpType,
			"executed": !errors.Is(err, breaker.ErrCircuitOpen),
			"rejected": errors.Is(err, breaker.ErrCircuitOpen),
			"time":     time.Now().UTC(),
		}
		if err != nil {
			resp["error"] = err.Error()
		}
		c.JSON(http.StatusOK, resp)
		if err != nil && !errors.Is(err, breaker.ErrCircuitOpen) {
			log.Debug().Str("op_type", req.OpType).Msg("Test operation recorded a failure")
		}

	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unknown action %q", action),
			"state": s.breaker.State(),
			"valid_actions": []string{
				"force_open", "force_close", "emergency_stop", "update_metrics",
				"update_config", "reset_daily_metrics", "test_operation",
			},
		})
	}
}

func (s *Server) breakerBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": fmt.Sprintf("invalid request: %v", err),
		"state": s.breaker.State(),
	})
}
