package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/archive"
)

// handleCronArchive runs the archiver once. External schedulers call it
// with Authorization: Bearer <CRON_SECRET>; without a configured secret
// the endpoint is open.
func (s *Server) handleCronArchive(c *gin.Context) {
	if s.cronSecret != "" && !s.cronAuthorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid or missing cron secret",
		})
		return
	}

	if s.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "archiving is disabled",
		})
		return
	}

	started := time.Now()
	entry, err := s.archiver.Run(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Cron archive run failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"error": err.Error(),
			"entry": entry,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"key":         archive.EntryKeyAt(entry.GeneratedAt),
		"entry":       entry,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

// cronAuthorized checks the bearer token against the configured secret
// in constant time.
func (s *Server) cronAuthorized(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(header, "Bearer ")

	tokenHash := sha256.Sum256([]byte(token))
	secretHash := sha256.Sum256([]byte(s.cronSecret))
	return subtle.ConstantTimeCompare(tokenHash[:], secretHash[:]) == 1
}
