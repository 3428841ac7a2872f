package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)

	// Pipeline lifecycle and activity
	live := s.router.Group("/live")
	{
		live.POST("/start", s.handleLiveStart)
		live.GET("/status", s.handleLiveStatus)
		live.DELETE("/stop", s.handleLiveStop)
		live.GET("/activity", s.handleActivity)
		live.POST("/activity", s.handleActivityStream)
		live.GET("/ws", s.handleActivityWS)
	}

	// Circuit breaker control, action selected by query parameter
	s.router.GET("/circuit-breaker", s.handleBreakerGet)
	s.router.POST("/circuit-breaker", s.handleBreakerPost)

	// Scheduled archive trigger
	s.router.POST("/cron/archive", s.handleCronArchive)
}
