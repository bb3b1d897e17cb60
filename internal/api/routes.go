package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleGetStatus)
		v1.GET("/health", s.handleGetHealth)

		bots := v1.Group("/bots")
		{
			bots.GET("", s.handleListBots)
			bots.POST("", s.handleCreateBot)
			bots.GET("/export", s.handleExportBots)
			bots.POST("/import", s.handleImportBots)
			bots.GET("/:id", s.handleGetBot)
			bots.PATCH("/:id", s.handleUpdateBot)
			bots.POST("/:id/start", s.handleStartBot)
			bots.POST("/:id/stop", s.handleStopBot)
			bots.GET("/:id/status", s.handleGetBotStatus)
			bots.GET("/:id/history", s.handleGetBotHistory)
		}

		v1.GET("/portfolio", s.handleGetPortfolio)
		v1.GET("/portfolio/positions/:pair", s.handleGetPosition)
		v1.GET("/portfolio/validate", s.handleValidatePortfolio)

		v1.GET("/trades", s.handleListTrades)

		v1.POST("/emergency-stop", s.handleEmergencyStop)
		v1.DELETE("/emergency-stop", s.handleResumeTrading)

		v1.GET("/events/ws", s.handleEventStream)
	}

	s.router.GET("/", s.handleRoot)
}
