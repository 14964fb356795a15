package http

// registerV1Routes sets up the v1 API structure.
// Groups: /api/v1/stations, /api/v1/timeseries, /api/v1/realtime
func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())
	if s.cfg.BearerToken != "" {
		v1.Use(bearerAuthMiddleware(s.cfg.BearerToken))
	}

	v1.GET("/meta", s.handleV1Meta)

	stations := v1.Group("/stations")
	{
		stations.GET("/metro", s.handleV1ListMetroStations)
		stations.GET("/bike", s.handleV1ListBikeStations)
		stations.GET("/metro/:id/links", s.handleV1MetroLinks)
	}

	v1.GET("/timeseries/:station_id", s.handleV1Timeseries)

	// Latest gauges per bike station from the published build.
	v1.GET("/realtime/now", s.handleV1RealtimeNow)
}
