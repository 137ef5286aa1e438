// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package investigate

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the investigation API under rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	inv := rg.Group("/investigate")
	{
		inv.POST("/sessions", h.HandleCreateSession)
		inv.POST("/sessions/:id/run", h.HandleRun)
		inv.GET("/sessions/:id/transcript", h.HandleTranscript)
		inv.DELETE("/sessions/:id", h.HandleDeleteSession)
		inv.GET("/stream", h.HandleStream)
	}
	rg.GET("/health", h.HandleHealth)
	rg.GET("/ready", h.HandleReady)
}
