// Package api is the thin consumer-facing HTTP adapter over the memory
// and personality managers. No auth or sessions; those belong to the
// callers sitting in front of this service.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter builds the gin engine with all consumer and operational
// routes.
func SetupRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	users := r.Group("/api/users/:user_id")
	{
		users.POST("/memories", h.StoreMemory)
		users.POST("/memories/search", h.SearchMemories)
		users.PUT("/personality", h.InitializePersonality)
		users.GET("/personality", h.GetPersonality)
		users.POST("/personality/delta", h.ApplyDelta)
		users.GET("/conflicts", h.ListConflicts)
		users.PATCH("/conflicts/:conflict_id", h.UpdateConflict)
		users.POST("/consolidate", h.TriggerConsolidation)
	}
	return r
}
