package router

import (
	"github.com/gin-gonic/gin"
)

// RegisterLeaseRoutes wires the lease endpoints onto an authenticated group.
func RegisterLeaseRoutes(g *gin.RouterGroup, lr *LeaseRouter, allocatePerMinute int) {
	allocate := g.Group("")
	if allocatePerMinute > 0 {
		allocate.Use(newOrgRateLimiter(allocatePerMinute).Middleware())
	}
	allocate.POST("/allocate", lr.Allocate)

	g.GET("/gpus", lr.List)
	g.GET("/gpu/:id", lr.Get)
	g.POST("/gpu/:id/release", lr.Release)
	g.POST("/gpu/:id/heartbeat", lr.Heartbeat)
}
