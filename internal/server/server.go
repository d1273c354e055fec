package server

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/gpuforge/gpu-broker/internal/auth"
	"github.com/gpuforge/gpu-broker/internal/server/router"
)

type Options struct {
	AllocateRatePerMinute int
}

func NewHTTPServer(lr *router.LeaseRouter, authenticator *auth.Authenticator, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "ok")
	})

	apiGroup := r.Group("/api/v1")
	apiGroup.Use(router.AuthMiddleware(authenticator))
	router.RegisterLeaseRoutes(apiGroup, lr, opts.AllocateRatePerMinute)
	return r
}
