// Package api is the HTTP surface: the build intake endpoint plus the
// operator-facing reads. All heavy work happens in the pipeline; handlers
// only validate, admit, and answer.
package api

import (
	"github.com/gin-gonic/gin"

	"pagesmith/internal/metrics"
)

// NewRouter assembles the gin engine with recovery, structured request
// metrics, and all routes.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.PrometheusMiddleware())

	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/metrics", metrics.Handler())

	r.POST("/build", h.Build)
	r.GET("/tasks", h.ListTasks)
	r.GET("/tasks/:id", h.GetTask)

	return r
}
