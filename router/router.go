// router/router.go

package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campusops/relay/audit"
	"github.com/campusops/relay/config"
	"github.com/campusops/relay/controller"
	"github.com/campusops/relay/filter"
	"github.com/campusops/relay/middleware"
)

func SetupRouter(
	controllers *controller.Controllers,
	filterEngine *filter.Engine,
	auditService audit.Service,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	// The access filter is position 0 of the pipeline: a block here means
	// nothing downstream runs.
	router.Use(middleware.AccessFilter(filterEngine, auditService, config.GetInt64("server.max_body_bytes")))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	controllers.Ingress.RegisterRoutes(router)
	controllers.Audit.RegisterRoutes(router)

	return router
}
