package routers

import (
	"github.com/gin-gonic/gin"

	"oip/recon/internal/api/handlers/recon"
	"oip/recon/internal/api/middlewares"
	"oip/recon/pkg/logger"
)

// SetupRoutes 配置所有路由，使用 Route Group 分类
func SetupRoutes(reconHandler *recon.ReconHandler, log logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middlewares.RequestID())
	r.Use(middlewares.AccessLog(log))
	r.Use(middlewares.ErrorHandler(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "recon",
			"message": "Service is running",
		})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/pairs", reconHandler.SubmitPair)
		v1.GET("/results/:id", reconHandler.GetResult)

		exceptions := v1.Group("/exceptions")
		{
			exceptions.POST("", reconHandler.ReportException)
			exceptions.GET("/:id", reconHandler.GetException)
			exceptions.POST("/:id/resolution", reconHandler.SubmitResolution)
			exceptions.POST("/:id/override", reconHandler.SubmitOverride)
		}
	}

	return r
}
