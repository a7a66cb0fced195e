package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/courseforge/courseforge-backend/internal/handlers"
)

type RouterConfig struct {
	CourseHandler *handlers.CourseHandler
	SSEHandler    *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Trace context for every request; spans are no-ops until a tracer
	// provider is installed.
	router.Use(otelgin.Middleware("courseforge"))

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		// Courses
		api.POST("/courses", cfg.CourseHandler.StartCourse)
		api.GET("/courses/:id/status", cfg.CourseHandler.GetCourseStatus)
		api.GET("/courses/:id/trace", cfg.CourseHandler.GetCourseTrace)
		api.POST("/courses/:id/cancel", cfg.CourseHandler.CancelCourse)
		// SSE
		api.GET("/sse/stream", cfg.SSEHandler.SSEStream)
	}

	return router
}
