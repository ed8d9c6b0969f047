package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/boardforge/boardforge-backend/internal/handlers"
)

type RouterConfig struct {
	GenerationHandler *handlers.GenerationHandler
	GeneratorsHandler *handlers.GeneratorsHandler
	EventsHandler     *handlers.EventsHandler
	AllowOrigins      []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.GET("/generators", cfg.GeneratorsHandler.List)

		api.POST("/generations", cfg.GenerationHandler.Submit)
		api.GET("/generations/:id", cfg.GenerationHandler.GetByID)
		api.POST("/generations/:id/cancel", cfg.GenerationHandler.Cancel)
		api.POST("/generations/:id/retry", cfg.GenerationHandler.Retry)
		api.GET("/generations/:id/events", cfg.EventsHandler.Stream)
	}

	return router
}
