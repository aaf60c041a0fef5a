package api

import (
	"notekeep/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", ownerHeader},
	}))
	e.Use(RequestLogger())

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	notes := e.Group("/api/notes", OwnerAuth(cfg.JWTSecret))

	// Uploads (rate-limited)
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	notes.POST("/chunks", handler.HandleChunk, uploadLimiter.Middleware())
	notes.POST("", handler.HandleCreateNote, uploadLimiter.Middleware())
	notes.POST("/gallery", handler.HandleCreateGallery, uploadLimiter.Middleware())

	notes.GET("/:id", handler.HandleGetNote)
	notes.PATCH("/:id", handler.HandleEditNote)
	notes.DELETE("/:id", handler.HandleDeleteNote)
	notes.GET("/:id/download", handler.HandleDownload)
	notes.GET("/:id/files/:index", handler.HandleFile)

	return e
}
