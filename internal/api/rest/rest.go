package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/radiant-tcg/cardtrust/internal/api/middleware"
	"github.com/radiant-tcg/cardtrust/internal/metrics"
	"github.com/radiant-tcg/cardtrust/internal/ratelimit"
)

// SetupRoutes configures all REST API routes. limiter may be nil, which
// disables rate limiting on the guess-prone endpoints.
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig, limiter *ratelimit.Limiter) {
	// Health and metrics endpoints (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Card registration (requires API key - provisioning line only)
		v1.POST("/cards", middleware.APIKeyAuth(authCfg), handler.RegisterCard)

		// Card lookup (public read access)
		v1.GET("/cards/:uid", handler.GetCard)

		// The open endpoints accept guessable inputs (activation codes,
		// challenge responses), so they get per-client rate limiting
		limited := ratelimit.Middleware(limiter)

		// Lifecycle operations driven by the order/activation collaborators
		v1.POST("/cards/:uid/sell", middleware.Auth(authCfg), handler.SellCard)
		v1.POST("/cards/:uid/activate", limited, handler.ActivateCard)

		// Challenge-response authentication (open - devices hold no credentials)
		v1.POST("/cards/:uid/authenticate", limited, handler.Authenticate)
		v1.POST("/cards/:uid/verify", limited, handler.Verify)

		// Escrow trading
		v1.POST("/cards/:uid/trades", handler.InitiateTrade)
		v1.POST("/cards/:uid/trades/complete", handler.CompleteTrade)
		v1.POST("/cards/:uid/trades/cancel", handler.CancelTrade)

		// Security event log (requires authentication)
		v1.GET("/events", middleware.Auth(authCfg), handler.ListEvents)

		// Admin status override (requires JWT - the acting subject is audited)
		v1.POST("/cards/:uid/admin/status", middleware.JWTAuth(authCfg), handler.AdminSetStatus)
	}
}
