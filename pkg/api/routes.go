package api

import (
	"copytrade-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, h *Handlers, authMiddleware *middleware.AuthMiddleware, rateLimit gin.HandlerFunc) {
	router.GET("/health", h.Health)

	setupSwagger(router)

	v1 := router.Group("/api/v1")
	{
		// Public market data
		v1.GET("/orderbook/:token", h.GetOrderbook)
		v1.GET("/prices/:token", h.GetPrice)

		// Anonymous clients get market channels only
		v1.GET("/ws", authMiddleware.OptionalAuth(), h.HandleWebSocket)

		// Chain watcher
		v1.POST("/detections", h.IngestAuth(), h.ReportDetection)

		protected := v1.Group("")
		protected.Use(authMiddleware.JWTAuth())
		if rateLimit != nil {
			protected.Use(rateLimit)
		}
		{
			protected.GET("/account", h.GetAccount)
			protected.PUT("/account/tier", h.ChangeTier)

			connections := protected.Group("/connections")
			{
				connections.POST("", h.RequestConnect)
				connections.GET("/status", h.GetConnectionStatus)
				connections.PUT("/:id/master", h.SetConnectionByMaster)
				connections.PUT("/masters/:master_id", h.SetConnectionByMember)
			}

			groups := protected.Group("/groups")
			{
				groups.GET("", h.ListGroups)
				groups.POST("", h.CreateGroup)
				groups.PUT("/:id", h.UpdateGroup)
				groups.PUT("/:id/status", h.SetGroupStatus)
				groups.POST("/:id/members", h.AddGroupMembers)
			}
			protected.PUT("/memberships/:member_id/status", h.SetMembershipStatus)

			orders := protected.Group("/orders")
			{
				orders.POST("", h.PlaceOrder)
				orders.GET("/:id", h.GetOrder)
				orders.DELETE("/:id", h.CancelOrder)
			}

			transactions := protected.Group("/transactions")
			{
				transactions.GET("", h.ListTransactions)
				transactions.GET("/:id", h.GetTransaction)
				transactions.PUT("/:id/status", h.SetTransactionStatus)
			}

			protected.POST("/watch", h.WatchWallet)
			protected.DELETE("/watch", h.UnwatchWallet)
		}
	}
}
