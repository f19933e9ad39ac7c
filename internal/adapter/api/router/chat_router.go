package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/infrastructure/ratelimit"
)

// SetupChatRouter sets up all chat routes (excluding WebSocket)
func SetupChatRouter(e *echo.Echo, chatHandler *handler.ChatHandler, authMiddleware *middleware.AuthMiddleware, limiter middleware.Limiter) {
	apiLimit := middleware.RateLimit(limiter, ratelimit.ActionAPI)
	createLimit := middleware.RateLimit(limiter, ratelimit.ActionCreateChat)

	// Listing-scoped entry points
	listingGroup := e.Group("/v1/listings/:listingId", authMiddleware.Authenticate, apiLimit)
	listingGroup.POST("/chat", chatHandler.GetOrCreateGroup)                         // join as buyer, creating on first contact
	listingGroup.POST("/chat-group", chatHandler.CreateGroupForListing, createLimit) // seller opens the group
	listingGroup.POST("/chat/messages", chatHandler.SendToListing)
	listingGroup.POST("/chat/close", chatHandler.CloseGroupByListing)

	chatGroup := e.Group("/v1/chats", authMiddleware.Authenticate, apiLimit)
	chatGroup.GET("", chatHandler.GetUserChats)
	chatGroup.GET("/:id", chatHandler.GetChatByID)
	chatGroup.PUT("/:id/read", chatHandler.MarkChatAsRead)
	chatGroup.POST("/:id/close", chatHandler.CloseChat)

	chatGroup.POST("/:id/messages", chatHandler.SendMessage)
	chatGroup.GET("/:id/messages", chatHandler.GetChatMessages) // ?peek=true skips the read acknowledgement
}
