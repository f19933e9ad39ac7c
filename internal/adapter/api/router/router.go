package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
)

type Deps struct {
	Auth        *middleware.AuthMiddleware
	Limiter     middleware.Limiter
	Chat        *handler.ChatHandler
	WebSocket   *handler.WebSocketHandler
	Environment string
}

func Setup(e *echo.Echo, deps Deps) {
	SetupHealthRouter(e)
	SetupChatRouter(e, deps.Chat, deps.Auth, deps.Limiter)
	SetupWebSocketRouter(e, deps.WebSocket)
	SetupDevRouter(e, deps.Environment)
}
