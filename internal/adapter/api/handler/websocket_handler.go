package handler

import (
	"net/http"
	"strings"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/middleware"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

type WebSocketHandler struct {
	wsManager      *ws.Manager
	authMiddleware *middleware.AuthMiddleware
	sendBuffer     int
	upgrader       gorillaws.Upgrader
}

func NewWebSocketHandler(wsManager *ws.Manager, authMiddleware *middleware.AuthMiddleware, sendBuffer int) *WebSocketHandler {
	return &WebSocketHandler{
		wsManager:      wsManager,
		authMiddleware: authMiddleware,
		sendBuffer:     sendBuffer,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers cannot set headers on the upgrade, so the token comes
			// from the query string and origin is not used for auth.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket authenticates the upgrade request, then hands the
// connection to the manager. Rooms are joined with join_chat_room.
func (h *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		token = strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return response.Error(c, errors.Unauthorized("Token is required", nil))
	}

	userID, err := h.authMiddleware.GetUIDFromToken(c.Request().Context(), token)
	if err != nil {
		return response.Error(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn("websocket upgrade failed for user %s: %v", userID, err)
		return nil
	}

	client := ws.NewClient(userID, conn, h.sendBuffer)
	if err := h.wsManager.Register(client); err != nil {
		_ = conn.WriteMessage(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return nil
	}

	go client.WritePump()
	go client.ReadPump(h.wsManager)
	return nil
}
