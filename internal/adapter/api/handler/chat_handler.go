package handler

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
	"marketchat/pkg/response"
	"marketchat/pkg/utils"
)

type ChatHandler struct {
	chatUseCase *usecase.ChatUseCase
}

func NewChatHandler(chatUseCase *usecase.ChatUseCase) *ChatHandler {
	return &ChatHandler{
		chatUseCase: chatUseCase,
	}
}

type sendMessageRequest struct {
	Body string `json:"body" validate:"required"`
}

// GetOrCreateGroup joins the caller to the listing's chat group as a buyer,
// creating the group on first contact.
func (h *ChatHandler) GetOrCreateGroup(c echo.Context) error {
	group, err := h.chatUseCase.GetOrCreateGroup(c.Request().Context(), c.Param("listingId"), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, group)
}

// CreateGroupForListing lets the listing owner open the group before any
// buyer writes.
func (h *ChatHandler) CreateGroupForListing(c echo.Context) error {
	group, err := h.chatUseCase.CreateGroupForListing(c.Request().Context(), c.Param("listingId"), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, group)
}

func (h *ChatHandler) SendToListing(c echo.Context) error {
	var req sendMessageRequest
	if err := h.bind(c, &req); err != nil {
		return response.Error(c, err)
	}

	message, err := h.chatUseCase.SendToListing(c.Request().Context(), c.Param("listingId"), middleware.UserID(c), req.Body)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, message)
}

func (h *ChatHandler) CloseGroupByListing(c echo.Context) error {
	group, err := h.chatUseCase.CloseGroupByListing(c.Request().Context(), c.Param("listingId"), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, group)
}

// GetUserChats lists the caller's groups, most recent activity first.
func (h *ChatHandler) GetUserChats(c echo.Context) error {
	params := utils.GetPaginationParams(c)

	summaries, total, err := h.chatUseCase.ListGroupsFor(c.Request().Context(), middleware.UserID(c), params.PageSize, params.Offset)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Paginated(c, summaries, total, params.Page, params.PageSize)
}

func (h *ChatHandler) GetChatByID(c echo.Context) error {
	info, err := h.chatUseCase.GetGroupInfo(c.Request().Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, info)
}

func (h *ChatHandler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := h.bind(c, &req); err != nil {
		return response.Error(c, err)
	}

	message, err := h.chatUseCase.SendMessage(c.Request().Context(), usecase.SendMessageInput{
		ChatGroupID: c.Param("id"),
		SenderID:    middleware.UserID(c),
		Body:        req.Body,
	})
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, message)
}

// GetChatMessages returns the group's messages and marks them read for the
// caller. ?peek=true leaves read state untouched.
func (h *ChatHandler) GetChatMessages(c echo.Context) error {
	ctx := c.Request().Context()
	groupID, userID := c.Param("id"), middleware.UserID(c)

	fetch := h.chatUseCase.FetchMessages
	if peek, _ := strconv.ParseBool(c.QueryParam("peek")); peek {
		fetch = h.chatUseCase.PeekMessages
	}

	messages, err := fetch(ctx, groupID, userID)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, messages)
}

func (h *ChatHandler) MarkChatAsRead(c echo.Context) error {
	result, err := h.chatUseCase.MarkRead(c.Request().Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, result)
}

func (h *ChatHandler) CloseChat(c echo.Context) error {
	group, err := h.chatUseCase.CloseGroup(c.Request().Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, group)
}

func (h *ChatHandler) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return errors.InvalidArgument("Invalid request body", err)
	}
	return c.Validate(req)
}
