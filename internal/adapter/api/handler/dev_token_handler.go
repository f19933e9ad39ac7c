package handler

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
	"marketchat/pkg/response"
)

type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

type ListingSaver interface {
	Save(ctx context.Context, listing *entity.Listing) error
}

// DevTokenHandler serves development-only helpers for exercising the chat
// without a Firebase project.
type DevTokenHandler struct {
	issuer   TokenIssuer
	listings ListingSaver
}

var devTokenHandler *DevTokenHandler

func NewDevTokenHandler(issuer TokenIssuer, listings ListingSaver) *DevTokenHandler {
	return &DevTokenHandler{
		issuer:   issuer,
		listings: listings,
	}
}

func SetupDevTokenHandler(issuer TokenIssuer, listings ListingSaver) {
	devTokenHandler = NewDevTokenHandler(issuer, listings)
}

func GetDevTokenHandler() *DevTokenHandler {
	return devTokenHandler
}

type devTokenRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type devListingRequest struct {
	SellerID string `json:"sellerId" validate:"required"`
	Title    string `json:"title" validate:"required,max=200"`
}

// GenerateToken issues a signed token for any user id.
func (h *DevTokenHandler) GenerateToken(c echo.Context) error {
	var req devTokenRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.InvalidArgument("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	token, expiresAt, err := h.issuer.Issue(req.UserID)
	if err != nil {
		return response.Error(c, errors.Internal("Failed to issue token", err))
	}

	return response.Success(c, map[string]interface{}{
		"token":     token,
		"userId":    req.UserID,
		"expiresAt": expiresAt,
	})
}

// CreateListing stores a listing so a chat group can be opened for it.
func (h *DevTokenHandler) CreateListing(c echo.Context) error {
	var req devListingRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.InvalidArgument("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	listing := &entity.Listing{SellerID: req.SellerID, Name: req.Title, Status: "active"}
	if err := h.listings.Save(c.Request().Context(), listing); err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, listing)
}
