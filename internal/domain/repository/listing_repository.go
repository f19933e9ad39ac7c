//go:generate go run go.uber.org/mock/mockgen -source=listing_repository.go -destination=../../mocks/mock_listing_repository.go -package=mocks
package repository

import (
	"context"

	"marketchat/internal/domain/entity"
)

// ListingRepository is the chat core's view of the listing directory.
type ListingRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Listing, error)
	// Save upserts a listing. Only seeding and development tooling write here.
	Save(ctx context.Context, listing *entity.Listing) error
}
