package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

// Listings share the catalogue's "products" collection.
const listingsCollection = "products"

type firestoreListingRepository struct {
	client *firestore.Client
}

func NewFirestoreListingRepository(client *firestore.Client) repository.ListingRepository {
	return &firestoreListingRepository{
		client: client,
	}
}

func (r *firestoreListingRepository) GetByID(ctx context.Context, id string) (*entity.Listing, error) {
	doc, err := r.client.Collection(listingsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Listing", err)
		}
		if timeout := errors.FromContext("get listing", err); timeout != nil {
			return nil, timeout
		}
		return nil, errors.Internal("Failed to get listing", err)
	}

	var listing entity.Listing
	if err := doc.DataTo(&listing); err != nil {
		return nil, errors.Internal("Failed to parse listing data", err)
	}
	if listing.ID == "" {
		listing.ID = doc.Ref.ID
	}

	return &listing, nil
}

func (r *firestoreListingRepository) Save(ctx context.Context, listing *entity.Listing) error {
	if listing.ID == "" {
		listing.ID = r.client.Collection(listingsCollection).NewDoc().ID
	}
	if listing.CreatedAt.IsZero() {
		listing.CreatedAt = time.Now()
	}

	_, err := r.client.Collection(listingsCollection).Doc(listing.ID).Set(ctx, map[string]interface{}{
		"id":        listing.ID,
		"sellerId":  listing.SellerID,
		"title":     listing.Name,
		"status":    listing.Status,
		"createdAt": listing.CreatedAt,
	}, firestore.MergeAll)
	if err != nil {
		return errors.Internal("Failed to save listing", err)
	}

	return nil
}
