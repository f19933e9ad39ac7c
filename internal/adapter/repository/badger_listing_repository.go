package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

const listingPrefix = "listing:"

type badgerListingRepository struct {
	db *badger.DB
}

func NewBadgerListingRepository(db *badger.DB) repository.ListingRepository {
	return &badgerListingRepository{db: db}
}

func (r *badgerListingRepository) GetByID(ctx context.Context, id string) (*entity.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Timeout("get listing", err)
	}

	var listing entity.Listing
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(listingPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &listing)
		})
	})
	if err != nil {
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil, errors.NotFound("Listing", err)
		}
		return nil, errors.Internal("Failed to get listing", err)
	}
	return &listing, nil
}

func (r *badgerListingRepository) Save(ctx context.Context, listing *entity.Listing) error {
	if err := ctx.Err(); err != nil {
		return errors.Timeout("save listing", err)
	}
	if listing.ID == "" {
		listing.ID = uuid.New().String()
	}
	if listing.CreatedAt.IsZero() {
		listing.CreatedAt = time.Now()
	}

	data, err := json.Marshal(listing)
	if err != nil {
		return errors.Internal("Failed to encode listing", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(listingPrefix+listing.ID), data)
	})
	if err != nil {
		return errors.Internal("Failed to save listing", err)
	}
	return nil
}
