//go:generate go run go.uber.org/mock/mockgen -source=chat_repository.go -destination=../../mocks/mock_chat_repository.go -package=mocks
package repository

import (
	"context"

	"marketchat/internal/domain/entity"
)

// GroupMutation is applied to a freshly read group inside a store transaction.
// Returning an error aborts the transaction without writing anything.
type GroupMutation func(group *entity.ChatGroup) error

// ChatRepository persists chat groups and their message log. Every method that
// takes a GroupMutation applies it atomically with respect to other writers of
// the same group.
type ChatRepository interface {
	// Create stores a new group. It fails with CONFLICT when a group already
	// exists for the listing.
	Create(ctx context.Context, group *entity.ChatGroup) error
	GetByID(ctx context.Context, id string) (*entity.ChatGroup, error)
	GetByListingID(ctx context.Context, listingID string) (*entity.ChatGroup, error)
	// ListByUserID returns every group where userID is the seller or a participant.
	ListByUserID(ctx context.Context, userID string) ([]*entity.ChatGroup, error)
	UpdateGroup(ctx context.Context, id string, mutate GroupMutation) (*entity.ChatGroup, error)

	// AppendMessage runs mutate on the group, then stores message in the same
	// transaction. mutate is expected to call RecordMessage.
	AppendMessage(ctx context.Context, groupID string, message *entity.Message, mutate GroupMutation) (*entity.ChatGroup, error)
	// GetMessagesByGroup returns the group's messages in ascending creation order.
	GetMessagesByGroup(ctx context.Context, groupID string) ([]*entity.Message, error)
	// MarkRead acknowledges every message matched by the filter returned from
	// mutate, each batch atomically with the group update. mutate may run
	// once per batch.
	MarkRead(ctx context.Context, groupID string, mutate ReadMutation) (*entity.ChatGroup, int, error)
}

// ReadMutation resets counters on the group and returns which messages the
// reader acknowledges.
type ReadMutation func(group *entity.ChatGroup) (entity.ReadFilter, error)
