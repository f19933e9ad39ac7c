package repository

import (
	"context"
	stderrors "errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

const (
	chatGroupsCollection    = "chat_groups"
	groupListingsCollection = "chat_group_listings"
	messagesCollection      = "messages"
)

type firestoreChatRepository struct {
	client    *firestore.Client
	readBatch int
}

func NewFirestoreChatRepository(client *firestore.Client) repository.ChatRepository {
	return &firestoreChatRepository{
		client:    client,
		readBatch: defaultReadBatch,
	}
}

func (r *firestoreChatRepository) groups() *firestore.CollectionRef {
	return r.client.Collection(chatGroupsCollection)
}

func (r *firestoreChatRepository) messages(groupID string) *firestore.CollectionRef {
	return r.groups().Doc(groupID).Collection(messagesCollection)
}

// Create claims the listing index document first; tx.Create fails with
// AlreadyExists if another group owns the listing.
func (r *firestoreChatRepository) Create(ctx context.Context, group *entity.ChatGroup) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}

	indexRef := r.client.Collection(groupListingsCollection).Doc(group.ListingID)
	groupRef := r.groups().Doc(group.ID)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(indexRef, map[string]interface{}{"chatGroupId": group.ID}); err != nil {
			return err
		}
		return tx.Create(groupRef, group)
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return errors.Conflict("Chat group already exists for listing", err)
		}
		return mapFirestoreError("create chat group", err)
	}

	return nil
}

func (r *firestoreChatRepository) GetByID(ctx context.Context, id string) (*entity.ChatGroup, error) {
	doc, err := r.groups().Doc(id).Get(ctx)
	if err != nil {
		return nil, mapFirestoreError("get chat group", err)
	}
	return decodeGroup(doc)
}

func (r *firestoreChatRepository) GetByListingID(ctx context.Context, listingID string) (*entity.ChatGroup, error) {
	index, err := r.client.Collection(groupListingsCollection).Doc(listingID).Get(ctx)
	if err != nil {
		return nil, mapFirestoreError("get chat group by listing", err)
	}

	groupID, ok := index.Data()["chatGroupId"].(string)
	if !ok || groupID == "" {
		return nil, errors.Internal("Malformed chat group listing index", nil)
	}
	return r.GetByID(ctx, groupID)
}

func (r *firestoreChatRepository) ListByUserID(ctx context.Context, userID string) ([]*entity.ChatGroup, error) {
	iter := r.groups().Where("memberIds", "array-contains", userID).Documents(ctx)
	defer iter.Stop()

	var groups []*entity.ChatGroup
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			logger.Error("Firestore error while listing chat groups for user %s: %v", userID, err)
			return nil, mapFirestoreError("list chat groups", err)
		}

		group, err := decodeGroup(doc)
		if err != nil {
			logger.Warn("Skipping malformed chat group %s: %v", doc.Ref.ID, err)
			continue
		}
		groups = append(groups, group)
	}

	return groups, nil
}

func (r *firestoreChatRepository) UpdateGroup(ctx context.Context, id string, mutate repository.GroupMutation) (*entity.ChatGroup, error) {
	ref := r.groups().Doc(id)
	var updated *entity.ChatGroup

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		group, err := txGetGroup(tx, ref)
		if err != nil {
			return err
		}
		if err := mutate(group); err != nil {
			return err
		}
		updated = group
		return tx.Set(ref, group)
	})
	if err != nil {
		return nil, mapFirestoreError("update chat group", err)
	}

	return updated, nil
}

func (r *firestoreChatRepository) AppendMessage(ctx context.Context, groupID string, message *entity.Message, mutate repository.GroupMutation) (*entity.ChatGroup, error) {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}

	ref := r.groups().Doc(groupID)
	var updated *entity.ChatGroup

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		group, err := txGetGroup(tx, ref)
		if err != nil {
			return err
		}
		if err := mutate(group); err != nil {
			return err
		}
		if message.Seq == 0 {
			return errors.Internal("Message was not recorded on the chat group", nil)
		}
		if err := tx.Create(r.messages(groupID).Doc(message.ID), message); err != nil {
			return err
		}
		updated = group
		return tx.Set(ref, group)
	})
	if err != nil {
		return nil, mapFirestoreError("append message", err)
	}

	return updated, nil
}

func (r *firestoreChatRepository) GetMessagesByGroup(ctx context.Context, groupID string) ([]*entity.Message, error) {
	docs, err := r.messages(groupID).OrderBy("seq", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		logger.Error("Firestore error while fetching messages for chat group %s: %v", groupID, err)
		return nil, mapFirestoreError("get messages", err)
	}
	return decodeMessages(docs)
}

// MarkRead reads the message log inside the transaction so acknowledgements
// and counter resets commit together. A backlog longer than readBatch is
// acknowledged over several transactions.
func (r *firestoreChatRepository) MarkRead(ctx context.Context, groupID string, mutate repository.ReadMutation) (*entity.ChatGroup, int, error) {
	ref := r.groups().Doc(groupID)
	var (
		updated *entity.ChatGroup
		total   int
	)

	for {
		var marked int
		err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			group, err := txGetGroup(tx, ref)
			if err != nil {
				return err
			}
			filter, err := mutate(group)
			if err != nil {
				return err
			}

			docs, err := tx.Documents(r.messages(groupID).OrderBy("seq", firestore.Asc)).GetAll()
			if err != nil {
				return err
			}
			messages, err := decodeMessages(docs)
			if err != nil {
				return err
			}

			marked = 0
			for _, m := range messages {
				if marked == r.readBatch {
					break
				}
				if !filter.Matches(m) || !m.Acknowledge(filter.ReaderID) {
					continue
				}
				err := tx.Update(r.messages(groupID).Doc(m.ID), []firestore.Update{
					{Path: "isRead", Value: m.IsRead},
					{Path: "readBy", Value: m.ReadBy},
				})
				if err != nil {
					return err
				}
				marked++
			}

			updated = group
			return tx.Set(ref, group)
		})
		if err != nil {
			return nil, 0, mapFirestoreError("mark messages read", err)
		}
		total += marked
		if marked < r.readBatch {
			return updated, total, nil
		}
	}
}

func txGetGroup(tx *firestore.Transaction, ref *firestore.DocumentRef) (*entity.ChatGroup, error) {
	doc, err := tx.Get(ref)
	if err != nil {
		return nil, err
	}
	return decodeGroup(doc)
}

func decodeGroup(doc *firestore.DocumentSnapshot) (*entity.ChatGroup, error) {
	var group entity.ChatGroup
	if err := doc.DataTo(&group); err != nil {
		return nil, errors.Internal("Failed to parse chat group data", err)
	}
	if group.ID == "" {
		group.ID = doc.Ref.ID
	}
	return &group, nil
}

func decodeMessages(docs []*firestore.DocumentSnapshot) ([]*entity.Message, error) {
	messages := make([]*entity.Message, 0, len(docs))
	for _, doc := range docs {
		var message entity.Message
		if err := doc.DataTo(&message); err != nil {
			return nil, errors.Internal("Failed to parse message data", err)
		}
		messages = append(messages, &message)
	}
	return messages, nil
}

func mapFirestoreError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if timeout := errors.FromContext(operation, err); timeout != nil {
		return timeout
	}
	switch status.Code(err) {
	case codes.NotFound:
		return errors.NotFound("Chat group", err)
	case codes.Aborted, codes.AlreadyExists:
		return errors.Conflict(fmt.Sprintf("Concurrent update during %s", operation), err)
	case codes.DeadlineExceeded, codes.Canceled:
		return errors.Timeout(operation, err)
	default:
		return errors.Internal(fmt.Sprintf("Failed to %s", operation), err)
	}
}
