package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

// Key layout:
//
//	group:{groupID}                 -> ChatGroup JSON
//	group-listing:{listingID}       -> groupID
//	member:{len}:{userID}:{groupID} -> empty, membership index
//	msg:{groupID}:{seq, 19 digits}  -> Message JSON
//
// The zero padded sequence keeps a prefix scan in creation order.
const (
	groupPrefix        = "group:"
	groupListingPrefix = "group-listing:"
	memberPrefix       = "member:"
	messagePrefix      = "msg:"
)

// defaultReadBatch caps the acknowledgements written per transaction. It stays
// under Firestore's 500 writes per transaction and far from ErrTxnTooBig.
const defaultReadBatch = 400

type badgerChatRepository struct {
	db        *badger.DB
	locks     *groupLocks
	readBatch int
}

func NewBadgerChatRepository(db *badger.DB) repository.ChatRepository {
	return &badgerChatRepository{
		db:        db,
		locks:     newGroupLocks(),
		readBatch: defaultReadBatch,
	}
}

func groupKey(id string) []byte {
	return []byte(groupPrefix + id)
}

func groupListingKey(listingID string) []byte {
	return []byte(groupListingPrefix + listingID)
}

// memberUserPrefix length-prefixes the user id so that no user's prefix is a
// prefix of another user's keys.
func memberUserPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:", memberPrefix, len(userID), userID))
}

func memberKey(userID, groupID string) []byte {
	return append(memberUserPrefix(userID), groupID...)
}

func messageGroupPrefix(groupID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", messagePrefix, groupID))
}

func messageKey(groupID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d", messagePrefix, groupID, seq))
}

func (r *badgerChatRepository) Create(ctx context.Context, group *entity.ChatGroup) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}

	release, err := r.locks.acquire(ctx, groupListingPrefix+group.ListingID)
	if err != nil {
		return mapBadgerError("create chat group", err)
	}
	defer release()

	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(groupListingKey(group.ListingID)); err == nil {
			return errors.Conflict("Chat group already exists for listing", nil)
		} else if !stderrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(groupListingKey(group.ListingID), []byte(group.ID)); err != nil {
			return err
		}
		return putGroup(txn, group, nil)
	})
	return mapBadgerError("create chat group", err)
}

func (r *badgerChatRepository) GetByID(ctx context.Context, id string) (*entity.ChatGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapBadgerError("get chat group", err)
	}
	var group *entity.ChatGroup
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		group, err = getGroup(txn, id)
		return err
	})
	if err != nil {
		return nil, mapBadgerError("get chat group", err)
	}
	return group, nil
}

func (r *badgerChatRepository) GetByListingID(ctx context.Context, listingID string) (*entity.ChatGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapBadgerError("get chat group by listing", err)
	}
	var group *entity.ChatGroup
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(groupListingKey(listingID))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		group, err = getGroup(txn, string(id))
		return err
	})
	if err != nil {
		return nil, mapBadgerError("get chat group by listing", err)
	}
	return group, nil
}

func (r *badgerChatRepository) ListByUserID(ctx context.Context, userID string) ([]*entity.ChatGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapBadgerError("list chat groups", err)
	}
	var groups []*entity.ChatGroup
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := memberUserPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			groupID := string(it.Item().Key()[len(prefix):])
			group, err := getGroup(txn, groupID)
			if err != nil {
				return err
			}
			groups = append(groups, group)
		}
		return nil
	})
	if err != nil {
		return nil, mapBadgerError("list chat groups", err)
	}
	return groups, nil
}

func (r *badgerChatRepository) UpdateGroup(ctx context.Context, id string, mutate repository.GroupMutation) (*entity.ChatGroup, error) {
	var updated *entity.ChatGroup
	err := r.inGroupTxn(ctx, id, func(txn *badger.Txn, group *entity.ChatGroup) error {
		before := append([]string(nil), group.MemberIDs...)
		if err := mutate(group); err != nil {
			return err
		}
		updated = group
		return putGroup(txn, group, before)
	})
	if err != nil {
		return nil, mapBadgerError("update chat group", err)
	}
	return updated, nil
}

func (r *badgerChatRepository) AppendMessage(ctx context.Context, groupID string, message *entity.Message, mutate repository.GroupMutation) (*entity.ChatGroup, error) {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}

	var updated *entity.ChatGroup
	err := r.inGroupTxn(ctx, groupID, func(txn *badger.Txn, group *entity.ChatGroup) error {
		before := append([]string(nil), group.MemberIDs...)
		if err := mutate(group); err != nil {
			return err
		}
		if message.Seq == 0 {
			return errors.Internal("Message was not recorded on the chat group", nil)
		}
		data, err := json.Marshal(message)
		if err != nil {
			return err
		}
		if err := txn.Set(messageKey(groupID, message.Seq), data); err != nil {
			return err
		}
		updated = group
		return putGroup(txn, group, before)
	})
	if err != nil {
		return nil, mapBadgerError("append message", err)
	}
	return updated, nil
}

func (r *badgerChatRepository) GetMessagesByGroup(ctx context.Context, groupID string) ([]*entity.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapBadgerError("get messages", err)
	}
	var messages []*entity.Message
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		messages, err = scanMessages(txn, groupID)
		return err
	})
	if err != nil {
		return nil, mapBadgerError("get messages", err)
	}
	return messages, nil
}

// MarkRead acknowledges in transactions of at most readBatch messages. Every
// pass reapplies mutate so the group always commits with its last batch.
func (r *badgerChatRepository) MarkRead(ctx context.Context, groupID string, mutate repository.ReadMutation) (*entity.ChatGroup, int, error) {
	var (
		updated *entity.ChatGroup
		total   int
	)
	for {
		var marked int
		err := r.inGroupTxn(ctx, groupID, func(txn *badger.Txn, group *entity.ChatGroup) error {
			filter, err := mutate(group)
			if err != nil {
				return err
			}
			messages, err := scanMessages(txn, groupID)
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
				data, err := json.Marshal(m)
				if err != nil {
					return err
				}
				if err := txn.Set(messageKey(groupID, m.Seq), data); err != nil {
					return err
				}
				marked++
			}
			updated = group
			return putGroup(txn, group, group.MemberIDs)
		})
		if err != nil {
			return nil, 0, mapBadgerError("mark messages read", err)
		}
		total += marked
		if marked < r.readBatch {
			return updated, total, nil
		}
	}
}

// inGroupTxn holds the group's lock for the whole read-modify-write so that
// writers of the same group queue instead of failing with ErrConflict.
func (r *badgerChatRepository) inGroupTxn(ctx context.Context, groupID string, fn func(txn *badger.Txn, group *entity.ChatGroup) error) error {
	release, err := r.locks.acquire(ctx, groupPrefix+groupID)
	if err != nil {
		return err
	}
	defer release()

	return r.db.Update(func(txn *badger.Txn) error {
		group, err := getGroup(txn, groupID)
		if err != nil {
			return err
		}
		if err := fn(txn, group); err != nil {
			return err
		}
		// Abort rather than commit work the caller has stopped waiting for.
		return ctx.Err()
	})
}

func getGroup(txn *badger.Txn, id string) (*entity.ChatGroup, error) {
	item, err := txn.Get(groupKey(id))
	if err != nil {
		return nil, err
	}
	var group entity.ChatGroup
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// putGroup writes the group and adds membership index entries for members not
// present in previous.
func putGroup(txn *badger.Txn, group *entity.ChatGroup, previous []string) error {
	data, err := json.Marshal(group)
	if err != nil {
		return err
	}
	if err := txn.Set(groupKey(group.ID), data); err != nil {
		return err
	}
	known := make(map[string]struct{}, len(previous))
	for _, id := range previous {
		known[id] = struct{}{}
	}
	for _, id := range group.MemberIDs {
		if _, ok := known[id]; ok {
			continue
		}
		if err := txn.Set(memberKey(id, group.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func scanMessages(txn *badger.Txn, groupID string) ([]*entity.Message, error) {
	prefix := messageGroupPrefix(groupID)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var messages []*entity.Message
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var m entity.Message
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
		if err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, nil
}

func mapBadgerError(operation string, err error) error {
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
	switch {
	case stderrors.Is(err, badger.ErrKeyNotFound):
		return errors.NotFound("Chat group", err)
	case stderrors.Is(err, badger.ErrConflict):
		return errors.Conflict(fmt.Sprintf("Concurrent update during %s", operation), err)
	default:
		return errors.Internal(fmt.Sprintf("Failed to %s", operation), err)
	}
}
