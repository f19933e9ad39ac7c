package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedGroup(t *testing.T, repo *badgerChatRepository) *entity.ChatGroup {
	t.Helper()
	group := entity.NewChatGroup(&entity.Listing{ID: "listing-1", SellerID: "seller", Name: "Bike"}, time.Now())
	require.NoError(t, repo.Create(context.Background(), group))
	require.NotEmpty(t, group.ID)
	return group
}

func TestBadgerChatRepository_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerChatRepository(openTestDB(t)).(*badgerChatRepository)
	group := seedGroup(t, repo)

	byID, err := repo.GetByID(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "listing-1", byID.ListingID)

	byListing, err := repo.GetByListingID(ctx, "listing-1")
	require.NoError(t, err)
	assert.Equal(t, group.ID, byListing.ID)

	dup := entity.NewChatGroup(&entity.Listing{ID: "listing-1", SellerID: "seller"}, time.Now())
	err = repo.Create(ctx, dup)
	assert.True(t, errors.Is(err, errors.CodeConflict))

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
	_, err = repo.GetByListingID(ctx, "missing")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestBadgerChatRepository_ListByUserID(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerChatRepository(openTestDB(t)).(*badgerChatRepository)
	group := seedGroup(t, repo)

	_, err := repo.UpdateGroup(ctx, group.ID, func(g *entity.ChatGroup) error {
		g.Join("b1", time.Now())
		return nil
	})
	require.NoError(t, err)

	for _, user := range []string{"seller", "b1"} {
		groups, err := repo.ListByUserID(ctx, user)
		require.NoError(t, err)
		require.Len(t, groups, 1, user)
		assert.Equal(t, group.ID, groups[0].ID)
	}

	groups, err := repo.ListByUserID(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestBadgerChatRepository_ListByUserIDWithSeparatorInUserID(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerChatRepository(openTestDB(t)).(*badgerChatRepository)

	join := func(listingID, userID string) *entity.ChatGroup {
		group := entity.NewChatGroup(&entity.Listing{ID: listingID, SellerID: "seller"}, time.Now())
		require.NoError(t, repo.Create(ctx, group))
		_, err := repo.UpdateGroup(ctx, group.ID, func(g *entity.ChatGroup) error {
			g.Join(userID, time.Now())
			return nil
		})
		require.NoError(t, err)
		return group
	}
	first := join("L1", "a")
	second := join("L2", "a:b")

	groups, err := repo.ListByUserID(ctx, "a")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, first.ID, groups[0].ID)

	groups, err = repo.ListByUserID(ctx, "a:b")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, second.ID, groups[0].ID)
}

func TestBadgerChatRepository_UpdateGroupMutationErrorAborts(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerChatRepository(openTestDB(t)).(*badgerChatRepository)
	group := seedGroup(t, repo)

	_, err := repo.UpdateGroup(ctx, group.ID, func(g *entity.ChatGroup) error {
		g.Join("b1", time.Now())
		return errors.ChatClosed(g.ID)
	})
	require.True(t, errors.Is(err, errors.CodeChatClosed))

	stored, err := repo.GetByID(ctx, group.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Participants)
}

func TestBadgerChatRepository_AppendAndMarkRead(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerChatRepository(openTestDB(t)).(*badgerChatRepository)
	group := seedGroup(t, repo)

	for i := 0; i < 3; i++ {
		msg := &entity.Message{SenderID: "b1", Body: fmt.Sprintf("m%d", i)}
		_, err := repo.AppendMessage(ctx, group.ID, msg, func(g *entity.ChatGroup) error {
			g.Join("b1", time.Now())
			g.RecordMessage(msg, time.Now())
			return nil
		})
		require.NoError(t, err)
	}

	messages, err := repo.GetMessagesByGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i, m := range messages {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Body)
	}

	updated, marked, err := repo.MarkRead(ctx, group.ID, func(g *entity.ChatGroup) (entity.ReadFilter, error) {
		g.AcknowledgeSeller(time.Now())
		return g.ReadFilterFor("seller"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, marked)
	assert.Equal(t, 0, updated.SellerUnread())

	messages, err = repo.GetMessagesByGroup(ctx, group.ID)
	require.NoError(t, err)
	for _, m := range messages {
		assert.True(t, m.IsRead)
	}

	_, marked, err = repo.MarkRead(ctx, group.ID, func(g *entity.ChatGroup) (entity.ReadFilter, error) {
		return g.ReadFilterFor("seller"), nil
	})
	require.NoError(t, err)
	assert.Zero(t, marked)
}

func TestBadgerChatRepository_MarkReadSpansBatches(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerChatRepository(openTestDB(t)).(*badgerChatRepository)
	repo.readBatch = 2
	group := seedGroup(t, repo)

	for i := 0; i < 5; i++ {
		msg := &entity.Message{SenderID: "b1", Body: fmt.Sprintf("m%d", i)}
		_, err := repo.AppendMessage(ctx, group.ID, msg, func(g *entity.ChatGroup) error {
			g.Join("b1", time.Now())
			g.RecordMessage(msg, time.Now())
			return nil
		})
		require.NoError(t, err)
	}

	passes := 0
	updated, marked, err := repo.MarkRead(ctx, group.ID, func(g *entity.ChatGroup) (entity.ReadFilter, error) {
		passes++
		g.AcknowledgeSeller(time.Now())
		return g.ReadFilterFor("seller"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, marked)
	assert.Equal(t, 3, passes)
	assert.Equal(t, 0, updated.SellerUnread())

	messages, err := repo.GetMessagesByGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for _, m := range messages {
		assert.True(t, m.IsRead, m.Body)
	}
}

func TestBadgerChatRepository_ConcurrentAppendsKeepSequence(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerChatRepository(openTestDB(t)).(*badgerChatRepository)
	group := seedGroup(t, repo)

	const senders = 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := fmt.Sprintf("b%d", i)
			msg := &entity.Message{SenderID: sender, Body: "hello"}
			_, err := repo.AppendMessage(ctx, group.ID, msg, func(g *entity.ChatGroup) error {
				g.Join(sender, time.Now())
				g.RecordMessage(msg, time.Now())
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := repo.GetByID(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(senders), stored.MessageCount)
	assert.Len(t, stored.Participants, senders)
	assert.Equal(t, senders, stored.SellerUnread())

	messages, err := repo.GetMessagesByGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, messages, senders)
	for i := 1; i < len(messages); i++ {
		assert.True(t, messages[i].CreatedAt.After(messages[i-1].CreatedAt))
	}
}

func TestBadgerChatRepository_CanceledContext(t *testing.T) {
	repo := NewBadgerChatRepository(openTestDB(t)).(*badgerChatRepository)
	group := seedGroup(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.GetByID(ctx, group.ID)
	assert.True(t, errors.Is(err, errors.CodeTimeout))
	_, err = repo.UpdateGroup(ctx, group.ID, func(*entity.ChatGroup) error { return nil })
	assert.True(t, errors.Is(err, errors.CodeTimeout))
}

func TestGroupLocks_AcquireHonoursContext(t *testing.T) {
	locks := newGroupLocks()
	release, err := locks.acquire(context.Background(), "g")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "g")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := locks.acquire(context.Background(), "g")
	require.NoError(t, err)
	release2()
	assert.Empty(t, locks.locks)
}

func TestBadgerListingRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerListingRepository(openTestDB(t))

	listing := &entity.Listing{SellerID: "seller", Name: "Bike"}
	require.NoError(t, repo.Save(ctx, listing))
	require.NotEmpty(t, listing.ID)

	got, err := repo.GetByID(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, "seller", got.SellerID)
	assert.Equal(t, "Bike", got.Name)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}
