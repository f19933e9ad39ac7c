package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	repoimpl "marketchat/internal/adapter/repository"
	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/mocks"
	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
)

const (
	seller  = "seller-s"
	buyer1  = "buyer-1"
	buyer2  = "buyer-2"
	outside = "stranger"
)

type fixture struct {
	uc       *usecase.ChatUseCase
	chats    repository.ChatRepository
	listings repository.ListingRepository
}

func newFixture(t *testing.T, publisher usecase.EventPublisher) fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if publisher == nil {
		ctrl := gomock.NewController(t)
		pub := mocks.NewMockEventPublisher(ctrl)
		pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		publisher = pub
	}

	f := fixture{
		chats:    repoimpl.NewBadgerChatRepository(db),
		listings: repoimpl.NewBadgerListingRepository(db),
	}
	f.uc = usecase.NewChatUseCase(f.chats, f.listings, publisher, nil, usecase.DefaultChatConfig(), zerolog.Nop())
	return f
}

func (f fixture) listing(t *testing.T, id, sellerID string) {
	t.Helper()
	require.NoError(t, f.listings.Save(context.Background(), &entity.Listing{ID: id, SellerID: sellerID, Name: "Listing " + id}))
}

func (f fixture) send(t *testing.T, groupID, sender, body string) *entity.Message {
	t.Helper()
	m, err := f.uc.SendMessage(context.Background(), usecase.SendMessageInput{ChatGroupID: groupID, SenderID: sender, Body: body})
	require.NoError(t, err)
	return m
}

func (f fixture) unread(t *testing.T, groupID, userID string) int {
	t.Helper()
	info, err := f.uc.GetGroupInfo(context.Background(), groupID, userID)
	require.NoError(t, err)
	return info.UnreadCount
}

func TestChatUseCase_ListingConversationScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)

	group, err := f.uc.CreateGroupForListing(ctx, "L", seller)
	require.NoError(t, err)
	assert.Equal(t, seller, group.SellerID)
	assert.Equal(t, "Listing L", group.ListingName)
	assert.Empty(t, group.Participants)

	_, err = f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)
	hi := f.send(t, group.ID, buyer1, "hi")
	require.NotNil(t, hi.ReceiverID)
	assert.Equal(t, seller, *hi.ReceiverID)

	info, err := f.uc.GetGroupInfo(ctx, group.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, "hi", info.LastMessage)
	assert.Equal(t, 1, info.UnreadCount)
	assert.Equal(t, 0, f.unread(t, group.ID, buyer1))

	_, err = f.uc.GetOrCreateGroup(ctx, "L", buyer2)
	require.NoError(t, err)
	f.send(t, group.ID, buyer2, "interested")
	assert.Equal(t, 2, f.unread(t, group.ID, seller))
	// B1 sees B2's message as unread.
	assert.Equal(t, 1, f.unread(t, group.ID, buyer1))
	assert.Equal(t, 0, f.unread(t, group.ID, buyer2))

	messages, err := f.uc.FetchMessages(ctx, group.ID, seller)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hi", messages[0].Body)
	assert.Equal(t, "interested", messages[1].Body)
	assert.True(t, messages[0].CreatedAt.Before(messages[1].CreatedAt))
	assert.True(t, messages[0].IsRead)
	assert.True(t, messages[1].IsRead)
	assert.Equal(t, 0, f.unread(t, group.ID, seller))

	_, err = f.uc.CloseGroup(ctx, group.ID, seller)
	require.NoError(t, err)
	_, err = f.uc.SendMessage(ctx, usecase.SendMessageInput{ChatGroupID: group.ID, SenderID: buyer1, Body: "still there?"})
	assert.True(t, errors.Is(err, errors.CodeChatClosed))
}

func TestChatUseCase_GetOrCreateGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)

	first, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)
	again, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, again.Participants, 1)

	_, err = f.uc.GetOrCreateGroup(ctx, "L", seller)
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	_, err = f.uc.GetOrCreateGroup(ctx, "missing", buyer1)
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = f.uc.GetOrCreateGroup(ctx, "", buyer1)
	assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
}

func TestChatUseCase_SellerCannotJoinOwnListingBeforeGroupExists(t *testing.T) {
	f := newFixture(t, nil)
	f.listing(t, "L", seller)

	_, err := f.uc.GetOrCreateGroup(context.Background(), "L", seller)
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	_, err = f.chats.GetByListingID(context.Background(), "L")
	assert.True(t, errors.Is(err, errors.CodeNotFound), "no group is created on a rejected join")
}

func TestChatUseCase_CreateGroupForListingRequiresOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)

	_, err := f.uc.CreateGroupForListing(ctx, "L", buyer1)
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	created, err := f.uc.CreateGroupForListing(ctx, "L", seller)
	require.NoError(t, err)
	again, err := f.uc.CreateGroupForListing(ctx, "L", seller)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	_, err = f.uc.CreateGroupForListing(ctx, "L", buyer1)
	assert.True(t, errors.Is(err, errors.CodeForbidden))
}

func TestChatUseCase_SendToListingJoinsOnFirstContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)

	msg, err := f.uc.SendToListing(ctx, "L", buyer1, "is this available?")
	require.NoError(t, err)

	info, err := f.uc.GetGroupInfo(ctx, msg.ChatGroupID, buyer1)
	require.NoError(t, err)
	assert.False(t, info.IsSeller)
	assert.Equal(t, 1, info.ParticipantCount)
	assert.Equal(t, 1, f.unread(t, msg.ChatGroupID, seller))
}

func TestChatUseCase_UnreadCounterFormulas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.CreateGroupForListing(ctx, "L", seller)
	require.NoError(t, err)

	buyers := []string{"b1", "b2", "b3", "b4"}
	for _, b := range buyers {
		_, err := f.uc.GetOrCreateGroup(ctx, "L", b)
		require.NoError(t, err)
	}

	const n = 3
	for i := 0; i < n; i++ {
		f.send(t, group.ID, "b1", fmt.Sprintf("buyer %d", i))
	}
	stored, err := f.chats.GetByID(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, n*(len(buyers)-1), stored.ParticipantUnreadTotal())
	assert.Equal(t, n, stored.SellerUnread())

	for _, b := range buyers {
		_, err := f.uc.MarkRead(ctx, group.ID, b)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		f.send(t, group.ID, seller, fmt.Sprintf("seller %d", i))
	}
	stored, err = f.chats.GetByID(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, n*len(buyers), stored.ParticipantUnreadTotal())
}

func TestChatUseCase_FetchMessagesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)
	f.send(t, group.ID, seller, "welcome")
	f.send(t, group.ID, seller, "ask me anything")
	require.Equal(t, 2, f.unread(t, group.ID, buyer1))

	for i := 0; i < 2; i++ {
		messages, err := f.uc.FetchMessages(ctx, group.ID, buyer1)
		require.NoError(t, err)
		assert.Len(t, messages, 2)
		assert.Equal(t, 0, f.unread(t, group.ID, buyer1))
	}

	result, err := f.uc.MarkRead(ctx, group.ID, buyer1)
	require.NoError(t, err)
	assert.Zero(t, result.Marked)
	assert.Zero(t, result.UnreadCount)
}

func TestChatUseCase_PeekMessagesLeavesReadStateAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)
	f.send(t, group.ID, buyer1, "hello")

	messages, err := f.uc.PeekMessages(ctx, group.ID, seller)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.False(t, messages[0].IsRead)
	assert.Equal(t, 1, f.unread(t, group.ID, seller))
}

func TestChatUseCase_RoundTripPreservesMessageFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)

	sent := f.send(t, group.ID, buyer1, "  does it ship?  ")
	broadcast := f.send(t, group.ID, seller, "yes")

	messages, err := f.uc.PeekMessages(ctx, group.ID, buyer1)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, sent.ID, messages[0].ID)
	assert.Equal(t, "does it ship?", messages[0].Body)
	assert.Equal(t, buyer1, messages[0].SenderID)
	assert.Equal(t, sent.ReceiverID, messages[0].ReceiverID)
	assert.Equal(t, broadcast.ID, messages[1].ID)
	assert.Nil(t, messages[1].ReceiverID)
	assert.Equal(t, seller, messages[1].SenderID)
}

func TestChatUseCase_NonMembersAreForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)

	_, err = f.uc.FetchMessages(ctx, group.ID, outside)
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	_, err = f.uc.PeekMessages(ctx, group.ID, outside)
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	_, err = f.uc.SendMessage(ctx, usecase.SendMessageInput{ChatGroupID: group.ID, SenderID: outside, Body: "hey"})
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	_, err = f.uc.GetGroupInfo(ctx, group.ID, outside)
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	assert.True(t, errors.Is(f.uc.AuthorizeSubscribe(ctx, group.ID, outside), errors.CodeForbidden))
	assert.NoError(t, f.uc.AuthorizeSubscribe(ctx, group.ID, buyer1))
	assert.NoError(t, f.uc.AuthorizeSubscribe(ctx, group.ID, seller))

	_, err = f.uc.CloseGroup(ctx, group.ID, buyer1)
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	stored, err := f.chats.GetByID(ctx, group.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Participants, 1, "failed operations must not join the caller")
	assert.False(t, stored.IsClosed)
}

func TestChatUseCase_ClosedGroupRejectsEverySender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)
	f.send(t, group.ID, buyer1, "hi")

	closed, err := f.uc.CloseGroupByListing(ctx, "L", seller)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed)

	for _, sender := range []string{seller, buyer1, outside} {
		_, err := f.uc.SendMessage(ctx, usecase.SendMessageInput{ChatGroupID: group.ID, SenderID: sender, Body: "x"})
		assert.True(t, errors.Is(err, errors.CodeChatClosed), sender)
	}

	// reads remain permitted and closing again is a no-op
	messages, err := f.uc.FetchMessages(ctx, group.ID, seller)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	_, err = f.uc.CloseGroup(ctx, group.ID, seller)
	assert.NoError(t, err)
}

func TestChatUseCase_SendMessageValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)

	long := make([]rune, usecase.DefaultChatConfig().MaxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	cases := map[string]usecase.SendMessageInput{
		"empty body":      {ChatGroupID: group.ID, SenderID: buyer1, Body: ""},
		"whitespace body": {ChatGroupID: group.ID, SenderID: buyer1, Body: "  \n\t"},
		"too long":        {ChatGroupID: group.ID, SenderID: buyer1, Body: string(long)},
		"missing group":   {SenderID: buyer1, Body: "hi"},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.uc.SendMessage(ctx, input)
			assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
		})
	}

	_, err = f.uc.SendMessage(ctx, usecase.SendMessageInput{ChatGroupID: "nope", SenderID: buyer1, Body: "hi"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestChatUseCase_ConcurrentSendersLoseNoIncrements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.CreateGroupForListing(ctx, "L", seller)
	require.NoError(t, err)

	const senders = 10
	buyers := make([]string, senders)
	for i := range buyers {
		buyers[i] = fmt.Sprintf("buyer-%02d", i)
		_, err := f.uc.GetOrCreateGroup(ctx, "L", buyers[i])
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for _, b := range buyers {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			_, err := f.uc.SendMessage(ctx, usecase.SendMessageInput{ChatGroupID: group.ID, SenderID: sender, Body: "offer from " + sender})
			errs <- err
		}(b)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := f.chats.GetByID(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(senders), stored.MessageCount)
	assert.Equal(t, senders*(senders-1), stored.ParticipantUnreadTotal())
	assert.Equal(t, senders, stored.SellerUnread())

	messages, err := f.uc.PeekMessages(ctx, group.ID, seller)
	require.NoError(t, err)
	require.Len(t, messages, senders)
	seen := map[string]bool{}
	for i, m := range messages {
		assert.False(t, seen[m.SenderID], "each sender succeeds exactly once")
		seen[m.SenderID] = true
		if i > 0 {
			assert.True(t, m.CreatedAt.After(messages[i-1].CreatedAt))
		}
	}
}

// Counters are a cache over the message log; they must agree with it after
// any interleaving of sends and reads.
func TestChatUseCase_CountersReconcileWithMessageLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "L", seller)
	group, err := f.uc.CreateGroupForListing(ctx, "L", seller)
	require.NoError(t, err)

	steps := []struct {
		user string
		read bool
		join bool
	}{
		{user: "b1", join: true},
		{user: "b1"},
		{user: seller},
		{user: "b2", join: true},
		{user: "b2"},
		{user: "b1", read: true},
		{user: seller},
		{user: "b3", join: true},
		{user: seller, read: true},
		{user: "b3"},
		{user: "b2", read: true},
		{user: "b1"},
		{user: seller},
	}
	for i, step := range steps {
		switch {
		case step.join:
			_, err := f.uc.GetOrCreateGroup(ctx, "L", step.user)
			require.NoError(t, err)
		case step.read:
			_, err := f.uc.FetchMessages(ctx, group.ID, step.user)
			require.NoError(t, err)
		default:
			f.send(t, group.ID, step.user, fmt.Sprintf("step %d", i))
		}
	}

	stored, err := f.chats.GetByID(ctx, group.ID)
	require.NoError(t, err)
	messages, err := f.chats.GetMessagesByGroup(ctx, group.ID)
	require.NoError(t, err)

	for _, p := range stored.Participants {
		want := 0
		for _, m := range messages {
			if m.Seq > p.JoinedSeq && m.SenderID != p.UserID && !m.ReadByUser(p.UserID) {
				want++
			}
		}
		assert.Equal(t, want, p.UnreadCount, p.UserID)
	}

	sellerWant := 0
	for _, m := range messages {
		if !m.IsBroadcast() && !m.IsRead {
			sellerWant++
		}
	}
	assert.Equal(t, sellerWant, stored.SellerUnread())
}

func TestChatUseCase_ListGroupsFor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.listing(t, "quiet", seller)
	f.listing(t, "busy", seller)
	f.listing(t, "other", "someone-else")

	quiet, err := f.uc.CreateGroupForListing(ctx, "quiet", seller)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	busy, err := f.uc.GetOrCreateGroup(ctx, "busy", buyer1)
	require.NoError(t, err)
	other, err := f.uc.GetOrCreateGroup(ctx, "other", buyer1)
	require.NoError(t, err)
	f.send(t, other.ID, buyer1, "first")
	f.send(t, busy.ID, buyer1, "latest")

	summaries, total, err := f.uc.ListGroupsFor(ctx, seller, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, summaries, 2)
	assert.Equal(t, busy.ID, summaries[0].ID)
	assert.True(t, summaries[0].IsSeller)
	assert.Equal(t, 1, summaries[0].UnreadCount)
	assert.Equal(t, "latest", summaries[0].LastMessage)
	assert.Equal(t, quiet.ID, summaries[1].ID)
	assert.Equal(t, quiet.CreatedAt.UnixNano(), summaries[1].LastMessageAt.UnixNano())

	summaries, total, err = f.uc.ListGroupsFor(ctx, buyer1, 1, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, summaries, 1)
	assert.Equal(t, busy.ID, summaries[0].ID)
	assert.False(t, summaries[0].IsSeller)

	summaries, _, err = f.uc.ListGroupsFor(ctx, buyer1, 1, 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, other.ID, summaries[0].ID)

	summaries, _, err = f.uc.ListGroupsFor(ctx, outside, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestChatUseCase_PublishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockEventPublisher(ctrl)

	var f fixture
	pub.EXPECT().
		Publish(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, groupID string, event entity.GroupEvent) error {
			require.Equal(t, entity.EventNewMessage, event.Type)
			stored, err := f.chats.GetMessagesByGroup(ctx, groupID)
			require.NoError(t, err)
			require.Len(t, stored, 1, "message is persisted before it is published")
			assert.Equal(t, stored[0].ID, event.Message.ID)
			return nil
		})
	f = newFixture(t, pub)
	f.listing(t, "L", seller)
	group, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)

	f.send(t, group.ID, buyer1, "hi")
}

func TestChatUseCase_PublishFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockEventPublisher(ctrl)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(fmt.Errorf("hub stopped")).AnyTimes()

	f := newFixture(t, pub)
	f.listing(t, "L", seller)
	group, err := f.uc.GetOrCreateGroup(ctx, "L", buyer1)
	require.NoError(t, err)

	msg, err := f.uc.SendMessage(ctx, usecase.SendMessageInput{ChatGroupID: group.ID, SenderID: buyer1, Body: "hi"})
	require.NoError(t, err)

	messages, err := f.uc.PeekMessages(ctx, group.ID, seller)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, msg.ID, messages[0].ID)
}

func TestChatUseCase_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	chats := mocks.NewMockChatRepository(ctrl)
	listings := mocks.NewMockListingRepository(ctrl)
	pub := mocks.NewMockEventPublisher(ctrl)

	group := entity.NewChatGroup(&entity.Listing{ID: "L", SellerID: seller}, time.Now())
	group.ID = "g"
	group.Join(buyer1, time.Now())

	gomock.InOrder(
		chats.EXPECT().AppendMessage(gomock.Any(), "g", gomock.Any(), gomock.Any()).
			Return(nil, errors.Conflict("contended", nil)).Times(2),
		chats.EXPECT().AppendMessage(gomock.Any(), "g", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, m *entity.Message, mutate repository.GroupMutation) (*entity.ChatGroup, error) {
				if err := mutate(group); err != nil {
					return nil, err
				}
				return group, nil
			}),
	)
	pub.EXPECT().Publish(gomock.Any(), "g", gomock.Any()).Return(nil)

	uc := usecase.NewChatUseCase(chats, listings, pub, nil, usecase.DefaultChatConfig(), zerolog.Nop())
	msg, err := uc.SendMessage(ctx, usecase.SendMessageInput{ChatGroupID: "g", SenderID: buyer1, Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestChatUseCase_ConflictBudgetExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	chats := mocks.NewMockChatRepository(ctrl)

	cfg := usecase.DefaultChatConfig()
	cfg.ConflictRetries = 1
	chats.EXPECT().AppendMessage(gomock.Any(), "g", gomock.Any(), gomock.Any()).
		Return(nil, errors.Conflict("contended", nil)).Times(2)

	uc := usecase.NewChatUseCase(chats, mocks.NewMockListingRepository(ctrl), mocks.NewMockEventPublisher(ctrl), nil, cfg, zerolog.Nop())
	_, err := uc.SendMessage(context.Background(), usecase.SendMessageInput{ChatGroupID: "g", SenderID: buyer1, Body: "hi"})
	assert.True(t, errors.Is(err, errors.CodeConflict))
}

func TestChatUseCase_StoreCallsAreBounded(t *testing.T) {
	ctrl := gomock.NewController(t)
	chats := mocks.NewMockChatRepository(ctrl)
	chats.EXPECT().GetByID(gomock.Any(), "g").
		DoAndReturn(func(ctx context.Context, _ string) (*entity.ChatGroup, error) {
			<-ctx.Done()
			return nil, errors.FromContext("get chat group", ctx.Err())
		})

	cfg := usecase.DefaultChatConfig()
	cfg.StoreTimeout = 20 * time.Millisecond
	uc := usecase.NewChatUseCase(chats, mocks.NewMockListingRepository(ctrl), nil, nil, cfg, zerolog.Nop())

	start := time.Now()
	_, err := uc.PeekMessages(context.Background(), "g", buyer1)
	assert.True(t, errors.Is(err, errors.CodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestChatUseCase_RateLimitedSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	limiter := mocks.NewMockRateLimiter(ctrl)
	limiter.EXPECT().Allow(buyer1, "send_message").Return(false, 3*time.Second)

	uc := usecase.NewChatUseCase(mocks.NewMockChatRepository(ctrl), mocks.NewMockListingRepository(ctrl), nil, limiter, usecase.DefaultChatConfig(), zerolog.Nop())
	_, err := uc.SendMessage(context.Background(), usecase.SendMessageInput{ChatGroupID: "g", SenderID: buyer1, Body: "hi"})
	assert.True(t, errors.Is(err, errors.CodeTooManyRequests))
}

func TestChatUseCase_CloseGroupPublishesOnce(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockEventPublisher(ctrl)

	var mu sync.Mutex
	published := map[string]int{}
	pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, event entity.GroupEvent) error {
			mu.Lock()
			defer mu.Unlock()
			published[event.Type]++
			return nil
		}).AnyTimes()

	f := newFixture(t, pub)
	f.listing(t, "L", seller)
	group, err := f.uc.CreateGroupForListing(ctx, "L", seller)
	require.NoError(t, err)

	first, err := f.uc.CloseGroup(ctx, group.ID, seller)
	require.NoError(t, err)
	second, err := f.uc.CloseGroup(ctx, group.ID, seller)
	require.NoError(t, err)
	_, err = f.uc.CloseGroupByListing(ctx, "L", seller)
	require.NoError(t, err)

	assert.True(t, first.IsClosed)
	assert.True(t, second.IsClosed)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
	assert.Equal(t, 1, published[entity.EventGroupClosed])
}
