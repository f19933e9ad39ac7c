package usecase

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

const actionSendMessage = "send_message"

type ChatConfig struct {
	StoreTimeout     time.Duration
	ConflictRetries  int
	MaxMessageLength int
}

func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		StoreTimeout:     5 * time.Second,
		ConflictRetries:  3,
		MaxMessageLength: 4000,
	}
}

type ChatUseCase struct {
	chatRepo    repository.ChatRepository
	listingRepo repository.ListingRepository
	publisher   EventPublisher
	rateLimiter RateLimiter
	cfg         ChatConfig
	log         zerolog.Logger
	now         func() time.Time
}

// NewChatUseCase wires the chat service. rateLimiter may be nil.
func NewChatUseCase(
	chatRepo repository.ChatRepository,
	listingRepo repository.ListingRepository,
	publisher EventPublisher,
	rateLimiter RateLimiter,
	cfg ChatConfig,
	log zerolog.Logger,
) *ChatUseCase {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultChatConfig().StoreTimeout
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultChatConfig().MaxMessageLength
	}
	return &ChatUseCase{
		chatRepo:    chatRepo,
		listingRepo: listingRepo,
		publisher:   publisher,
		rateLimiter: rateLimiter,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

type SendMessageInput struct {
	ChatGroupID string
	SenderID    string
	Body        string
}

// GroupInfo is a member's non-mutating view of a group.
type GroupInfo struct {
	*entity.ChatGroup
	IsSeller         bool `json:"isSeller"`
	ParticipantCount int  `json:"participantCount"`
	UnreadCount      int  `json:"unreadCount"`
}

type ReadResult struct {
	ChatGroupID string `json:"chatGroupId"`
	Marked      int    `json:"marked"`
	UnreadCount int    `json:"unreadCount"`
}

// GetOrCreateGroup is the buyer entry point for a listing's conversation: it
// creates the group on first contact and joins the requester.
func (uc *ChatUseCase) GetOrCreateGroup(ctx context.Context, listingID, requesterID string) (*entity.ChatGroup, error) {
	if listingID == "" || requesterID == "" {
		return nil, errors.InvalidArgument("listingId and requester are required", nil)
	}

	group, err := uc.findOrCreateGroup(ctx, listingID, requesterID, false)
	if err != nil {
		return nil, err
	}
	if group.SellerID == requesterID {
		return nil, errors.Forbidden("Seller cannot join their own chat group as a buyer", nil)
	}
	if group.HasParticipant(requesterID) {
		return group, nil
	}

	var joined *entity.ChatGroup
	err = uc.withRetry(ctx, "join chat group", func(ctx context.Context) error {
		var err error
		joined, err = uc.chatRepo.UpdateGroup(ctx, group.ID, func(g *entity.ChatGroup) error {
			g.Join(requesterID, uc.now())
			return nil
		})
		return err
	})
	if err != nil {
		uc.log.Error().Err(err).Str("group", group.ID).Str("user", requesterID).Msg("GetOrCreateGroup join failed")
		return nil, err
	}
	return joined, nil
}

// CreateGroupForListing lets a seller open the group for their listing ahead
// of any buyer contact. It returns the existing group when there is one.
func (uc *ChatUseCase) CreateGroupForListing(ctx context.Context, listingID, requesterID string) (*entity.ChatGroup, error) {
	if listingID == "" || requesterID == "" {
		return nil, errors.InvalidArgument("listingId and requester are required", nil)
	}
	group, err := uc.findOrCreateGroup(ctx, listingID, requesterID, true)
	if err != nil {
		return nil, err
	}
	if err := requireSeller(group, requesterID); err != nil {
		return nil, err
	}
	return group, nil
}

// findOrCreateGroup loads the listing's group, creating it when absent. A
// concurrent creator winning the race is resolved by re-reading.
func (uc *ChatUseCase) findOrCreateGroup(ctx context.Context, listingID, requesterID string, sellerOnly bool) (*entity.ChatGroup, error) {
	group, err := uc.groupByListing(ctx, listingID)
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, errors.CodeNotFound) {
		return nil, err
	}

	listing, err := uc.listing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if sellerOnly && listing.SellerID != requesterID {
		return nil, errors.Forbidden("Only the listing owner can open its chat group", nil)
	}
	if !sellerOnly && listing.SellerID == requesterID {
		return nil, errors.Forbidden("Seller cannot join their own chat group as a buyer", nil)
	}

	group = entity.NewChatGroup(listing, uc.now())
	storeCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	err = uc.chatRepo.Create(storeCtx, group)
	cancel()
	if err == nil {
		uc.log.Info().Str("group", group.ID).Str("listing", listingID).Msg("chat group created")
		return group, nil
	}
	if errors.Is(err, errors.CodeConflict) {
		return uc.groupByListing(ctx, listingID)
	}
	uc.log.Error().Err(err).Str("listing", listingID).Msg("CreateGroup failed")
	return nil, err
}

func (uc *ChatUseCase) SendMessage(ctx context.Context, input SendMessageInput) (*entity.Message, error) {
	body := strings.TrimSpace(input.Body)
	if input.ChatGroupID == "" || input.SenderID == "" {
		return nil, errors.InvalidArgument("chatGroupId and sender are required", nil)
	}
	if body == "" {
		return nil, errors.InvalidArgument("Message body must not be empty", nil)
	}
	if utf8.RuneCountInString(body) > uc.cfg.MaxMessageLength {
		return nil, errors.InvalidArgument("Message body is too long", nil)
	}
	if uc.rateLimiter != nil {
		if allowed, wait := uc.rateLimiter.Allow(input.SenderID, actionSendMessage); !allowed {
			uc.log.Warn().Str("user", input.SenderID).Dur("wait", wait).Msg("SendMessage rate limited")
			return nil, errors.TooManyRequests("Rate limit exceeded. Please wait before sending another message")
		}
	}

	// Membership is checked against the group read inside the transaction, so a
	// close or join committed by another writer is always observed.
	var message *entity.Message
	err := uc.withRetry(ctx, "send message", func(ctx context.Context) error {
		message = &entity.Message{SenderID: input.SenderID, Body: body}
		_, err := uc.chatRepo.AppendMessage(ctx, input.ChatGroupID, message, func(g *entity.ChatGroup) error {
			if g.IsClosed {
				return errors.ChatClosed(g.ID)
			}
			if _, err := requireMember(g, input.SenderID); err != nil {
				return err
			}
			g.RecordMessage(message, uc.now())
			return nil
		})
		return err
	})
	if err != nil {
		uc.log.Error().Err(err).Str("group", input.ChatGroupID).Str("sender", input.SenderID).Msg("SendMessage failed")
		return nil, err
	}

	uc.publish(ctx, input.ChatGroupID, entity.NewMessageEvent(message))
	return message, nil
}

// SendToListing is buyer-initiated contact: it joins the listing's group,
// creating it if needed, and sends the first message.
func (uc *ChatUseCase) SendToListing(ctx context.Context, listingID, senderID, body string) (*entity.Message, error) {
	group, err := uc.GetOrCreateGroup(ctx, listingID, senderID)
	if err != nil {
		return nil, err
	}
	return uc.SendMessage(ctx, SendMessageInput{
		ChatGroupID: group.ID,
		SenderID:    senderID,
		Body:        body,
	})
}

// FetchMessages returns the group's messages and acknowledges everything
// addressed to the requester.
func (uc *ChatUseCase) FetchMessages(ctx context.Context, groupID, requesterID string) ([]*entity.Message, error) {
	if _, err := uc.MarkRead(ctx, groupID, requesterID); err != nil {
		return nil, err
	}
	return uc.messages(ctx, groupID)
}

// PeekMessages returns the group's messages without touching read state.
func (uc *ChatUseCase) PeekMessages(ctx context.Context, groupID, requesterID string) ([]*entity.Message, error) {
	group, err := uc.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, err := requireMember(group, requesterID); err != nil {
		return nil, err
	}
	return uc.messages(ctx, groupID)
}

func (uc *ChatUseCase) MarkRead(ctx context.Context, groupID, requesterID string) (*ReadResult, error) {
	if groupID == "" || requesterID == "" {
		return nil, errors.InvalidArgument("chatGroupId and requester are required", nil)
	}

	var (
		updated *entity.ChatGroup
		marked  int
		role    Role
	)
	err := uc.withRetry(ctx, "mark read", func(ctx context.Context) error {
		var err error
		updated, marked, err = uc.chatRepo.MarkRead(ctx, groupID, func(g *entity.ChatGroup) (entity.ReadFilter, error) {
			var err error
			role, err = requireMember(g, requesterID)
			if err != nil {
				return entity.ReadFilter{}, err
			}
			now := uc.now()
			if role == RoleSeller {
				g.AcknowledgeSeller(now)
			} else {
				g.AcknowledgeParticipant(requesterID, now)
			}
			return g.ReadFilterFor(requesterID), nil
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, errors.CodeForbidden) && !errors.Is(err, errors.CodeNotFound) {
			uc.log.Error().Err(err).Str("group", groupID).Str("user", requesterID).Msg("MarkRead failed")
		}
		return nil, err
	}

	if marked > 0 {
		uc.publish(ctx, groupID, entity.NewReadReceiptEvent(groupID, requesterID, uc.now()))
	}
	return &ReadResult{
		ChatGroupID: groupID,
		Marked:      marked,
		UnreadCount: unreadFor(updated, role, requesterID),
	}, nil
}

func (uc *ChatUseCase) CloseGroup(ctx context.Context, groupID, requesterID string) (*entity.ChatGroup, error) {
	if groupID == "" {
		return nil, errors.InvalidArgument("chatGroupId is required", nil)
	}

	var (
		closed    *entity.ChatGroup
		closedNow bool
	)
	err := uc.withRetry(ctx, "close chat group", func(ctx context.Context) error {
		var err error
		closedNow = false
		closed, err = uc.chatRepo.UpdateGroup(ctx, groupID, func(g *entity.ChatGroup) error {
			if err := requireSeller(g, requesterID); err != nil {
				return err
			}
			if !g.IsClosed {
				g.Close(uc.now())
				closedNow = true
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if closedNow {
		uc.log.Info().Str("group", groupID).Msg("chat group closed")
		uc.publish(ctx, groupID, entity.NewGroupClosedEvent(groupID, closed.UpdatedAt))
	}
	return closed, nil
}

func (uc *ChatUseCase) CloseGroupByListing(ctx context.Context, listingID, requesterID string) (*entity.ChatGroup, error) {
	group, err := uc.groupByListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	return uc.CloseGroup(ctx, group.ID, requesterID)
}

// ListGroupsFor returns the user's groups, most recently active first, with
// the total before pagination. limit <= 0 returns everything from offset.
func (uc *ChatUseCase) ListGroupsFor(ctx context.Context, userID string, limit, offset int) ([]entity.GroupSummary, int64, error) {
	if userID == "" {
		return nil, 0, errors.InvalidArgument("user is required", nil)
	}

	storeCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	defer cancel()
	groups, err := uc.chatRepo.ListByUserID(storeCtx, userID)
	if err != nil {
		uc.log.Error().Err(err).Str("user", userID).Msg("ListGroupsFor failed")
		return nil, 0, err
	}

	summaries := lo.Map(groups, func(g *entity.ChatGroup, _ int) entity.GroupSummary {
		role := resolveRole(g, userID)
		return entity.GroupSummary{
			ID:               g.ID,
			ListingID:        g.ListingID,
			ListingName:      g.ListingName,
			SellerID:         g.SellerID,
			LastMessage:      g.LastMessage,
			LastMessageAt:    g.ActivityAt(),
			CreatedAt:        g.CreatedAt,
			IsClosed:         g.IsClosed,
			IsSeller:         role == RoleSeller,
			ParticipantCount: len(g.Participants),
			UnreadCount:      unreadFor(g, role, userID),
		}
	})
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].LastMessageAt.Equal(summaries[j].LastMessageAt) {
			return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
		}
		return summaries[i].ID < summaries[j].ID
	})

	total := int64(len(summaries))
	if offset < 0 {
		offset = 0
	}
	if offset > len(summaries) {
		offset = len(summaries)
	}
	summaries = summaries[offset:]
	if limit > 0 && limit < len(summaries) {
		summaries = summaries[:limit]
	}
	return summaries, total, nil
}

func (uc *ChatUseCase) GetGroupInfo(ctx context.Context, groupID, requesterID string) (*GroupInfo, error) {
	group, err := uc.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	role, err := requireMember(group, requesterID)
	if err != nil {
		return nil, err
	}
	return &GroupInfo{
		ChatGroup:        group,
		IsSeller:         role == RoleSeller,
		ParticipantCount: len(group.Participants),
		UnreadCount:      unreadFor(group, role, requesterID),
	}, nil
}

// AuthorizeSubscribe gates realtime subscriptions to members of the group.
func (uc *ChatUseCase) AuthorizeSubscribe(ctx context.Context, groupID, userID string) error {
	group, err := uc.group(ctx, groupID)
	if err != nil {
		return err
	}
	_, err = requireMember(group, userID)
	return err
}

func (uc *ChatUseCase) group(ctx context.Context, groupID string) (*entity.ChatGroup, error) {
	if groupID == "" {
		return nil, errors.InvalidArgument("chatGroupId is required", nil)
	}
	storeCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	defer cancel()
	return uc.chatRepo.GetByID(storeCtx, groupID)
}

func (uc *ChatUseCase) groupByListing(ctx context.Context, listingID string) (*entity.ChatGroup, error) {
	storeCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	defer cancel()
	return uc.chatRepo.GetByListingID(storeCtx, listingID)
}

func (uc *ChatUseCase) listing(ctx context.Context, listingID string) (*entity.Listing, error) {
	storeCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	defer cancel()
	listing, err := uc.listingRepo.GetByID(storeCtx, listingID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return nil, errors.NotFound("Listing", err)
		}
		return nil, err
	}
	return listing, nil
}

func (uc *ChatUseCase) messages(ctx context.Context, groupID string) ([]*entity.Message, error) {
	storeCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	defer cancel()
	messages, err := uc.chatRepo.GetMessagesByGroup(storeCtx, groupID)
	if err != nil {
		return nil, err
	}
	entity.SortMessages(messages)
	return messages, nil
}

// withRetry runs op under the store timeout, retrying CONFLICT with
// exponential backoff up to the configured budget. Other errors return at once.
func (uc *ChatUseCase) withRetry(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		storeCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
		defer cancel()

		err := op(storeCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, errors.CodeConflict) {
			uc.log.Warn().Err(err).Str("op", operation).Int("attempt", attempt).Msg("store conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(uc.cfg.ConflictRetries)), ctx))

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
	return errors.Internal("Failed to "+operation, err)
}

// publish delivers after commit; failures never reach the caller.
func (uc *ChatUseCase) publish(ctx context.Context, groupID string, event entity.GroupEvent) {
	if uc.publisher == nil {
		return
	}
	if err := uc.publisher.Publish(ctx, groupID, event); err != nil {
		uc.log.Warn().Err(err).Str("group", groupID).Str("event", event.Type).Msg("realtime publish failed")
	}
}
