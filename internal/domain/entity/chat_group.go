package entity

import (
	"time"

	"github.com/samber/lo"
)

// Participant is a buyer who joined a listing's chat group.
// UnreadCount is the buyer's own unread figure; SellerUnreadCount is how many
// of this buyer's messages the seller has not read yet.
type Participant struct {
	UserID            string    `json:"userId" firestore:"userId"`
	UnreadCount       int       `json:"unreadCount" firestore:"unreadCount"`
	SellerUnreadCount int       `json:"sellerUnreadCount" firestore:"sellerUnreadCount"`
	JoinedSeq         int64     `json:"joinedSeq" firestore:"joinedSeq"`
	JoinedAt          time.Time `json:"joinedAt" firestore:"joinedAt"`
}

type ChatGroup struct {
	ID            string        `json:"id" firestore:"id"`
	ListingID     string        `json:"listingId" firestore:"listingId"`
	ListingName   string        `json:"listingName" firestore:"listingName"`
	SellerID      string        `json:"sellerId" firestore:"sellerId"`
	Participants  []Participant `json:"participants" firestore:"participants"`
	MemberIDs     []string      `json:"memberIds" firestore:"memberIds"` // seller + participants, for membership queries
	LastMessage   string        `json:"lastMessage,omitempty" firestore:"lastMessage,omitempty"`
	LastMessageAt time.Time     `json:"lastMessageAt" firestore:"lastMessageAt"`
	MessageCount  int64         `json:"messageCount" firestore:"messageCount"`
	IsClosed      bool          `json:"isClosed" firestore:"isClosed"`
	CreatedAt     time.Time     `json:"createdAt" firestore:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt" firestore:"updatedAt"`
}

func NewChatGroup(listing *Listing, now time.Time) *ChatGroup {
	g := &ChatGroup{
		ListingID:    listing.ID,
		ListingName:  listing.Name,
		SellerID:     listing.SellerID,
		Participants: []Participant{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	g.refreshMembers()
	return g
}

func (g *ChatGroup) participantIndex(userID string) int {
	_, idx, ok := lo.FindIndexOf(g.Participants, func(p Participant) bool {
		return p.UserID == userID
	})
	if !ok {
		return -1
	}
	return idx
}

func (g *ChatGroup) HasParticipant(userID string) bool {
	return g.participantIndex(userID) >= 0
}

func (g *ChatGroup) Participant(userID string) (Participant, bool) {
	idx := g.participantIndex(userID)
	if idx < 0 {
		return Participant{}, false
	}
	return g.Participants[idx], true
}

// Join appends userID to the roster. It reports false when the user is the
// seller or already a participant.
func (g *ChatGroup) Join(userID string, now time.Time) bool {
	if userID == g.SellerID || g.HasParticipant(userID) {
		return false
	}
	g.Participants = append(g.Participants, Participant{
		UserID:    userID,
		JoinedSeq: g.MessageCount,
		JoinedAt:  now,
	})
	g.refreshMembers()
	g.UpdatedAt = now
	return true
}

// RecordMessage assigns the next sequence number and creation time to msg and
// applies its unread-counter side effects. msg.SenderID must be the seller or a
// participant.
func (g *ChatGroup) RecordMessage(msg *Message, now time.Time) {
	g.MessageCount++
	msg.Seq = g.MessageCount
	msg.ChatGroupID = g.ID

	createdAt := now
	if !g.LastMessageAt.IsZero() && !createdAt.After(g.LastMessageAt) {
		createdAt = g.LastMessageAt.Add(time.Microsecond)
	}
	msg.CreatedAt = createdAt

	if msg.SenderID == g.SellerID {
		msg.ReceiverID = nil
		for i := range g.Participants {
			g.Participants[i].UnreadCount++
		}
	} else {
		msg.ReceiverID = lo.ToPtr(g.SellerID)
		for i := range g.Participants {
			if g.Participants[i].UserID == msg.SenderID {
				g.Participants[i].SellerUnreadCount++
				continue
			}
			g.Participants[i].UnreadCount++
		}
	}

	g.LastMessage = msg.Body
	g.LastMessageAt = createdAt
	g.UpdatedAt = now
}

// AcknowledgeParticipant clears a buyer's own unread counter.
func (g *ChatGroup) AcknowledgeParticipant(userID string, now time.Time) bool {
	idx := g.participantIndex(userID)
	if idx < 0 {
		return false
	}
	g.Participants[idx].UnreadCount = 0
	g.UpdatedAt = now
	return true
}

// AcknowledgeSeller clears every buyer's contribution to the seller aggregate.
func (g *ChatGroup) AcknowledgeSeller(now time.Time) {
	for i := range g.Participants {
		g.Participants[i].SellerUnreadCount = 0
	}
	g.UpdatedAt = now
}

func (g *ChatGroup) Close(now time.Time) {
	g.IsClosed = true
	g.UpdatedAt = now
}

func (g *ChatGroup) SellerUnread() int {
	return lo.SumBy(g.Participants, func(p Participant) int {
		return p.SellerUnreadCount
	})
}

func (g *ChatGroup) ParticipantUnreadTotal() int {
	return lo.SumBy(g.Participants, func(p Participant) int {
		return p.UnreadCount
	})
}

// ActivityAt is the sort key for group listings: last message time, or
// creation time for groups without messages.
func (g *ChatGroup) ActivityAt() time.Time {
	if g.MessageCount == 0 || g.LastMessageAt.IsZero() {
		return g.CreatedAt
	}
	return g.LastMessageAt
}

func (g *ChatGroup) ReadFilterFor(userID string) ReadFilter {
	if userID == g.SellerID {
		return ReadFilter{ReaderID: userID, Seller: true}
	}
	p, _ := g.Participant(userID)
	return ReadFilter{ReaderID: userID, AfterSeq: p.JoinedSeq}
}

func (g *ChatGroup) refreshMembers() {
	ids := make([]string, 0, len(g.Participants)+1)
	ids = append(ids, g.SellerID)
	for _, p := range g.Participants {
		ids = append(ids, p.UserID)
	}
	g.MemberIDs = ids
}

// GroupSummary is one row of a user's chat list.
type GroupSummary struct {
	ID               string    `json:"id"`
	ListingID        string    `json:"listingId"`
	ListingName      string    `json:"listingName"`
	SellerID         string    `json:"sellerId"`
	LastMessage      string    `json:"lastMessage,omitempty"`
	LastMessageAt    time.Time `json:"lastMessageAt"`
	CreatedAt        time.Time `json:"createdAt"`
	IsClosed         bool      `json:"isClosed"`
	IsSeller         bool      `json:"isSeller"`
	ParticipantCount int       `json:"participantCount"`
	UnreadCount      int       `json:"unreadCount"`
}
