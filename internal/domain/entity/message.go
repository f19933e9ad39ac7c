package entity

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Message is immutable once admitted except for its read state.
// ReceiverID is nil for a seller broadcast.
type Message struct {
	ID          string    `json:"id" firestore:"id"`
	ChatGroupID string    `json:"chatGroupId" firestore:"chatGroupId"`
	SenderID    string    `json:"senderId" firestore:"senderId"`
	ReceiverID  *string   `json:"receiverId" firestore:"receiverId"`
	Body        string    `json:"body" firestore:"body"`
	IsRead      bool      `json:"isRead" firestore:"isRead"`
	ReadBy      []string  `json:"readBy" firestore:"readBy"`
	Seq         int64     `json:"seq" firestore:"seq"`
	CreatedAt   time.Time `json:"createdAt" firestore:"createdAt"`
}

func (m *Message) IsBroadcast() bool {
	return m.ReceiverID == nil
}

func (m *Message) ReadByUser(userID string) bool {
	return lo.Contains(m.ReadBy, userID)
}

// Acknowledge records readerID as having read the message. IsRead flips when
// the addressed receiver reads it, or for a broadcast when any reader does.
// It reports whether anything changed.
func (m *Message) Acknowledge(readerID string) bool {
	changed := false
	if !m.ReadByUser(readerID) {
		m.ReadBy = append(m.ReadBy, readerID)
		changed = true
	}
	if !m.IsRead && (m.IsBroadcast() || *m.ReceiverID == readerID) {
		m.IsRead = true
		changed = true
	}
	return changed
}

// ReadFilter selects the messages a reader acknowledges when reading a group.
// The seller acknowledges every unread buyer message; a buyer acknowledges
// everything after their join point that they did not send.
type ReadFilter struct {
	ReaderID string
	Seller   bool
	AfterSeq int64
}

func (f ReadFilter) Matches(m *Message) bool {
	if f.Seller {
		return !m.IsBroadcast() && !m.IsRead
	}
	return m.Seq > f.AfterSeq && m.SenderID != f.ReaderID && !m.ReadByUser(f.ReaderID)
}

// SortMessages orders ascending by creation time, then id. Sequence numbers
// are assigned in the same order.
func SortMessages(messages []*Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}
