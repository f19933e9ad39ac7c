package entity

import "time"

// Realtime event types delivered on a group's channel.
const (
	EventNewMessage  = "newMessage"
	EventReadReceipt = "read_receipt"
	EventGroupClosed = "group_closed"
)

// EventMessage is the wire projection of a Message.
type EventMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID *string   `json:"receiverId"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// GroupEvent is published to every subscriber of ChatGroupID.
type GroupEvent struct {
	Type        string        `json:"type"`
	ChatGroupID string        `json:"chatGroupId"`
	Message     *EventMessage `json:"message,omitempty"`
	ReaderID    string        `json:"readerId,omitempty"`
	At          *time.Time    `json:"at,omitempty"`
}

func NewMessageEvent(m *Message) GroupEvent {
	return GroupEvent{
		Type:        EventNewMessage,
		ChatGroupID: m.ChatGroupID,
		Message: &EventMessage{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Body:       m.Body,
			CreatedAt:  m.CreatedAt,
		},
	}
}

func NewReadReceiptEvent(groupID, readerID string, at time.Time) GroupEvent {
	return GroupEvent{Type: EventReadReceipt, ChatGroupID: groupID, ReaderID: readerID, At: &at}
}

func NewGroupClosedEvent(groupID string, at time.Time) GroupEvent {
	return GroupEvent{Type: EventGroupClosed, ChatGroupID: groupID, At: &at}
}
