package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
)

// Inbound message types.
const (
	MessageTypePing          = "ping"
	MessageTypeJoinChatRoom  = "join_chat_room"
	MessageTypeLeaveChatRoom = "leave_chat_room"
	MessageTypeSendMessage   = "send_message"
	MessageTypeMarkRead      = "mark_read"
)

// Outbound replies to the requesting connection. Group events (newMessage,
// read_receipt, group_closed) arrive through Publish.
const (
	MessageTypePong        = "pong"
	MessageTypeJoinedRoom  = "joined_chat_room"
	MessageTypeLeftRoom    = "left_chat_room"
	MessageTypeMessageSent = "message_sent"
	MessageTypeReadState   = "read_state"
	MessageTypeError       = "error"
)

// WSMessage is the envelope for gateway traffic.
type WSMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

type SendMessageData struct {
	TempID string `json:"temp_id,omitempty"`
	ChatID string `json:"chat_id"`
	Body   string `json:"body"`
}

type MessageSentData struct {
	TempID    string    `json:"temp_id,omitempty"`
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandleClientMessage dispatches one inbound frame from client.
func (m *Manager) HandleClientMessage(ctx context.Context, client *Client, raw []byte) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.sendError(client, "", errors.InvalidArgument("Invalid message format", err))
		return
	}

	switch msg.Type {
	case MessageTypePing:
		m.reply(client, MessageTypePong, "", map[string]string{"status": "alive"})

	case MessageTypeJoinChatRoom:
		m.handleJoinChatRoom(ctx, client, msg)

	case MessageTypeLeaveChatRoom:
		chatID := roomID(msg)
		m.Unsubscribe(chatID, client)
		m.reply(client, MessageTypeLeftRoom, chatID, nil)

	case MessageTypeSendMessage:
		m.handleSendMessage(ctx, client, msg)

	case MessageTypeMarkRead:
		m.handleMarkRead(ctx, client, msg)

	default:
		m.log.Debug().Str("type", msg.Type).Str("user", client.UserID).Msg("unknown websocket message type")
		m.sendError(client, msg.ChatID, errors.InvalidArgument("Unknown message type", nil))
	}
}

// roomID accepts both { chat_id } on the envelope and { data: { chat_id } }.
func roomID(msg WSMessage) string {
	if msg.ChatID != "" {
		return msg.ChatID
	}
	var data struct {
		ChatID string `json:"chat_id"`
	}
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &data)
	}
	return data.ChatID
}

func (m *Manager) handleJoinChatRoom(ctx context.Context, client *Client, msg WSMessage) {
	chatID := roomID(msg)
	if chatID == "" {
		m.sendError(client, "", errors.InvalidArgument("chat_id is required", nil))
		return
	}
	if m.chat == nil {
		m.sendError(client, chatID, errors.Internal("Chat service unavailable", nil))
		return
	}
	if err := m.chat.AuthorizeSubscribe(ctx, chatID, client.UserID); err != nil {
		m.sendError(client, chatID, err)
		return
	}

	m.Subscribe(chatID, client)
	m.reply(client, MessageTypeJoinedRoom, chatID, nil)
	m.log.Debug().Str("user", client.UserID).Str("group", chatID).Msg("client joined chat room")
}

func (m *Manager) handleSendMessage(ctx context.Context, client *Client, msg WSMessage) {
	var data SendMessageData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			m.sendError(client, msg.ChatID, errors.InvalidArgument("Invalid send message format", err))
			return
		}
	}
	if data.ChatID == "" {
		data.ChatID = msg.ChatID
	}
	if m.chat == nil {
		m.sendError(client, data.ChatID, errors.Internal("Chat service unavailable", nil))
		return
	}

	sent, err := m.chat.SendMessage(ctx, usecase.SendMessageInput{
		ChatGroupID: data.ChatID,
		SenderID:    client.UserID,
		Body:        data.Body,
	})
	if err != nil {
		m.sendError(client, data.ChatID, err)
		return
	}

	m.reply(client, MessageTypeMessageSent, data.ChatID, MessageSentData{
		TempID:    data.TempID,
		MessageID: sent.ID,
		ChatID:    data.ChatID,
		CreatedAt: sent.CreatedAt,
	})
}

func (m *Manager) handleMarkRead(ctx context.Context, client *Client, msg WSMessage) {
	chatID := roomID(msg)
	if m.chat == nil {
		m.sendError(client, chatID, errors.Internal("Chat service unavailable", nil))
		return
	}
	result, err := m.chat.MarkRead(ctx, chatID, client.UserID)
	if err != nil {
		m.sendError(client, chatID, err)
		return
	}
	m.reply(client, MessageTypeReadState, chatID, result)
}

func (m *Manager) reply(client *Client, msgType, chatID string, data interface{}) {
	msg := WSMessage{
		Type:      msgType,
		ChatID:    chatID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			m.log.Error().Err(err).Str("type", msgType).Msg("failed to encode websocket reply")
			return
		}
		msg.Data = payload
	}

	out, err := json.Marshal(msg)
	if err != nil {
		m.log.Error().Err(err).Str("type", msgType).Msg("failed to encode websocket reply")
		return
	}
	m.trySend(client, out)
}

func (m *Manager) sendError(client *Client, chatID string, err error) {
	data := ErrorData{Code: errors.CodeInternal, Message: "An unexpected error occurred"}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		data = ErrorData{Code: appErr.Code, Message: appErr.Message}
	}
	if data.Code == errors.CodeInternal {
		m.log.Error().Err(err).Str("user", client.UserID).Msg("websocket request failed")
	}
	m.reply(client, MessageTypeError, chatID, data)
}
