package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketchat/internal/domain/entity"
	"marketchat/internal/usecase"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

var ErrManagerStopped = errors.New("websocket manager is not running")

// ChatService is the part of the chat core the gateway drives.
type ChatService interface {
	AuthorizeSubscribe(ctx context.Context, groupID, userID string) error
	SendMessage(ctx context.Context, input usecase.SendMessageInput) (*entity.Message, error)
	MarkRead(ctx context.Context, groupID, userID string) (*usecase.ReadResult, error)
}

// Client is one websocket connection. A user may hold several.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	rooms map[string]struct{}
}

func NewClient(userID string, conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, buffer),
		rooms:  make(map[string]struct{}),
	}
}

// Manager owns every live connection and the chat-group subscriptions. It is
// the realtime broadcaster: Publish fans an event out to the group's
// subscribers without blocking on slow connections.
type Manager struct {
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	mutex   sync.RWMutex

	chat ChatService
	log  zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		log:     log,
	}
}

// SetChatService completes the wiring; the chat service itself publishes
// through the manager, so it is built afterwards.
func (m *Manager) SetChatService(chat ChatService) {
	m.chat = chat
}

// Start brings the manager up. It shuts down when Stop is called or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.running {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running = true

	go m.run(m.ctx, m.done)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	<-ctx.Done()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.running = false
	for client := range m.clients {
		m.dropLocked(client)
	}
	m.log.Info().Msg("websocket manager stopped")
}

// Stop disconnects every client and waits for shutdown to finish.
func (m *Manager) Stop() {
	m.mutex.RLock()
	cancel, done := m.cancel, m.done
	m.mutex.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) Register(client *Client) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.running {
		return ErrManagerStopped
	}
	m.clients[client] = struct{}{}
	m.log.Debug().Str("user", client.UserID).Str("conn", client.ID).Msg("client registered")
	return nil
}

// RemoveClient unregisters client and closes its send channel. Safe to call
// more than once.
func (m *Manager) RemoveClient(client *Client) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.clients[client]; ok {
		m.dropLocked(client)
		m.log.Debug().Str("user", client.UserID).Str("conn", client.ID).Msg("client unregistered")
	}
}

// dropLocked must be called with m.mutex held for writing.
func (m *Manager) dropLocked(client *Client) {
	for groupID := range client.rooms {
		m.unsubscribeLocked(groupID, client)
	}
	delete(m.clients, client)
	close(client.Send)
}

// Subscribe registers client's interest in groupID. Membership must be
// checked by the caller.
func (m *Manager) Subscribe(groupID string, client *Client) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	subs, ok := m.rooms[groupID]
	if !ok {
		subs = make(map[*Client]struct{})
		m.rooms[groupID] = subs
	}
	subs[client] = struct{}{}
	client.rooms[groupID] = struct{}{}
}

func (m *Manager) Unsubscribe(groupID string, client *Client) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.unsubscribeLocked(groupID, client)
}

func (m *Manager) unsubscribeLocked(groupID string, client *Client) {
	delete(client.rooms, groupID)
	subs, ok := m.rooms[groupID]
	if !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(m.rooms, groupID)
	}
}

func (m *Manager) SubscriberCount(groupID string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms[groupID])
}

// Publish delivers event to every current subscriber of groupID. A subscriber
// whose send buffer is full misses the event.
func (m *Manager) Publish(ctx context.Context, groupID string, event entity.GroupEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if !m.running {
		return ErrManagerStopped
	}

	dropped := 0
	for client := range m.rooms[groupID] {
		select {
		case client.Send <- payload:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		m.log.Warn().Str("group", groupID).Str("event", event.Type).Int("dropped", dropped).Msg("slow subscribers missed event")
	}
	return nil
}

// trySend queues payload for one client. Clients already dropped are ignored.
func (m *Manager) trySend(client *Client, payload []byte) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		m.log.Warn().Str("conn", client.ID).Msg("client send buffer full")
	}
}

func (m *Manager) context() context.Context {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// ReadPump reads client frames until the connection fails, then unregisters
// the client.
func (c *Client) ReadPump(m *Manager) {
	defer func() {
		m.RemoveClient(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.log.Warn().Err(err).Str("user", c.UserID).Msg("websocket read error")
			}
			return
		}
		m.HandleClientMessage(m.context(), c, message)
	}
}

// WritePump drains Send onto the connection and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
