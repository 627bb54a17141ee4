// Package ha is a minimal Home Assistant websocket client: it authenticates,
// calls services, fires events and dispatches state_changed events to
// per-entity handlers.
package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	responseTimeout = 10 * time.Second
	maxBackoff      = 30 * time.Second
)

var (
	// ErrNotConnected is returned by commands issued while disconnected.
	ErrNotConnected = errors.New("not connected to Home Assistant")

	// ErrAuthInvalid is returned when Home Assistant rejects the token.
	ErrAuthInvalid = errors.New("authentication failed: invalid token")
)

// HAClient is the Home Assistant surface used by the EPG bridge.
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	CallService(domain, service string, data map[string]interface{}) error
	FireEvent(eventType string, data map[string]interface{}) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SetInputBoolean(name string, value bool) error
	SetInputNumber(name string, value float64) error
	SetInputText(name string, value string) error
}

type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// Client implements HAClient over a single websocket connection.
type Client struct {
	url    string
	token  string
	logger *zap.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	reconnect bool
	ctx       context.Context
	cancel    context.CancelFunc

	writeMu sync.Mutex

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan Message

	subsMu      sync.RWMutex
	subscribers map[string][]subscriberEntry
	nextSubID   int
}

// NewClient creates a client for the websocket API at url
// (e.g. "ws://homeassistant.local:8123/api/websocket").
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:         url,
		token:       token,
		logger:      logger.Named("ha"),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[int]chan Message),
		subscribers: make(map[string][]subscriberEntry),
	}
}

// Connect dials Home Assistant, authenticates and subscribes to
// state_changed events. Existing subscriptions survive reconnects.
func (c *Client) Connect() error {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return errors.New("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.reconnect = true
	c.connMu.Unlock()

	c.logger.Info("Connected to Home Assistant")
	go c.receiveMessages(conn)

	if err := c.send(&SubscribeEventsRequest{
		ID:        c.nextMsgID(),
		Type:      "subscribe_events",
		EventType: "state_changed",
	}); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}
	return nil
}

// authenticate runs the auth_required / auth / auth_ok handshake.
func authenticate(conn *websocket.Conn, token string) error {
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthInvalid
	default:
		return fmt.Errorf("expected auth_ok, got %s", reply.Type)
	}
}

// Disconnect closes the connection and disables reconnects.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()
	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected reports whether the websocket is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// send writes req and waits for its result frame.
func (c *Client) send(req request) error {
	c.connMu.RLock()
	conn, connected, ctx := c.conn, c.connected, c.ctx
	c.connMu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	id := req.messageID()
	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return errors.New("request failed")
		}
		return nil
	case <-time.After(responseTimeout):
		return errors.New("timeout waiting for response")
	case <-ctx.Done():
		return errors.New("client disconnected")
	}
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.connMu.RLock()
			current := c.conn == conn && c.connected
			c.connMu.RUnlock()
			if current {
				c.logger.Error("Failed to read message", zap.Error(err))
				c.handleDisconnect(conn)
			}
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var data StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers[data.EntityID]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(data.EntityID, data.OldState, data.NewState)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	reconnect := c.reconnect
	ctx := c.ctx
	c.connMu.Unlock()
	conn.Close()

	c.logger.Warn("Connection to Home Assistant lost")
	if reconnect {
		go c.attemptReconnect(ctx)
	}
}

// attemptReconnect retries Connect with exponential backoff until it
// succeeds or ctx is cancelled.
func (c *Client) attemptReconnect(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")
		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// CallService calls a Home Assistant service.
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	return c.send(&CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
}

// FireEvent fires a custom event on the Home Assistant event bus.
func (c *Client) FireEvent(eventType string, data map[string]interface{}) error {
	return c.send(&FireEventRequest{
		ID:        c.nextMsgID(),
		Type:      "fire_event",
		EventType: eventType,
		EventData: data,
	})
}

// SubscribeStateChanges calls handler for every state change of entityID.
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subID := c.nextSubID
	c.nextSubID++
	c.subscribers[entityID] = append(c.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})

	return &subscription{entityID: entityID, subID: subID, remove: c.unsubscribe}, nil
}

func (c *Client) unsubscribe(entityID string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subscribers[entityID] = removeSubscriber(c.subscribers[entityID], subID)
	if len(c.subscribers[entityID]) == 0 {
		delete(c.subscribers, entityID)
	}
	return nil
}

func removeSubscriber(entries []subscriberEntry, subID int) []subscriberEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.subID != subID {
			out = append(out, e)
		}
	}
	return out
}

// subscription removes one handler when unsubscribed.
type subscription struct {
	entityID string
	subID    int
	remove   func(entityID string, subID int) error
}

func (s *subscription) Unsubscribe() error {
	return s.remove(s.entityID, s.subID)
}

// SetInputBoolean turns input_boolean.<name> on or off.
func (c *Client) SetInputBoolean(name string, value bool) error {
	return c.CallService("input_boolean", booleanService(value), map[string]interface{}{
		"entity_id": "input_boolean." + name,
	})
}

// SetInputNumber sets input_number.<name>.
func (c *Client) SetInputNumber(name string, value float64) error {
	return c.CallService("input_number", "set_value", map[string]interface{}{
		"entity_id": "input_number." + name,
		"value":     value,
	})
}

// SetInputText sets input_text.<name>.
func (c *Client) SetInputText(name string, value string) error {
	return c.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": "input_text." + name,
		"value":     value,
	})
}

func booleanService(value bool) string {
	if value {
		return "turn_on"
	}
	return "turn_off"
}
