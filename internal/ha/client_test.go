package ha

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the auth handshake and acknowledges the
// state_changed subscription sent right after it.
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	require.NoError(t, conn.WriteJSON(Message{Type: "auth_required"}))

	var authMsg AuthMessage
	require.NoError(t, conn.ReadJSON(&authMsg))
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	require.NoError(t, conn.WriteJSON(Message{Type: "auth_ok"}))

	var subMsg SubscribeEventsRequest
	require.NoError(t, conn.ReadJSON(&subMsg))
	assert.Equal(t, "subscribe_events", subMsg.Type)
	assert.Equal(t, "state_changed", subMsg.EventType)
	ack(conn, subMsg.ID, true)
}

func ack(conn *websocket.Conn, id int, ok bool) {
	msg := Message{ID: id, Type: "result", Success: &ok}
	if !ok {
		msg.Error = &Error{Code: "not_found", Message: "Service not found"}
	}
	_ = conn.WriteJSON(msg)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_Connect(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		assert.True(t, client.IsConnected())

		assert.Error(t, client.Connect(), "second connect must fail")

		require.NoError(t, client.Disconnect())
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)
			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", logger)
		err := client.Connect()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAuthInvalid))
		assert.False(t, client.IsConnected())
	})

	t.Run("unreachable", func(t *testing.T) {
		client := NewClient("ws://127.0.0.1:1/api/websocket", token, logger)
		assert.Error(t, client.Connect())
		assert.False(t, client.IsConnected())
	})
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/api/websocket", "token", zap.NewNop())

	assert.ErrorIs(t, client.SetInputText("x", "y"), ErrNotConnected)
	assert.ErrorIs(t, client.FireEvent("x", nil), ErrNotConnected)
	assert.NoError(t, client.Disconnect())
}

func TestClient_CallService(t *testing.T) {
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req CallServiceRequest
		require.NoError(t, conn.ReadJSON(&req))
		assert.Equal(t, "call_service", req.Type)
		assert.Equal(t, "input_boolean", req.Domain)
		assert.Equal(t, "turn_on", req.Service)
		assert.Equal(t, "input_boolean.test", req.ServiceData["entity_id"])
		ack(conn, req.ID, true)

		require.NoError(t, conn.ReadJSON(&req))
		ack(conn, req.ID, false)

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	assert.NoError(t, client.SetInputBoolean("test", true))

	err := client.CallService("light", "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestClient_InputHelpers(t *testing.T) {
	token := "test_token"
	received := make(chan CallServiceRequest, 2)

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		for i := 0; i < 2; i++ {
			var req CallServiceRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			received <- req
			ack(conn, req.ID, true)
		}
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	require.NoError(t, client.SetInputNumber("den_events", 42))
	require.NoError(t, client.SetInputText("den_next", "News"))

	num := <-received
	assert.Equal(t, "input_number", num.Domain)
	assert.Equal(t, "set_value", num.Service)
	assert.Equal(t, "input_number.den_events", num.ServiceData["entity_id"])
	assert.Equal(t, float64(42), num.ServiceData["value"])

	text := <-received
	assert.Equal(t, "input_text", text.Domain)
	assert.Equal(t, "input_text.den_next", text.ServiceData["entity_id"])
	assert.Equal(t, "News", text.ServiceData["value"])
}

func TestClient_FireEvent(t *testing.T) {
	token := "test_token"
	received := make(chan FireEventRequest, 1)

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req FireEventRequest
		require.NoError(t, conn.ReadJSON(&req))
		received <- req
		ack(conn, req.ID, true)

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	require.NoError(t, client.FireEvent("tvheadend_epg_updated", map[string]interface{}{
		"entry_id": "abc",
		"count":    3,
	}))

	req := <-received
	assert.Equal(t, "fire_event", req.Type)
	assert.Equal(t, "tvheadend_epg_updated", req.EventType)
	assert.Equal(t, "abc", req.EventData["entry_id"])
	assert.Equal(t, float64(3), req.EventData["count"])
}

func TestClient_StateChanges(t *testing.T) {
	token := "test_token"
	release := make(chan struct{})

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		<-release

		for _, entity := range []string{"input_boolean.other", "input_boolean.den_refresh"} {
			data, _ := json.Marshal(StateChangedEvent{
				EntityID: entity,
				OldState: &State{EntityID: entity, State: "off"},
				NewState: &State{EntityID: entity, State: "on"},
			})
			conn.WriteJSON(Message{
				Type:  "event",
				Event: &Event{EventType: "state_changed", Data: data},
			})
		}
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())

	changes := make(chan *State, 4)
	sub, err := client.SubscribeStateChanges("input_boolean.den_refresh", func(entityID string, oldState, newState *State) {
		changes <- newState
	})
	require.NoError(t, err)

	require.NoError(t, client.Connect())
	defer client.Disconnect()
	close(release)

	select {
	case state := <-changes:
		assert.Equal(t, "input_boolean.den_refresh", state.EntityID)
		assert.Equal(t, "on", state.State)
	case <-time.After(2 * time.Second):
		t.Fatal("state change not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	client.subsMu.RLock()
	assert.Empty(t, client.subscribers)
	client.subsMu.RUnlock()
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()

	t.Run("connection", func(t *testing.T) {
		assert.False(t, mock.IsConnected())
		require.NoError(t, mock.Connect())
		assert.True(t, mock.IsConnected())
		assert.Error(t, mock.Connect())
		require.NoError(t, mock.Disconnect())
		assert.False(t, mock.IsConnected())
	})

	t.Run("service calls update state", func(t *testing.T) {
		mock.ClearServiceCalls()

		require.NoError(t, mock.SetInputBoolean("test", true))
		require.NoError(t, mock.SetInputText("next", "Film"))

		calls := mock.GetServiceCalls()
		require.Len(t, calls, 2)
		assert.Equal(t, "input_boolean", calls[0].Domain)
		assert.Equal(t, "turn_on", calls[0].Service)

		state, err := mock.GetState("input_text.next")
		require.NoError(t, err)
		assert.Equal(t, "Film", state.State)

		_, err = mock.GetState("nonexistent")
		assert.Error(t, err)
	})

	t.Run("events", func(t *testing.T) {
		mock.ClearServiceCalls()
		require.NoError(t, mock.FireEvent("custom", map[string]interface{}{"a": 1}))

		events := mock.GetFiredEvents()
		require.Len(t, events, 1)
		assert.Equal(t, "custom", events[0].EventType)
	})

	t.Run("failing calls", func(t *testing.T) {
		boom := errors.New("boom")
		mock.FailCalls(boom)
		assert.ErrorIs(t, mock.SetInputNumber("n", 1), boom)
		assert.ErrorIs(t, mock.FireEvent("custom", nil), boom)
		mock.FailCalls(nil)
		assert.NoError(t, mock.SetInputNumber("n", 1))
	})

	t.Run("subscriptions", func(t *testing.T) {
		var got []string
		sub, err := mock.SubscribeStateChanges("input_boolean.test", func(entityID string, oldState, newState *State) {
			got = append(got, newState.State)
		})
		require.NoError(t, err)
		assert.Equal(t, 1, mock.SubscriberCount("input_boolean.test"))

		mock.SimulateStateChange("input_boolean.test", "off")
		require.NoError(t, mock.SetInputBoolean("test", true))
		assert.Equal(t, []string{"off", "on"}, got)

		require.NoError(t, sub.Unsubscribe())
		assert.Equal(t, 0, mock.SubscriberCount("input_boolean.test"))
	})
}
