package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay-backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// serve exposes the fixture's relay over websocket; the user id comes from ?user=.
func serve(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.relay.ServeConn(context.Background(), conn, userID, ConnOptions{
			PingInterval:    time.Second,
			WriteDeadline:   time.Second,
			MaxMessageBytes: 4096,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + user.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	readEvent(t, conn, EventConnected, nil)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, event string, out any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, event, env.Event, "payload: %s", env.Data)
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, event, data)))
}

func TestServeConn_EndToEnd(t *testing.T) {
	f := newFixture(t)
	srv := serve(t, f)

	alice := dial(t, srv, f.alice)
	bob := dial(t, srv, f.bob)

	writeEvent(t, alice, EventJoinConversation, ConversationRequest{ConversationID: f.ab.ID.String()})
	readEvent(t, alice, EventJoined, nil)
	writeEvent(t, bob, EventJoinConversation, ConversationRequest{ConversationID: f.ab.ID.String()})
	readEvent(t, bob, EventJoined, nil)

	writeEvent(t, alice, EventSendMessage, SendRequest{Content: "over the wire", ConversationID: f.ab.ID.String(), RequestID: "w1"})

	var got models.MessageResponse
	readEvent(t, bob, EventMessageReceived, &got)
	require.Equal(t, "over the wire", got.Content)
	require.Equal(t, f.alice, got.Sender)

	readEvent(t, alice, EventMessageReceived, nil)
	var ack AckPayload
	readEvent(t, alice, EventAck, &ack)
	require.Equal(t, "w1", ack.RequestID)
	require.Equal(t, got.ID, *ack.MessageID)
}

func TestServeConn_DisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	srv := serve(t, f)

	alice := dial(t, srv, f.alice)
	writeEvent(t, alice, EventJoinConversation, ConversationRequest{ConversationID: f.ab.ID.String()})
	readEvent(t, alice, EventJoined, nil)
	require.Equal(t, 1, f.relay.Hub().RoomSize(f.ab.ID))

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	require.Eventually(t, func() bool {
		return f.relay.Hub().SessionCount() == 0 && f.relay.Hub().RoomSize(f.ab.ID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeConn_CloseAllEndsConnections(t *testing.T) {
	f := newFixture(t)
	srv := serve(t, f)
	alice := dial(t, srv, f.alice)

	f.relay.Hub().CloseAll()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
