package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/auth"
	"github.com/XavSPM/RevpiEpics/internal/record"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, tokens *auth.TokenService) (*Hub, string) {
	t.Helper()
	hub := NewHub(zap.NewNop(), tokens)
	go hub.Run()
	t.Cleanup(func() { hub.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage returns the first message of the next frame. Frames may carry
// several newline separated messages.
func readMessage(t *testing.T, conn *gorilla.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	first := bytes.SplitN(data, []byte{'\n'}, 2)[0]
	var msg map[string]any
	require.NoError(t, json.Unmarshal(first, &msg))
	return msg
}

func testEvent() record.Event {
	return record.Event{
		Name:      "core:device:pv:O_1",
		Kind:      record.BinaryOut,
		Value:     1,
		Label:     "On",
		Severity:  record.NoAlarm,
		Timestamp: time.Now(),
	}
}

func TestHubBroadcastsPVUpdates(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), testEvent()))

	msg := readMessage(t, conn)
	assert.Equal(t, string(MessageTypePVUpdate), msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "core:device:pv:O_1", data["pv"])
	assert.Equal(t, "bo", data["kind"])
	assert.Equal(t, 1.0, data["value"])
	assert.Equal(t, "On", data["label"])
	assert.Equal(t, "websocket", hub.Name())
}

func TestHubRequiresAuthWhenTokensEnabled(t *testing.T) {
	tokens := auth.NewTokenService("secret", time.Minute)
	hub, url := startHub(t, tokens)

	bad := dial(t, url)
	require.NoError(t, bad.WriteJSON(map[string]any{"type": "auth", "token": "garbage"}))
	msg := readMessage(t, bad)
	assert.Equal(t, string(MessageTypeAuthFailed), msg["type"])
	assert.Equal(t, 0, hub.GetClientCount())

	token, err := tokens.Issue("panel", auth.RoleViewer)
	require.NoError(t, err)

	good := dial(t, url)
	require.NoError(t, good.WriteJSON(map[string]any{"type": "auth", "token": token}))
	msg = readMessage(t, good)
	assert.Equal(t, string(MessageTypeAuthSuccess), msg["type"])

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	hub.Broadcast(NewBridgeStatusMessage(map[string]string{"state": "RUNNING"}))
	msg = readMessage(t, good)
	assert.Equal(t, string(MessageTypeBridgeStatus), msg["type"])
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 },
		time.Second, 5*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestPVUpdateMessageKeepsEventTime(t *testing.T) {
	ev := testEvent()
	msg := NewPVUpdateMessage(ev)
	assert.True(t, msg.Timestamp.Equal(ev.Timestamp))

	ev.Timestamp = time.Time{}
	assert.False(t, NewPVUpdateMessage(ev).Timestamp.IsZero())
}
