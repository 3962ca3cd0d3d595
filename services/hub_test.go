package services

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret"

func newTestHub(t *testing.T) (*Hub, *sql.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewHub(db, NewAggregator(db), testJWTSecret), db
}

func startFanoutServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func signToken(t *testing.T, userID int) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame wsFrame
	require.NoError(t, json.Unmarshal(message, &frame))
	return frame
}

func sendAuth(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	data, err := json.Marshal(wsAuthRequest{Token: token})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsFrame{Type: "auth", Data: data}))
}

func TestHubAuthDeliversSnapshotBeforeUpdates(t *testing.T) {
	hub, db := newTestHub(t)
	url := startFanoutServer(t, hub)

	seedDevice(t, db, "plug-a", 1, true)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	sendAuth(t, conn, signToken(t, 1))

	frame := readFrame(t, conn)
	assert.Equal(t, "auth_success", frame.Type)

	frame = readFrame(t, conn)
	require.Equal(t, "device_snapshot", frame.Type)
	var devices []json.RawMessage
	require.NoError(t, json.Unmarshal(frame.Data, &devices))
	assert.Len(t, devices, 1)

	frame = readFrame(t, conn)
	assert.Equal(t, "power_update", frame.Type)

	// Only now does the connection receive broadcasts
	require.Eventually(t, func() bool { return hub.ConnectionCount(1) == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.BroadcastToUser(1, "notification", map[string]string{"message": "hello"})
	frame = readFrame(t, conn)
	assert.Equal(t, "notification", frame.Type)
}

func TestHubBroadcastDuringDisconnect(t *testing.T) {
	hub, _ := newTestHub(t)
	url := startFanoutServer(t, hub)

	// A disconnect landing between the bucket snapshot and the channel
	// send used to panic the broadcasting goroutine. Repeat the race a
	// number of times to give the interleaving a chance to occur.
	for i := 0; i < 25; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		sendAuth(t, conn, signToken(t, 1))
		for j := 0; j < 3; j++ {
			readFrame(t, conn)
		}
		require.Eventually(t, func() bool { return hub.ConnectionCount(1) == 1 },
			2*time.Second, time.Millisecond)

		var client *Client
		hub.mu.RLock()
		for c := range hub.byUser[1] {
			client = c
		}
		hub.mu.RUnlock()
		require.NotNil(t, client)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for k := 0; k < 200; k++ {
				hub.BroadcastToUser(1, "power_update", map[string]int{"seq": k})
			}
		}()
		go func() {
			defer wg.Done()
			hub.unregister(client)
		}()
		wg.Wait()

		conn.Close()
		assert.Equal(t, 0, hub.ConnectionCount(1))
	}
}

func TestHubRejectsInvalidToken(t *testing.T) {
	hub, _ := newTestHub(t)
	url := startFanoutServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	sendAuth(t, conn, "not-a-token")

	frame := readFrame(t, conn)
	assert.Equal(t, "auth_error", frame.Type)
	assert.Equal(t, 0, hub.ConnectionCount(1))
}

func TestHubRejectsTokenSignedWithWrongKey(t *testing.T) {
	hub, _ := newTestHub(t)
	url := startFanoutServer(t, hub)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 1})
	signed, err := token.SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	sendAuth(t, conn, signed)

	frame := readFrame(t, conn)
	assert.Equal(t, "auth_error", frame.Type)
}

func TestHubBroadcastReachesOnlyOwningAccount(t *testing.T) {
	hub, _ := newTestHub(t)
	url := startFanoutServer(t, hub)

	dial := func(userID int) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		sendAuth(t, conn, signToken(t, userID))
		for i := 0; i < 3; i++ {
			readFrame(t, conn) // auth_success, device_snapshot, power_update
		}
		return conn
	}

	conn1 := dial(1)
	conn2 := dial(2)

	require.Eventually(t, func() bool {
		return hub.ConnectionCount(1) == 1 && hub.ConnectionCount(2) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastToUser(1, "status_update", map[string]string{"device_id": "plug-a"})

	frame := readFrame(t, conn1)
	assert.Equal(t, "status_update", frame.Type)

	// The other account's connection must stay quiet
	conn2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn2.ReadMessage()
	assert.Error(t, err)
}
