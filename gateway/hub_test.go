package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/auditmos/adminpanel/recorder"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ConnectedMessage(t *testing.T) {
	_, url := startHub(t, HubConfig{})

	conn := dial(t, url)
	assert.Equal(t, map[string]interface{}{"message": "connected"}, readJSON(t, conn))
}

func TestHub_BroadcastToAll(t *testing.T) {
	hub, url := startHub(t, HubConfig{})

	a := dial(t, url)
	b := dial(t, url)
	readJSON(t, a)
	readJSON(t, b)
	waitForClients(t, hub, 2)

	require.NoError(t, a.WriteJSON(map[string]interface{}{"hello": "world", "n": 1}))

	want := map[string]interface{}{"broadcast": map[string]interface{}{"hello": "world", "n": float64(1)}}
	assert.Equal(t, want, readJSON(t, a))
	assert.Equal(t, want, readJSON(t, b))
}

func TestHub_IgnoresNonObjects(t *testing.T) {
	hub, url := startHub(t, HubConfig{})

	conn := dial(t, url)
	readJSON(t, conn)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteJSON(map[string]string{"ok": "yes"}))

	msg := readJSON(t, conn)
	assert.Equal(t, map[string]interface{}{"ok": "yes"}, msg["broadcast"])
}

func TestHub_ConnectionLimitPerIP(t *testing.T) {
	hub, url := startHub(t, HubConfig{MaxConnsPerIP: 2})

	dial(t, url)
	dial(t, url)
	waitForClients(t, hub, 2)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_ConnectionLimitIgnoresForwardedFor(t *testing.T) {
	hub, url := startHub(t, HubConfig{MaxConnsPerIP: 1})

	spoofed := func(ip string) http.Header {
		return http.Header{"X-Forwarded-For": {ip}, "X-Real-Ip": {ip}}
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, spoofed("198.51.100.1"))
	require.NoError(t, err)
	defer conn.Close()
	waitForClients(t, hub, 1)

	_, resp, err := websocket.DefaultDialer.Dial(url, spoofed("198.51.100.2"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_ConnectionLimitTrustedProxy(t *testing.T) {
	proxies, err := recorder.ParseTrustedProxies([]string{"127.0.0.1", "::1"})
	require.NoError(t, err)
	hub, url := startHub(t, HubConfig{MaxConnsPerIP: 1, TrustedProxies: proxies})

	for _, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Forwarded-For": {ip}})
		require.NoError(t, err, ip)
		defer conn.Close()
	}
	waitForClients(t, hub, 2)
}

func TestHub_ReleasesSlotOnDisconnect(t *testing.T) {
	hub, url := startHub(t, HubConfig{MaxConnsPerIP: 1})

	conn := dial(t, url)
	readJSON(t, conn)
	waitForClients(t, hub, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitForClients(t, hub, 0)

	second := dial(t, url)
	assert.Equal(t, "connected", readJSON(t, second)["message"])
}

func TestHub_RateLimitDropsMessages(t *testing.T) {
	hub, url := startHub(t, HubConfig{MessageRate: 0.001, MessageBurst: 1})

	conn := dial(t, url)
	readJSON(t, conn)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]int{"seq": 1}))
	require.NoError(t, conn.WriteJSON(map[string]int{"seq": 2}))

	msg := readJSON(t, conn)
	assert.Equal(t, map[string]interface{}{"seq": float64(1)}, msg["broadcast"])

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "second message should have been dropped")
}

func TestHub_BroadcastFromServer(t *testing.T) {
	hub, url := startHub(t, HubConfig{})

	conn := dial(t, url)
	readJSON(t, conn)
	waitForClients(t, hub, 1)

	hub.Broadcast(map[string]string{"event": "cleared"})

	raw, err := json.Marshal(readJSON(t, conn))
	require.NoError(t, err)
	assert.JSONEq(t, `{"broadcast":{"event":"cleared"}}`, string(raw))
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, url := startHub(t, HubConfig{})

	conn := dial(t, url)
	readJSON(t, conn)
	waitForClients(t, hub, 1)

	hub.Close()
	assert.Equal(t, 0, hub.Len())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	w := httptest.NewRecorder()
	Ping(w, httptest.NewRequest(http.MethodGet, "/api/ping/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `"pong"`, w.Body.String())
}

func TestConnLimiter(t *testing.T) {
	l := NewConnLimiter(2)

	assert.True(t, l.Acquire("a"))
	assert.True(t, l.Acquire("a"))
	assert.False(t, l.Acquire("a"))
	assert.True(t, l.Acquire("b"))

	l.Release("a")
	assert.Equal(t, 1, l.Count("a"))
	assert.True(t, l.Acquire("a"))

	l.Release("b")
	l.Release("b")
	assert.Equal(t, 0, l.Count("b"))
}
