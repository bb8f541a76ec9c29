//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/wirechat/pkg/database"
	"github.com/aeolun/wirechat/pkg/kvstore"
	"github.com/aeolun/wirechat/pkg/protocol"
)

type testServer struct {
	*Server
	db    *database.DB
	redis *miniredis.Miniredis
}

func startTestServer(t *testing.T, opts ...func(*ServerConfig)) *testServer {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	kv := kvstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	t.Cleanup(func() { kv.Close() })

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.HTTPPort = 0
	cfg.StaticDir = writeStaticDir(t)
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := New(cfg, db, kv)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return &testServer{Server: srv, db: db, redis: mr}
}

// roundTrip sends one raw request to the chat listener
func (s *testServer) roundTrip(t *testing.T, req *protocol.Request) *protocol.Response {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = req.WriteTo(conn)
	require.NoError(t, err)

	resp, err := protocol.NewReader(conn).ReadResponse()
	require.NoError(t, err)
	return resp
}

func (s *testServer) register(t *testing.T, login, password string) string {
	t.Helper()
	resp := s.roundTrip(t, post("/registration", "", "login="+login+"&password="+password))
	require.Equal(t, protocol.StatusOK, resp.Status(), string(resp.Body()))
	return cookieToken(t, resp)
}

func (s *testServer) dialWS(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", "chat_cookie="+token)

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+s.HTTPAddr().String()+"/ws", header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

type wireEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// waitEvent reads until an event with the given name arrives
func waitEvent(t *testing.T, ws *websocket.Conn, name string) json.RawMessage {
	t.Helper()
	for {
		var ev wireEvent
		require.NoError(t, ws.ReadJSON(&ev), "waiting for %s", name)
		if ev.Name == name {
			return ev.Data
		}
	}
}

func TestServerServesChatPageOverRawSocket(t *testing.T) {
	s := startTestServer(t)
	token := s.register(t, "alice", "secret1")

	resp := s.roundTrip(t, get("/chat.html", token))
	assert.Equal(t, protocol.StatusOK, resp.Status())
	assert.Equal(t, "<html>chat</html>", string(resp.Body()))

	length, ok := resp.Header("Content-Length")
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(len(resp.Body())), length)
	server, _ := resp.Header("Server")
	assert.Equal(t, ServerName, server)
}

func TestServerAuthUnknownUser(t *testing.T) {
	s := startTestServer(t)

	resp := s.roundTrip(t, post("/auth", "", "login=nobody&password=secret1"))
	assert.Equal(t, protocol.StatusBadRequest, resp.Status())
	env := decodeEnvelope(t, resp)
	assert.Equal(t, CodeUnauthorized, env.ErrorCode)
}

func TestServerHealthAndMetrics(t *testing.T) {
	s := startTestServer(t)
	base := "http://" + s.HTTPAddr().String()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["kvstore_accessible"])

	// generate some traffic for the request counters
	s.roundTrip(t, get("/missing", ""))

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "wirechat_requests_total")
	assert.Contains(t, string(body), "wirechat_connections_total")
}

func TestServerHealthDegradedWithoutRedis(t *testing.T) {
	s := startTestServer(t)
	s.redis.Close()

	resp, err := http.Get("http://" + s.HTTPAddr().String() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerWebSocketRequiresSession(t *testing.T) {
	s := startTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.HTTPAddr().String()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerChatFlow(t *testing.T) {
	s := startTestServer(t)
	aliceToken := s.register(t, "alice", "secret1")
	bobToken := s.register(t, "bob", "secret2")

	alice := s.dialWS(t, aliceToken)
	var login string
	require.NoError(t, json.Unmarshal(waitEvent(t, alice, "login_info"), &login))
	assert.Equal(t, "alice", login)
	waitEvent(t, alice, "top_list")

	bob := s.dialWS(t, bobToken)
	var entered string
	require.NoError(t, json.Unmarshal(waitEvent(t, alice, "enter"), &entered))
	assert.Equal(t, "bob", entered)

	var users []string
	require.NoError(t, json.Unmarshal(waitEvent(t, bob, "users"), &users))
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
	waitEvent(t, bob, "top_list")

	require.NoError(t, alice.WriteJSON(map[string]string{"event": "chat", "data": "  hello bob  "}))

	var record struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		UserLogin string `json:"userlogin"`
		Timestamp int64  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, bob, "chat"), &record))
	assert.Equal(t, "hello bob", record.Message)
	assert.Equal(t, "alice", record.UserLogin)
	assert.NotEmpty(t, record.ID)

	// the message is now visible through the listing route
	resp := s.roundTrip(t, get("/messages", bobToken))
	require.Equal(t, protocol.StatusOK, resp.Status())
	assert.Contains(t, string(resp.Body()), "hello bob")

	require.NoError(t, bob.Close())
	var exited string
	require.NoError(t, json.Unmarshal(waitEvent(t, alice, "exit"), &exited))
	assert.Equal(t, "bob", exited)
}

func TestServerSeedsForbiddenWordsFromConfig(t *testing.T) {
	s := startTestServer(t, func(cfg *ServerConfig) {
		cfg.ForbiddenWords = []string{"Darn"}
	})

	words, err := s.db.ForbiddenWords()
	require.NoError(t, err)
	assert.Contains(t, words, "darn")

	ws := s.dialWS(t, s.register(t, "alice", "secret1"))
	waitEvent(t, ws, "top_list")
	require.NoError(t, ws.WriteJSON(map[string]string{"event": "chat", "data": "darn it"}))

	var record struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, ws, "chat"), &record))
	assert.Equal(t, "**** it", record.Message)
}

func TestServerStopDisconnectsClients(t *testing.T) {
	s := startTestServer(t)
	token := s.register(t, "alice", "secret1")
	ws := s.dialWS(t, token)
	waitEvent(t, ws, "top_list")

	require.NoError(t, s.Stop())

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	_, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestNewServerOpensStores(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "nested", "chat.db")
	cfg.RedisAddr = mr.Addr()

	srv, err := NewServer(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, srv.ownsStores)
	require.NoError(t, srv.Stop())
}

func TestNewServerFailsWithoutRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "chat.db")
	cfg.RedisAddr = "127.0.0.1:1"
	cfg.RedisOpTimeout = 200 * time.Millisecond

	_, err := NewServer(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "key-value store"))
}
