package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/wirechat/pkg/database"
	"github.com/aeolun/wirechat/pkg/kvstore"
	"github.com/aeolun/wirechat/pkg/msgcache"
	"github.com/aeolun/wirechat/pkg/sessions"
)

type hubFixture struct {
	hub      *Hub
	srv      *httptest.Server
	db       *database.DB
	redis    *miniredis.Miniredis
	sessions *sessions.Manager
	cache    *msgcache.Cache
}

func newHubFixture(t *testing.T, cfg Config) *hubFixture {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	kv := kvstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	t.Cleanup(func() { kv.Close() })

	sm := sessions.NewManager(kv)
	cache := msgcache.New(kv, 0)
	hub := NewHub(cfg, sm, db, cache)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return &hubFixture{hub: hub, srv: srv, db: db, redis: mr, sessions: sm, cache: cache}
}

func (f *hubFixture) login(t *testing.T, name string) string {
	t.Helper()
	user, err := f.db.RegisterUser(name, "secret1")
	require.NoError(t, err)
	token, err := f.sessions.Issue(context.Background(), strconv.FormatInt(user.ID, 10), "")
	require.NoError(t, err)
	return token
}

func (f *hubFixture) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", "chat_cookie="+token)
	ws, resp, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

type received struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func next(t *testing.T, ws *websocket.Conn, name string) json.RawMessage {
	t.Helper()
	for {
		var ev received
		require.NoError(t, ws.ReadJSON(&ev), "waiting for %s", name)
		if ev.Name == name {
			return ev.Data
		}
	}
}

func nextString(t *testing.T, ws *websocket.Conn, name string) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(next(t, ws, name), &s))
	return s
}

func send(t *testing.T, ws *websocket.Conn, name string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"event": name, "data": data}))
}

func TestHubRejectsMissingSession(t *testing.T) {
	f := newHubFixture(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	header := http.Header{}
	header.Set("Cookie", "chat_cookie=not-a-session")
	_, resp, err = websocket.DefaultDialer.Dial(f.url(), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestHubStoreOutageIsUnavailable(t *testing.T) {
	f := newHubFixture(t, Config{})
	token := f.login(t, "alice")
	f.redis.Close()

	header := http.Header{}
	header.Set("Cookie", "chat_cookie="+token)
	_, resp, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Contains(t, []int{http.StatusServiceUnavailable, http.StatusInternalServerError}, resp.StatusCode)
}

func TestHubInitialState(t *testing.T) {
	f := newHubFixture(t, Config{TopUsers: 5})
	token := f.login(t, "alice")

	require.NoError(t, f.cache.Append(context.Background(), msgcache.Entry{
		ID: "7", Text: "earlier", AuthorLogin: "bob", Timestamp: time.Now(),
	}))

	ws := f.dial(t, token)
	assert.Equal(t, "alice", nextString(t, ws, EventLoginInfo))

	var users []string
	require.NoError(t, json.Unmarshal(next(t, ws, EventUsers), &users))
	assert.Equal(t, []string{"alice"}, users)

	var records []msgcache.Record
	require.NoError(t, json.Unmarshal(next(t, ws, EventMessages), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "7", records[0].ID)
	assert.Equal(t, "earlier", records[0].Message)
	assert.Equal(t, "bob", records[0].UserLogin)

	var top []string
	require.NoError(t, json.Unmarshal(next(t, ws, EventTopList), &top))
	assert.NotNil(t, top)
}

func TestHubNewcomerDoesNotSeeOwnEnter(t *testing.T) {
	f := newHubFixture(t, Config{})
	alice := f.dial(t, f.login(t, "alice"))

	var first received
	require.NoError(t, alice.ReadJSON(&first))
	assert.Equal(t, EventLoginInfo, first.Name)

	for {
		var ev received
		require.NoError(t, alice.ReadJSON(&ev))
		assert.NotEqual(t, EventEnter, ev.Name)
		if ev.Name == EventTopList {
			break
		}
	}

	// others still hear about the arrival
	f.dial(t, f.login(t, "bob"))
	assert.Equal(t, "bob", nextString(t, alice, EventEnter))
}

func TestHubChatIsStoredCachedAndBroadcast(t *testing.T) {
	f := newHubFixture(t, Config{TopUsers: 5})
	require.NoError(t, f.db.AddForbiddenWord("darn"))
	alice := f.dial(t, f.login(t, "alice"))
	next(t, alice, EventTopList)
	bob := f.dial(t, f.login(t, "bob"))
	next(t, bob, EventTopList)

	send(t, alice, EventChat, "well DARN it")

	var rec msgcache.Record
	require.NoError(t, json.Unmarshal(next(t, bob, EventChat), &rec))
	assert.Equal(t, "well **** it", rec.Message)
	assert.Equal(t, "alice", rec.UserLogin)
	assert.NotZero(t, rec.Timestamp)

	require.NoError(t, json.Unmarshal(next(t, alice, EventChat), &rec))
	assert.Equal(t, "well **** it", rec.Message)

	entries, err := f.cache.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rec.ID, entries[0].ID)
	assert.Equal(t, "well **** it", entries[0].Text)

	top, err := f.db.TopUsers(5)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	assert.Equal(t, "alice", top[0].Login)
}

func TestHubRemoveMessage(t *testing.T) {
	f := newHubFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.cache.Append(ctx, msgcache.Entry{
		ID: "42", Text: "oops", AuthorLogin: "alice", Timestamp: time.Now(),
	}))

	ws := f.dial(t, f.login(t, "alice"))
	next(t, ws, EventTopList)

	send(t, ws, EventRemoveMsg, 42)
	assert.Equal(t, "42", nextString(t, ws, EventRemoveMsg))

	entries, err := f.cache.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHubRejectsBadCommands(t *testing.T) {
	f := newHubFixture(t, Config{})
	ws := f.dial(t, f.login(t, "alice"))
	next(t, ws, EventTopList)

	send(t, ws, EventChat, "   ")
	assert.Equal(t, errEmptyMessage.Error(), nextString(t, ws, EventError))

	send(t, ws, EventChat, strings.Repeat("x", maxChatLength+1))
	assert.Equal(t, errTooLong.Error(), nextString(t, ws, EventError))

	send(t, ws, EventChat, 12)
	assert.Contains(t, nextString(t, ws, EventError), errBadArgument.Error())

	send(t, ws, "shout", "hi")
	assert.Equal(t, errUnknownEvent.Error(), nextString(t, ws, EventError))
}

func TestHubRateLimitsChat(t *testing.T) {
	f := newHubFixture(t, Config{MessageRateLimit: 2})
	ws := f.dial(t, f.login(t, "alice"))
	next(t, ws, EventTopList)

	send(t, ws, EventChat, "one")
	next(t, ws, EventChat)
	send(t, ws, EventChat, "two")
	next(t, ws, EventChat)

	send(t, ws, EventChat, "three")
	assert.Equal(t, errRateLimited.Error(), nextString(t, ws, EventError))
}

func TestHubPresence(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newHubFixture(t, Config{Registerer: reg})
	aliceToken := f.login(t, "alice")
	bobToken := f.login(t, "bob")

	alice := f.dial(t, aliceToken)
	next(t, alice, EventTopList)

	bob1 := f.dial(t, bobToken)
	assert.Equal(t, "bob", nextString(t, alice, EventEnter))
	next(t, bob1, EventTopList)

	// a second tab is not a new arrival
	bob2 := f.dial(t, bobToken)
	next(t, bob2, EventTopList)
	assert.Equal(t, 3, f.hub.Registry().Len())
	assert.Equal(t, []string{"alice", "bob"}, f.hub.Registry().Users())
	assert.Equal(t, float64(3), testutil.ToFloat64(f.hub.clients))

	require.NoError(t, bob1.Close())
	require.Eventually(t, func() bool { return f.hub.Registry().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	// only the last tab leaving announces the exit
	send(t, alice, EventChat, "still here?")
	var rec msgcache.Record
	require.NoError(t, json.Unmarshal(next(t, alice, EventChat), &rec))
	assert.Equal(t, "still here?", rec.Message)

	require.NoError(t, bob2.Close())
	assert.Equal(t, "bob", nextString(t, alice, EventExit))
	require.Eventually(t, func() bool { return testutil.ToFloat64(f.hub.clients) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.hub.events.WithLabelValues(EventChat, "ok")))
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	f := newHubFixture(t, Config{})
	ws := f.dial(t, f.login(t, "alice"))
	next(t, ws, EventTopList)

	f.hub.Close()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	header := http.Header{}
	header.Set("Cookie", "chat_cookie="+f.login(t, "bob"))
	conn, resp, err := websocket.DefaultDialer.Dial(f.url(), header)
	if err == nil {
		// the upgrade succeeds but the closed registry drops the client
		defer conn.Close()
		resp.Body.Close()
		_, _, err = conn.ReadMessage()
	}
	assert.Error(t, err)
}
