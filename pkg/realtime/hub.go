package realtime

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/aeolun/wirechat/pkg/database"
	"github.com/aeolun/wirechat/pkg/kvstore"
	"github.com/aeolun/wirechat/pkg/msgcache"
	"github.com/aeolun/wirechat/pkg/sessions"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Outbound frames queued per client before it counts as stuck
	sendQueueSize = 256

	// Longest chat message accepted
	maxChatLength = 4096
)

// SessionResolver maps a session token to a user id
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// ChatStore is the relational side of the chat
type ChatStore interface {
	UserByID(id int64) (*database.User, error)
	StoreMessage(userID int64, authorLogin, content string) (*database.Message, error)
	TopUsers(limit int) ([]database.UserActivity, error)
}

// MessageCache is the ephemeral message list
type MessageCache interface {
	Append(ctx context.Context, e msgcache.Entry) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]msgcache.Entry, error)
}

// Config holds hub settings
type Config struct {
	CookieName       string
	MessageRateLimit int // chat messages per minute per connection, 0 disables
	TopUsers         int
	Registerer       prometheus.Registerer // nil disables metrics
}

// Hub upgrades authenticated browsers to WebSocket and fans chat events out
// to every connected client
type Hub struct {
	cfg      Config
	sessions SessionResolver
	store    ChatStore
	cache    MessageCache
	registry *Registry
	upgrader websocket.Upgrader

	clients prometheus.Gauge
	events  *prometheus.CounterVec
}

// NewHub creates a hub
func NewHub(cfg Config, resolver SessionResolver, store ChatStore, cache MessageCache) *Hub {
	if cfg.CookieName == "" {
		cfg.CookieName = "chat_cookie"
	}
	h := &Hub{
		cfg:      cfg,
		sessions: resolver,
		store:    store,
		cache:    cache,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the session cookie already authenticates the browser
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if cfg.Registerer != nil {
		factory := promauto.With(cfg.Registerer)
		h.clients = factory.NewGauge(prometheus.GaugeOpts{
			Name: "wirechat_realtime_clients",
			Help: "Current number of WebSocket clients",
		})
		h.events = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wirechat_realtime_events_total",
			Help: "Inbound realtime events by name and result",
		}, []string{"event", "result"})
	}
	return h
}

// Registry returns the client registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Close disconnects every client
func (h *Hub) Close() {
	h.registry.Close()
}

// ServeHTTP authenticates the session cookie, upgrades the connection and
// runs the client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, kvstore.ErrTimeout) {
			status = http.StatusServiceUnavailable
		} else if !errors.Is(err, sessions.ErrUnauthorized) && !errors.Is(err, database.ErrUserNotFound) {
			errorLog.Printf("WebSocket authentication failed: %v", err)
			status = http.StatusInternalServerError
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := newClient(ws, user, h.cfg.MessageRateLimit)
	h.run(r.Context(), c)
}

func (h *Hub) authenticate(r *http.Request) (*database.User, error) {
	cookie, err := r.Cookie(h.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, sessions.ErrUnauthorized
	}
	userID, err := h.sessions.Resolve(r.Context(), cookie.Value)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, sessions.ErrUnauthorized
	}
	return h.store.UserByID(id)
}

// run registers the client, sends the initial state and reads until the
// connection ends
func (h *Hub) run(ctx context.Context, c *Client) {
	first, err := h.registry.Add(c.ID, c.UserID, c.Login, c)
	if err != nil {
		c.close()
		return
	}
	if h.clients != nil {
		h.clients.Inc()
	}
	debugLog.Printf("Client %s connected as %s", c.ID, c.Login)

	go c.writePump()

	defer func() {
		last := h.registry.Remove(c.ID)
		c.close()
		if h.clients != nil {
			h.clients.Dec()
		}
		if last {
			h.broadcast(Event{Name: EventExit, Data: c.Login})
		}
		debugLog.Printf("Client %s disconnected", c.ID)
	}()

	// the arriving client learns about itself from login_info
	if first {
		h.broadcastExcept(Event{Name: EventEnter, Data: c.Login}, c.ID)
	}
	if err := h.sendInitialState(ctx, c); err != nil {
		errorLog.Printf("Failed to send initial state to %s: %v", c.ID, err)
		return
	}

	c.readPump(func(in inbound) {
		err := h.handle(ctx, c, in)
		h.recordEvent(in.Name, err)
		if err != nil {
			c.emit(Event{Name: EventError, Data: clientReason(c, in.Name, err)})
		}
	})
}

func (h *Hub) sendInitialState(ctx context.Context, c *Client) error {
	c.emit(Event{Name: EventLoginInfo, Data: c.Login})
	c.emit(Event{Name: EventUsers, Data: h.registry.Users()})

	entries, err := h.cache.List(ctx)
	if err != nil {
		return err
	}
	c.emit(Event{Name: EventMessages, Data: msgcache.Records(entries)})

	top, err := h.store.TopUsers(h.cfg.TopUsers)
	if err != nil {
		return err
	}
	logins := make([]string, len(top))
	for i, t := range top {
		logins[i] = t.Login
	}
	c.emit(Event{Name: EventTopList, Data: logins})
	return nil
}

var (
	errRateLimited  = errors.New("too many messages, slow down")
	errEmptyMessage = errors.New("empty message")
	errTooLong      = errors.New("message too long")
	errUnknownEvent = errors.New("unknown event")
)

// handle runs one inbound command
func (h *Hub) handle(ctx context.Context, c *Client, in inbound) error {
	switch in.Name {
	case EventChat:
		text, err := textArg(in.Data)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return errEmptyMessage
		}
		if len(text) > maxChatLength {
			return errTooLong
		}
		if c.limiter != nil && !c.limiter.Allow() {
			return errRateLimited
		}
		return h.postMessage(ctx, c, text)

	case EventRemoveMsg:
		id, err := idArg(in.Data)
		if err != nil {
			return err
		}
		if err := h.cache.Remove(ctx, id); err != nil {
			return err
		}
		return h.registry.Broadcast(Event{Name: EventRemoveMsg, Data: id})
	}
	return errUnknownEvent
}

// clientReason is the text sent back for a failed command. Store failures
// are logged and reported without detail.
func clientReason(c *Client, event string, err error) string {
	switch {
	case errors.Is(err, errRateLimited), errors.Is(err, errEmptyMessage),
		errors.Is(err, errTooLong), errors.Is(err, errUnknownEvent),
		errors.Is(err, errBadArgument):
		debugLog.Printf("Client %s %s rejected: %v", c.ID, event, err)
		return err.Error()
	case errors.Is(err, kvstore.ErrTimeout):
		debugLog.Printf("Client %s %s timed out: %v", c.ID, event, err)
		return "Service temporarily unavailable."
	}
	errorLog.Printf("Client %s %s failed: %v", c.ID, event, err)
	return "Internal error."
}

// postMessage stores a chat message, caches it and fans it out
func (h *Hub) postMessage(ctx context.Context, c *Client, text string) error {
	msg, err := h.store.StoreMessage(c.UserID, c.Login, text)
	if err != nil {
		return err
	}
	entry := msgcache.Entry{
		ID:          strconv.FormatInt(msg.ID, 10),
		Text:        msg.Content,
		AuthorLogin: c.Login,
		Timestamp:   msg.Time(),
	}
	if err := h.cache.Append(ctx, entry); err != nil {
		return err
	}
	return h.registry.Broadcast(Event{Name: EventChat, Data: entry.Record()})
}

func (h *Hub) broadcast(ev Event) {
	h.broadcastExcept(ev, "")
}

func (h *Hub) broadcastExcept(ev Event, skip string) {
	if err := h.registry.BroadcastExcept(ev, skip); err != nil {
		errorLog.Printf("Broadcast %s failed: %v", ev.Name, err)
	}
}

func (h *Hub) recordEvent(name string, err error) {
	if h.events == nil {
		return
	}
	switch name {
	case EventChat, EventRemoveMsg:
	default:
		name = "unknown"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.events.WithLabelValues(name, result).Inc()
}

// Client is one WebSocket connection of a logged-in user
type Client struct {
	ID     string
	UserID int64
	Login  string

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, user *database.User, perMinute int) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: user.ID,
		Login:  user.Login,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	if perMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return c
}

// enqueue queues a frame without blocking. It reports false when the
// client is closed or its queue is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// emit sends an event to this client only
func (c *Client) emit(ev Event) {
	data, err := ev.Encode()
	if err != nil {
		errorLog.Printf("Failed to encode %s: %v", ev.Name, err)
		return
	}
	if !c.enqueue(data) {
		c.close()
	}
}

// close stops both pumps. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump delivers inbound events to fn until the connection fails
func (c *Client) readPump(fn func(inbound)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				debugLog.Printf("Client %s read error: %v", c.ID, err)
			}
			return
		}

		in, err := decodeInbound(message)
		if err != nil {
			debugLog.Printf("Client %s sent %v", c.ID, err)
			continue
		}
		fn(in)
	}
}

// writePump writes queued frames and keepalive pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				debugLog.Printf("Client %s write error: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
