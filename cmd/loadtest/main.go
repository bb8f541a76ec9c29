package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/aeolun/wirechat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	fetches       atomic.Int64
	fetchFailures atomic.Int64
	timeouts      atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// BotClient registers an account over the raw chat socket, then posts over
// WebSocket and polls /messages over a kept-alive socket
type BotClient struct {
	id       int
	login    string
	chatAddr string
	wsURL    string
	stats    *Stats

	token  string
	conn   net.Conn
	reader *protocol.Reader
	ws     *websocket.Conn
}

func NewBotClient(id int, chatAddr, wsAddr string, stats *Stats) *BotClient {
	return &BotClient{
		id:       id,
		login:    fmt.Sprintf("bot%d_%04d", id, rand.Intn(10000)),
		chatAddr: chatAddr,
		wsURL:    "ws://" + wsAddr + "/ws",
		stats:    stats,
	}
}

// roundTrip writes one request on the kept-alive socket and reads its reply
func (bc *BotClient) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	if err := bc.conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := req.WriteTo(bc.conn); err != nil {
		return nil, err
	}
	return bc.reader.ReadResponse()
}

func (bc *BotClient) Connect() error {
	conn, err := net.DialTimeout("tcp", bc.chatAddr, 5*time.Second)
	if err != nil {
		return err
	}
	bc.conn = conn
	bc.reader = protocol.NewReader(conn)

	req := protocol.NewRequest("POST", "/registration")
	req.SetHeader("Content-Type", "application/x-www-form-urlencoded")
	req.SetBodyString("login=" + bc.login + "&password=loadtest")
	resp, err := bc.roundTrip(req)
	if err != nil {
		return err
	}
	if resp.Status() != protocol.StatusOK {
		return fmt.Errorf("registration failed: %d %s", resp.Status(), resp.Body())
	}

	cookie, ok := resp.Header("Set-Cookie")
	if !ok {
		return fmt.Errorf("registration returned no session")
	}
	pair, _, _ := strings.Cut(cookie, ";")
	_, bc.token, _ = strings.Cut(pair, "=")

	header := http.Header{}
	header.Set("Cookie", pair)
	ws, httpResp, err := websocket.DefaultDialer.Dial(bc.wsURL, header)
	if httpResp != nil && httpResp.Body != nil {
		httpResp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	bc.ws = ws
	return nil
}

type wireEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// PostRandomMessage sends a chat line and waits for its own broadcast
func (bc *BotClient) PostRandomMessage() error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	content := strings.Join(words, " ")

	start := time.Now()
	if err := bc.ws.WriteJSON(map[string]string{"event": "chat", "data": content}); err != nil {
		bc.stats.messagesFailed.Add(1)
		return err
	}

	deadline := start.Add(10 * time.Second)
	_ = bc.ws.SetReadDeadline(deadline)
	for {
		var ev wireEvent
		if err := bc.ws.ReadJSON(&ev); err != nil {
			if time.Now().After(deadline) {
				bc.stats.recordTimeout()
			} else {
				bc.stats.messagesFailed.Add(1)
			}
			return err
		}
		switch ev.Name {
		case "error":
			bc.stats.messagesFailed.Add(1)
			return fmt.Errorf("post rejected: %s", ev.Data)
		case "chat":
			var rec struct {
				Message   string `json:"message"`
				UserLogin string `json:"userlogin"`
			}
			if json.Unmarshal(ev.Data, &rec) == nil && rec.UserLogin == bc.login && rec.Message == content {
				bc.stats.recordSuccess(time.Since(start).Microseconds())
				return nil
			}
		}
	}
}

// FetchMessages polls the cached message list
func (bc *BotClient) FetchMessages() error {
	req := protocol.NewRequest("GET", "/messages")
	req.SetHeader("Cookie", "chat_cookie="+bc.token)
	resp, err := bc.roundTrip(req)
	if err != nil {
		bc.stats.fetchFailures.Add(1)
		return err
	}
	if resp.Status() != protocol.StatusOK {
		bc.stats.fetchFailures.Add(1)
		return fmt.Errorf("fetch failed: %d", resp.Status())
	}
	bc.stats.fetches.Add(1)
	return nil
}

func (bc *BotClient) Close() {
	if bc.ws != nil {
		_ = bc.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		bc.ws.Close()
	}
	if bc.conn != nil {
		bc.conn.Close()
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration) {
	defer bc.Close()

	endTime := time.Now().Add(duration)
	for iteration := 1; time.Now().Before(endTime); iteration++ {
		if err := bc.PostRandomMessage(); err != nil {
			return
		}
		if iteration%3 == 0 {
			_ = bc.FetchMessages()
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}
}

func main() {
	chatAddr := pflag.String("server", "localhost:9090", "Chat server address (host:port)")
	wsAddr := pflag.String("ws", "localhost:8080", "WebSocket address (host:port)")
	numClients := pflag.Int("clients", 10, "Number of concurrent clients")
	duration := pflag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := pflag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := pflag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	pflag.Parse()

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s (ws %s)", *chatAddr, *wsAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				rate := float64(posted) / time.Since(startTime).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d failed, %d conn errors, avg %.2fms",
					posted, rate, failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot := NewBotClient(id, *chatAddr, *wsAddr, stats)
			if err := bot.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				bot.Close()
				return
			}
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.login)
			}
			bot.Run(*duration, *minDelay, *maxDelay)
		}(i)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stop()
		os.Exit(1)
	}()

	wg.Wait()
	stop()

	posted, failed, connErrors, avgUs := stats.snapshot()
	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/duration.Seconds())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("Fetches: %d ok, %d failed", stats.fetches.Load(), stats.fetchFailures.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average response time: %.2fms", avgUs/1000.0)
	if posted > 0 {
		log.Printf("Success rate: %.1f%%", float64(posted)/float64(posted+failed)*100)
	}
}
