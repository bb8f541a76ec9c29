package database

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrBufferClosed is returned for writes queued after Close
var ErrBufferClosed = errors.New("write buffer closed")

// WriteBuffer batches message inserts into one transaction per flush so
// concurrent chat posts do not contend for the SQLite write lock.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending []*pendingMessage
	closed  bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type pendingMessage struct {
	userID      int64
	authorLogin string
	content     string
	timestamp   int64
	result      chan messageResult
}

type messageResult struct {
	message *Message
	err     error
}

// NewWriteBuffer creates a write buffer and starts its flush loop
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		pending:       make([]*pendingMessage, 0, 100),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// PostMessage queues a message insert and waits for the flush that writes it
func (wb *WriteBuffer) PostMessage(userID int64, authorLogin, content string) (*Message, error) {
	result := make(chan messageResult, 1)

	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return nil, ErrBufferClosed
	}
	wb.pending = append(wb.pending, &pendingMessage{
		userID:      userID,
		authorLogin: authorLogin,
		content:     content,
		timestamp:   nowMillis(),
		result:      result,
	})
	wb.mu.Unlock()

	r := <-result
	return r.message, r.err
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.shutdown:
			wb.flush()
			return
		}
	}
}

// flush writes every queued message in a single transaction and reports the
// outcome to each waiting caller.
func (wb *WriteBuffer) flush() {
	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]*pendingMessage, 0, 100)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	failAll := func(err error) {
		for _, p := range batch {
			p.result <- messageResult{err: err}
		}
	}

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		failAll(err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO Message (id, user_id, content, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		log.Printf("WriteBuffer: failed to prepare message insert: %v", err)
		failAll(err)
		return
	}
	defer stmt.Close()

	results := make([]messageResult, len(batch))
	for i, p := range batch {
		id := wb.db.snowflake.NextID()
		if _, err := stmt.Exec(id, p.userID, p.content, p.timestamp); err != nil {
			results[i] = messageResult{err: err}
			continue
		}
		results[i] = messageResult{message: &Message{
			ID:          id,
			UserID:      p.userID,
			AuthorLogin: p.authorLogin,
			Content:     p.content,
			CreatedAt:   p.timestamp,
		}}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		failAll(err)
		return
	}

	for i, p := range batch {
		p.result <- results[i]
	}

	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d messages in %v", len(batch), elapsed)
	}
}

// Close flushes remaining writes and stops the flush loop
func (wb *WriteBuffer) Close() {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}
