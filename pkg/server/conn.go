package server

import (
	"errors"
	"time"

	"github.com/aeolun/wirechat/pkg/protocol"
)

// errWouldBlock is returned by a socket when a non-blocking call has nothing
// to do right now
var errWouldBlock = errors.New("operation would block")

// socket is the byte stream under a Conn. Read returns (0, nil) when the
// peer has closed and errWouldBlock when no data is available.
type socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Conn holds the buffers of one client socket. Only the loop goroutine
// touches a Conn.
type Conn struct {
	id     uint64
	sock   socket
	remote string

	rbuf    []byte
	wbuf    []byte
	scratch []byte

	writeChunk   int
	maxBodyBytes int

	inFlight        bool
	closeAfterFlush bool
	closed          bool

	openedAt time.Time
}

func newConn(id uint64, sock socket, remote string, readChunk, writeChunk, maxBodyBytes int) *Conn {
	if readChunk <= 0 {
		readChunk = 4096
	}
	if writeChunk <= 0 {
		writeChunk = 4096
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = protocol.DefaultMaxBodyBytes
	}
	return &Conn{
		id:           id,
		sock:         sock,
		remote:       remote,
		scratch:      make([]byte, readChunk),
		writeChunk:   writeChunk,
		maxBodyBytes: maxBodyBytes,
		openedAt:     time.Now(),
	}
}

// ID returns the connection id, unique for the life of the loop
func (c *Conn) ID() uint64 {
	return c.id
}

// RemoteAddr returns the peer address as text
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// onReadable reads one chunk into the read buffer. eof reports that the peer
// closed the stream.
func (c *Conn) onReadable() (eof bool, err error) {
	n, err := c.sock.Read(c.scratch)
	if errors.Is(err, errWouldBlock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	c.rbuf = append(c.rbuf, c.scratch[:n]...)
	return false, nil
}

// framingFailure describes a request rejected before dispatch
type framingFailure struct {
	status int
	reason string // metrics label
}

// nextRequest splits the next complete request off the read buffer. It
// returns nothing while a request is in flight or the frame is incomplete.
// A framing failure is returned instead of a request; the caller enqueues
// its response and the connection closes once that is flushed.
func (c *Conn) nextRequest() (*protocol.Request, *framingFailure) {
	if c.inFlight || c.closeAfterFlush || c.closed || len(c.rbuf) == 0 {
		return nil, nil
	}

	if protocol.HeaderTooLarge(c.rbuf) {
		return nil, c.reject(protocol.StatusHeaderTooLarge, "header_too_large")
	}

	b, err := protocol.Scan(c.rbuf)
	if err != nil {
		return nil, c.reject(protocol.StatusBadRequest, "malformed")
	}
	if b.CheckBody(c.maxBodyBytes) != nil {
		return nil, c.reject(protocol.StatusPayloadTooLarge, "body_too_large")
	}

	n := b.Length(len(c.rbuf))
	if n < 0 {
		return nil, nil
	}

	frame := c.rbuf[:n]
	req, err := protocol.ParseRequest(frame)

	// keep the tail in a fresh slice so the frame can be released
	rest := len(c.rbuf) - n
	if rest == 0 {
		c.rbuf = c.rbuf[:0]
	} else {
		c.rbuf = append(make([]byte, 0, rest), c.rbuf[n:]...)
	}

	if err != nil {
		return nil, c.reject(protocol.StatusBadRequest, "malformed")
	}
	c.inFlight = true
	return req, nil
}

func (c *Conn) reject(status int, reason string) *framingFailure {
	c.closeAfterFlush = true
	c.rbuf = nil
	return &framingFailure{status: status, reason: reason}
}

// enqueue serializes resp onto the write buffer and clears in-flight
func (c *Conn) enqueue(resp *protocol.Response) {
	c.inFlight = false
	if c.closed {
		return
	}
	c.wbuf = append(c.wbuf, resp.Bytes()...)
}

// wantsWrite reports whether output is pending
func (c *Conn) wantsWrite() bool {
	return len(c.wbuf) > 0
}

// wantsRead reports whether the loop should poll for input. Reading pauses
// while the buffer already holds more than any single request may need.
func (c *Conn) wantsRead() bool {
	if c.closed || c.closeAfterFlush {
		return false
	}
	return len(c.rbuf) <= protocol.MaxHeaderBytes+c.maxBodyBytes
}

// onWritable sends at most one write chunk
func (c *Conn) onWritable() error {
	if len(c.wbuf) == 0 {
		return nil
	}
	n := min(c.writeChunk, len(c.wbuf))
	written, err := c.sock.Write(c.wbuf[:n])
	if written > 0 {
		c.wbuf = c.wbuf[written:]
		if len(c.wbuf) == 0 {
			c.wbuf = nil
		}
	}
	if errors.Is(err, errWouldBlock) {
		return nil
	}
	return err
}

// drained reports whether a connection marked closeAfterFlush has nothing
// left to send
func (c *Conn) drained() bool {
	return c.closeAfterFlush && !c.inFlight && len(c.wbuf) == 0
}

// close releases the socket and drops all buffered state
func (c *Conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.rbuf = nil
	c.wbuf = nil
	return c.sock.Close()
}
