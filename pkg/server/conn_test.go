package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/wirechat/pkg/protocol"
)

// fakeSocket replays queued reads and records writes. An empty read queue
// means "would block" until eof is set.
type fakeSocket struct {
	reads    [][]byte
	eof      bool
	readErr  error
	written  []byte
	maxWrite int // bytes accepted per Write, 0 = all
	blocked  bool
	closed   bool
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.reads) == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, errWouldBlock
	}
	n := copy(p, s.reads[0])
	if n < len(s.reads[0]) {
		s.reads[0] = s.reads[0][n:]
	} else {
		s.reads = s.reads[1:]
	}
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.blocked {
		return 0, errWouldBlock
	}
	n := len(p)
	if s.maxWrite > 0 && n > s.maxWrite {
		n = s.maxWrite
	}
	s.written = append(s.written, p[:n]...)
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func newTestConn(sock *fakeSocket) *Conn {
	return newConn(1, sock, "127.0.0.1:1234", 4096, 4096, 1024)
}

func readAll(t *testing.T, c *Conn) {
	t.Helper()
	for i := 0; i < 100; i++ {
		before := len(c.rbuf)
		eof, err := c.onReadable()
		require.NoError(t, err)
		require.False(t, eof)
		if len(c.rbuf) == before {
			return
		}
	}
}

func TestConnPartialFrameWaits(t *testing.T) {
	sock := &fakeSocket{reads: [][]byte{[]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n")}}
	c := newTestConn(sock)

	readAll(t, c)
	req, failure := c.nextRequest()
	assert.Nil(t, req)
	assert.Nil(t, failure)

	sock.reads = append(sock.reads, []byte("\r\n"))
	readAll(t, c)
	req, failure = c.nextRequest()
	require.Nil(t, failure)
	require.NotNil(t, req)
	assert.Equal(t, "/index.html", req.Target)
	assert.Empty(t, c.rbuf)
}

func TestConnBodyAcrossReads(t *testing.T) {
	sock := &fakeSocket{reads: [][]byte{
		[]byte("POST /auth HTTP/1.1\r\nContent-Length: 25\r\n\r\nlogin=alice"),
		[]byte("&password=pw12"),
	}}
	c := newTestConn(sock)

	_, err := c.onReadable()
	require.NoError(t, err)
	req, _ := c.nextRequest()
	assert.Nil(t, req, "body incomplete")

	_, err = c.onReadable()
	require.NoError(t, err)
	req, failure := c.nextRequest()
	require.Nil(t, failure)
	require.NotNil(t, req)

	login, _ := req.Param("login")
	password, _ := req.Param("password")
	assert.Equal(t, "alice", login)
	assert.Equal(t, "pw12", password)
}

func TestConnPipelinedRequestsOneAtATime(t *testing.T) {
	pipelined := "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\nGET /c HTTP/1.1\r\n\r\n"
	sock := &fakeSocket{reads: [][]byte{[]byte(pipelined)}}
	c := newTestConn(sock)
	readAll(t, c)

	var order []string
	for i := 0; i < 3; i++ {
		req, failure := c.nextRequest()
		require.Nil(t, failure)
		require.NotNil(t, req)
		order = append(order, req.Target)

		again, _ := c.nextRequest()
		assert.Nil(t, again, "no second dispatch while a request is in flight")

		c.enqueue(protocol.NewResponse(protocol.StatusOK))
	}
	assert.Equal(t, []string{"/a", "/b", "/c"}, order)

	req, _ := c.nextRequest()
	assert.Nil(t, req)
}

func TestConnPeerClose(t *testing.T) {
	sock := &fakeSocket{eof: true}
	c := newTestConn(sock)

	eof, err := c.onReadable()
	require.NoError(t, err)
	assert.True(t, eof)
}

func TestConnReadError(t *testing.T) {
	sock := &fakeSocket{readErr: errors.New("connection reset")}
	c := newTestConn(sock)

	_, err := c.onReadable()
	assert.Error(t, err)
}

func TestConnWouldBlockIsNotAnError(t *testing.T) {
	c := newTestConn(&fakeSocket{})

	eof, err := c.onReadable()
	assert.NoError(t, err)
	assert.False(t, eof)
	assert.Empty(t, c.rbuf)
}

func TestConnMalformedRequestLine(t *testing.T) {
	sock := &fakeSocket{reads: [][]byte{[]byte("NOT A REQUEST\r\n\r\nGET / HTTP/1.1\r\n\r\n")}}
	c := newTestConn(sock)
	readAll(t, c)

	req, failure := c.nextRequest()
	assert.Nil(t, req)
	require.NotNil(t, failure)
	assert.Equal(t, protocol.StatusBadRequest, failure.status)
	assert.True(t, c.closeAfterFlush)
	assert.Empty(t, c.rbuf, "buffered input is discarded")

	req, failure = c.nextRequest()
	assert.Nil(t, req)
	assert.Nil(t, failure)
	assert.False(t, c.wantsRead())
}

func TestConnBadContentLength(t *testing.T) {
	sock := &fakeSocket{reads: [][]byte{[]byte("POST /auth HTTP/1.1\r\nContent-Length: abc\r\n\r\n")}}
	c := newTestConn(sock)
	readAll(t, c)

	_, failure := c.nextRequest()
	require.NotNil(t, failure)
	assert.Equal(t, protocol.StatusBadRequest, failure.status)
}

func TestConnBodyTooLarge(t *testing.T) {
	sock := &fakeSocket{reads: [][]byte{[]byte("POST /auth HTTP/1.1\r\nContent-Length: 5000\r\n\r\n")}}
	c := newTestConn(sock)
	readAll(t, c)

	_, failure := c.nextRequest()
	require.NotNil(t, failure)
	assert.Equal(t, protocol.StatusPayloadTooLarge, failure.status)
	assert.Equal(t, "body_too_large", failure.reason)
}

func TestConnHeaderTooLarge(t *testing.T) {
	header := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", protocol.MaxHeaderBytes+10)
	c := newTestConn(&fakeSocket{})
	c.rbuf = []byte(header)

	_, failure := c.nextRequest()
	require.NotNil(t, failure)
	assert.Equal(t, protocol.StatusHeaderTooLarge, failure.status)
}

func TestConnWriteInChunks(t *testing.T) {
	sock := &fakeSocket{}
	c := newConn(1, sock, "", 4096, 10, 1024)

	resp := protocol.NewResponse(protocol.StatusOK)
	resp.SetBodyString(strings.Repeat("x", 25))
	c.enqueue(resp)
	want := resp.Bytes()

	require.True(t, c.wantsWrite())
	require.NoError(t, c.onWritable())
	assert.Len(t, sock.written, 10, "one chunk per call")

	for c.wantsWrite() {
		require.NoError(t, c.onWritable())
	}
	assert.Equal(t, want, sock.written)
}

func TestConnPartialWriteKeepsRemainder(t *testing.T) {
	sock := &fakeSocket{maxWrite: 3}
	c := newTestConn(sock)
	c.wbuf = []byte("abcdefgh")

	require.NoError(t, c.onWritable())
	assert.Equal(t, "defgh", string(c.wbuf))

	sock.blocked = true
	require.NoError(t, c.onWritable())
	assert.Equal(t, "defgh", string(c.wbuf))
}

func TestConnDrainedAfterFlush(t *testing.T) {
	sock := &fakeSocket{reads: [][]byte{[]byte("BROKEN\r\n\r\n")}}
	c := newTestConn(sock)
	readAll(t, c)

	_, failure := c.nextRequest()
	require.NotNil(t, failure)
	c.enqueue(framingResponse(failure.status))
	assert.False(t, c.drained(), "response still buffered")

	for c.wantsWrite() {
		require.NoError(t, c.onWritable())
	}
	assert.True(t, c.drained())

	resp, err := protocol.ParseResponse(sock.written)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusBadRequest, resp.Status())
}

func TestConnCloseDropsState(t *testing.T) {
	sock := &fakeSocket{}
	c := newTestConn(sock)
	c.rbuf = []byte("GET / HTTP/1.1\r\n")
	c.wbuf = []byte("pending")

	require.NoError(t, c.close())
	assert.True(t, sock.closed)
	assert.Nil(t, c.rbuf)
	assert.Nil(t, c.wbuf)
	assert.False(t, c.wantsRead())

	c.enqueue(protocol.NewResponse(protocol.StatusOK))
	assert.False(t, c.wantsWrite(), "responses for a closed connection are dropped")

	require.NoError(t, c.close(), "close is idempotent")
}

func TestConnReadBackpressure(t *testing.T) {
	c := newConn(1, &fakeSocket{}, "", 4096, 4096, 16)
	assert.True(t, c.wantsRead())

	c.rbuf = make([]byte, protocol.MaxHeaderBytes+17)
	assert.False(t, c.wantsRead())
}
