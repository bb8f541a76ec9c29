//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aeolun/wirechat/pkg/protocol"
)

// ServerName is written into the Server header of every response
const ServerName = "wirechat"

// LoopConfig configures the listening socket and per-connection limits
type LoopConfig struct {
	Addr           string // host:port, IPv4
	Backlog        int
	ReadChunkSize  int
	WriteChunkSize int
	MaxBodyBytes   int
}

// completion carries a finished response back to the loop goroutine
type completion struct {
	conn *Conn
	resp *protocol.Response
}

// Loop is a poll(2) reactor serving one listening socket. A single
// goroutine owns every Conn; handlers run on their own goroutines and post
// their responses back through a completion queue.
type Loop struct {
	cfg     LoopConfig
	handler Handler
	metrics *Metrics

	listenFD int
	wakeR    int
	wakeW    int
	addr     *net.TCPAddr

	conns  map[int]*Conn // by fd
	nextID uint64

	mu          sync.Mutex
	completions []completion

	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
	stopping atomic.Bool
	started  atomic.Bool
	done     chan struct{}
}

// Listen binds the listening socket and creates the wake pipe. The loop
// does not run until Serve is called.
func Listen(cfg LoopConfig, handler Handler, metrics *Metrics) (*Loop, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.Addr, err)
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 5
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	unix.CloseOnExec(fd)

	fail := func(step string, err error) (*Loop, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to %s %s: %w", step, cfg.Addr, err)
	}

	if err := setSocketOptions(fd); err != nil {
		return fail("configure", err)
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		return fail("listen on", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("configure", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("inspect", err)
	}
	addr := &net.TCPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port}
	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		addr = &net.TCPAddr{IP: net.IP(append([]byte(nil), in4.Addr[:]...)), Port: in4.Port}
	}

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		return fail("create wake pipe for", err)
	}
	for _, p := range pipe {
		unix.CloseOnExec(p)
		if err := unix.SetNonblock(p, true); err != nil {
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			return fail("configure wake pipe for", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		cfg:      cfg,
		handler:  handler,
		metrics:  metrics,
		listenFD: fd,
		wakeR:    pipe[0],
		wakeW:    pipe[1],
		addr:     addr,
		conns:    make(map[int]*Conn),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound address, with the real port when 0 was requested
func (l *Loop) Addr() net.Addr {
	return l.addr
}

// Serve runs the reactor until Stop is called
func (l *Loop) Serve() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopStarted
	}
	defer close(l.done)
	defer l.shutdown()

	var fds []unix.PollFd
	var polled []*Conn

	for !l.stopping.Load() {
		fds = fds[:0]
		polled = polled[:0]
		fds = append(fds,
			unix.PollFd{Fd: int32(l.listenFD), Events: unix.POLLIN},
			unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN},
		)
		for fd, c := range l.conns {
			var events int16
			if c.wantsRead() {
				events |= unix.POLLIN
			}
			if c.wantsWrite() {
				events |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
			polled = append(polled, c)
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll failed: %w", err)
		}

		if fds[1].Revents != 0 {
			l.drainWake()
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			l.acceptAll()
		}

		for i, c := range polled {
			l.service(int(fds[i+2].Fd), c, fds[i+2].Revents)
		}

		l.processCompletions()

		for _, c := range l.conns {
			l.advance(c)
		}
	}
	return nil
}

// Stop closes the listener and every connection, cancels running handlers
// and waits for the reactor to exit
func (l *Loop) Stop() {
	if !l.stopping.CompareAndSwap(false, true) {
		<-l.done
		return
	}
	l.cancel()
	if l.started.CompareAndSwap(false, true) {
		// Serve never ran
		l.shutdown()
		close(l.done)
		return
	}
	l.wake()
	<-l.done
}

// shutdown releases every descriptor. Handlers are waited for before the
// wake pipe closes since they write to it.
func (l *Loop) shutdown() {
	l.cancel()
	unix.Close(l.listenFD)
	for fd, c := range l.conns {
		l.closeConn(fd, c)
	}
	l.handlers.Wait()
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
}

func (l *Loop) acceptAll() {
	for {
		fd, sa, err := unix.Accept(l.listenFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				return
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			errorLog.Printf("Accept error: %v", err)
			return
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			errorLog.Printf("Failed to make connection non-blocking: %v", err)
			unix.Close(fd)
			continue
		}

		l.nextID++
		c := newConn(l.nextID, fdSocket{fd: fd}, sockaddrString(sa),
			l.cfg.ReadChunkSize, l.cfg.WriteChunkSize, l.cfg.MaxBodyBytes)
		l.conns[fd] = c
		l.metrics.RecordConnectionOpened()
		debugLog.Printf("Connection %d from %s", c.id, c.remote)
	}
}

// service handles the poll events reported for one connection
func (l *Loop) service(fd int, c *Conn, revents int16) {
	if c.closed || revents == 0 {
		return
	}
	if revents&unix.POLLNVAL != 0 {
		l.closeConn(fd, c)
		return
	}

	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && c.wantsRead() {
		eof, err := c.onReadable()
		if err != nil {
			debugLog.Printf("Connection %d read error: %v", c.id, err)
			l.closeConn(fd, c)
			return
		}
		if eof {
			debugLog.Printf("Connection %d closed by peer", c.id)
			l.closeConn(fd, c)
			return
		}
	} else if revents&unix.POLLERR != 0 {
		l.closeConn(fd, c)
		return
	}

	if revents&unix.POLLOUT != 0 {
		if err := c.onWritable(); err != nil {
			debugLog.Printf("Connection %d write error: %v", c.id, err)
			l.closeConn(fd, c)
			return
		}
	}
	if c.drained() {
		l.closeConn(fd, c)
	}
}

// advance dispatches the next buffered request of a connection
func (l *Loop) advance(c *Conn) {
	req, failure := c.nextRequest()
	switch {
	case failure != nil:
		l.metrics.RecordFramingError(failure.reason)
		debugLog.Printf("Connection %d rejected request: %s", c.id, failure.reason)
		c.enqueue(stamp(framingResponse(failure.status)))
	case req != nil:
		l.dispatch(c, req)
	}
}

func (l *Loop) dispatch(c *Conn, req *protocol.Request) {
	l.handlers.Add(1)
	go func() {
		defer l.handlers.Done()
		resp := l.serve(req)
		l.mu.Lock()
		l.completions = append(l.completions, completion{conn: c, resp: resp})
		l.mu.Unlock()
		l.wake()
	}()
}

// serve runs the handler, turning panics and stray errors into a 500
func (l *Loop) serve(req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Handler panic on %s %s: %v", req.Method, req.Target, r)
			l.metrics.RecordHandlerPanic()
			resp = errorResponse(fmt.Errorf("panic: %v", r))
		}
	}()

	resp, err := l.handler.ServeRequest(l.ctx, req)
	if err != nil {
		return errorResponse(err)
	}
	if resp == nil {
		return errorResponse(errors.New("handler returned no response"))
	}
	return resp
}

func (l *Loop) processCompletions() {
	l.mu.Lock()
	done := l.completions
	l.completions = nil
	l.mu.Unlock()

	for _, comp := range done {
		if comp.conn.closed {
			continue
		}
		comp.conn.enqueue(stamp(comp.resp))
	}
}

func (l *Loop) closeConn(fd int, c *Conn) {
	if c.closed {
		return
	}
	if err := c.close(); err != nil {
		debugLog.Printf("Connection %d close error: %v", c.id, err)
	}
	delete(l.conns, fd)
	l.metrics.RecordConnectionClosed()
}

func (l *Loop) wake() {
	// a full pipe already guarantees a pending wakeup
	_, _ = unix.Write(l.wakeW, []byte{0})
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// stamp adds the headers the server writes on every response
func stamp(resp *protocol.Response) *protocol.Response {
	resp.SetHeader("Date", time.Now().UTC().Format(protocol.TimeFormat))
	resp.SetHeader("Server", ServerName)
	return resp
}

// fdSocket is a non-blocking socket descriptor
type fdSocket struct {
	fd int
}

func (s fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, errWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (s fdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return n, errWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (s fdSocket) Close() error {
	return unix.Close(s.fd)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return "unknown"
}
