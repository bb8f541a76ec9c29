//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package server

import (
	"net"

	"github.com/aeolun/wirechat/pkg/protocol"
)

// ServerName is written into the Server header of every response
const ServerName = "wirechat"

// LoopConfig configures the listening socket and per-connection limits
type LoopConfig struct {
	Addr           string
	Backlog        int
	ReadChunkSize  int
	WriteChunkSize int
	MaxBodyBytes   int
}

// Loop is unavailable on this platform
type Loop struct{}

// Listen always fails: the reactor needs poll(2)
func Listen(cfg LoopConfig, handler Handler, metrics *Metrics) (*Loop, error) {
	return nil, ErrUnsupportedPlatform
}

func (l *Loop) Addr() net.Addr { return nil }
func (l *Loop) Serve() error   { return ErrUnsupportedPlatform }
func (l *Loop) Stop()          {}

func stamp(resp *protocol.Response) *protocol.Response {
	return resp
}
