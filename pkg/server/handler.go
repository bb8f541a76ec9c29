package server

import (
	"context"

	"github.com/aeolun/wirechat/pkg/protocol"
)

// Handler produces the response for one framed request. It runs on its own
// goroutine and may block on store I/O; the loop never waits for it.
type Handler interface {
	ServeRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// ServeRequest calls f
func (f HandlerFunc) ServeRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return f(ctx, req)
}
