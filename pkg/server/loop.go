package server

import "errors"

var (
	// ErrUnsupportedPlatform is returned by Listen where poll(2) is unavailable
	ErrUnsupportedPlatform = errors.New("event loop is not supported on this platform")

	// ErrLoopStarted is returned by Serve on a loop that already ran
	ErrLoopStarted = errors.New("event loop already started")
)
