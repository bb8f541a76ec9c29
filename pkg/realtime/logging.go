package realtime

import (
	"io"
	"log"
	"os"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging sends debug output to stderr
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// SetLogOutput redirects both loggers
func SetLogOutput(w io.Writer, debug bool) {
	errorLog.SetOutput(w)
	if debug {
		debugLog.SetOutput(w)
	} else {
		debugLog.SetOutput(io.Discard)
	}
}
