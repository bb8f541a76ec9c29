//go:build !linux

package server

import "log"

func logListenBacklog(addr string, backlog int) {
	log.Printf("Chat server listening on %s (backlog: %d)", addr, backlog)
}

// monitorListenOverflows has no kernel counter to read outside Linux
func (s *Server) monitorListenOverflows() {
	s.wg.Done()
}
