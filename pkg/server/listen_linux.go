//go:build linux

package server

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	somaxconnPath = "/proc/sys/net/core/somaxconn"
	netstatPath   = "/proc/net/netstat"

	overflowPollInterval = 10 * time.Second
)

// logListenBacklog logs the requested backlog next to the kernel cap that
// silently truncates it
func logListenBacklog(addr string, backlog int) {
	limit := readSomaxconn()
	log.Printf("Chat server listening on %s (backlog: %d, kernel limit: %d)", addr, backlog, limit)
	if limit > 0 && backlog > limit {
		log.Printf("WARNING: backlog %d is capped by net.core.somaxconn=%d", backlog, limit)
	}
}

func readSomaxconn() int {
	data, err := os.ReadFile(somaxconnPath)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}

// monitorListenOverflows feeds growth of the kernel ListenOverflows counter
// into the metrics and the log until shutdown
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	last, ok := listenOverflows()
	if !ok {
		debugLog.Printf("ListenOverflows not available, backlog monitor disabled")
		return
	}

	ticker := time.NewTicker(overflowPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current, ok := listenOverflows()
			if !ok || current <= last {
				continue
			}
			dropped := current - last
			last = current
			s.metrics.RecordListenOverflows(dropped)
			log.Printf("WARNING: %d connection(s) dropped by a full accept backlog (total: %d)", dropped, current)

		case <-s.shutdown:
			return
		}
	}
}

func listenOverflows() (uint64, bool) {
	f, err := os.Open(netstatPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	return netstatCounter(f, "TcpExt", "ListenOverflows")
}

// netstatCounter finds one counter in /proc/net/netstat format: each group
// is a header line of names followed by a line of values, both prefixed
// with "<group>:".
func netstatCounter(r io.Reader, group, name string) (uint64, bool) {
	prefix := group + ":"
	var names []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != prefix {
			continue
		}
		if names == nil {
			names = fields[1:]
			continue
		}
		values := fields[1:]
		for i, n := range names {
			if n == name && i < len(values) {
				v, err := strconv.ParseUint(values[i], 10, 64)
				return v, err == nil
			}
		}
		return 0, false
	}
	return 0, false
}
