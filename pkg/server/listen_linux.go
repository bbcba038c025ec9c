//go:build linux

package server

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// logListenBacklog logs the listen address with the kernel backlog limit
func logListenBacklog(addr string) {
	somaxconn := 0
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 128 {
		log.Printf("WARNING: net.core.somaxconn=%d may reject bursts of connections", somaxconn)
	}
}

// monitorListenOverflows feeds kernel listen queue overflows into metrics
// until shutdown
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := readListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := readListenOverflows()
			if overflows > last {
				delta := overflows - last
				s.metrics.RecordListenQueueOverflow(delta)
				log.Printf("WARNING: %d connection(s) dropped by listen backlog overflow (total: %d)", delta, overflows)
			}
			last = overflows

		case <-s.shutdown:
			return
		}
	}
}

// readListenOverflows reads TcpExt ListenOverflows from /proc/net/netstat
func readListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	var headers, values []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		values = fields[1:]
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			n, _ := strconv.ParseUint(values[i], 10, 64)
			return n
		}
	}
	return 0
}
