package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities.
const (
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// SyslogClient sends RFC 3164 messages over UDP.
type SyslogClient struct {
	mu       sync.Mutex
	conn     net.Conn
	hostname string
	tag      string
	facility int
	// MinSeverity drops less severe messages; 0 sends everything.
	MinSeverity int
}

// NewSyslogClient dials addr ("host:port").
func NewSyslogClient(addr, tag string, facility int) (*SyslogClient, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "514")
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "flowpipe"
	}
	if tag == "" {
		tag = "flowpiped"
	}
	return &SyslogClient{conn: conn, hostname: hostname, tag: tag, facility: facility}, nil
}

// Send writes one message.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.facility*8 + severity
	line := "<" + strconv.Itoa(priority) + ">" + time.Now().Format(time.Stamp) + " " +
		s.hostname + " " + s.tag + "[" + strconv.Itoa(os.Getpid()) + "]: " + msg
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend reports whether severity passes the client's filter. Lower
// numbers are more severe.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name; unknown names yield 0.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	}
	return 0
}

// ParseFacility converts "daemon" or "local0".."local7"; anything else
// is local0.
func ParseFacility(name string) int {
	if name == "daemon" {
		return FacilityDaemon
	}
	if len(name) == 6 && name[:5] == "local" && name[5] >= '0' && name[5] <= '7' {
		return FacilityLocal0 + int(name[5]-'0')
	}
	return FacilityLocal0
}

func (s *SyslogClient) Close() error {
	return s.conn.Close()
}
