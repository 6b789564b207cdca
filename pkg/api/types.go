// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime       string `json:"uptime"`
	Mode         string `json:"mode"`
	Driver       string `json:"driver"`
	PortCount    int    `json:"port_count"`
	PipeCount    int    `json:"pipe_count"`
	EntryCount   int    `json:"entry_count"`
	CTEnabled    bool   `json:"ct_enabled"`
	SessionCount int    `json:"session_count"`
	GCSweeps     uint64 `json:"gc_sweeps"`
	GCAged       uint64 `json:"gc_aged"`
	GCRemoved    uint64 `json:"gc_removed"`
}

// PortEntry describes a started port.
type PortEntry struct {
	ID       uint16 `json:"id"`
	Device   string `json:"device"`
	Features string `json:"features,omitempty"`
	Queues   int    `json:"queues"`
	Pipes    int    `json:"pipes"`
	Pair     int    `json:"pair"`
}

// QueueEntry holds the buffering state of one port queue.
type QueueEntry struct {
	Queue       uint16 `json:"queue"`
	Pending     int    `json:"pending"`
	Outstanding int    `json:"outstanding"`
	Ready       int    `json:"ready"`
	Aging       int    `json:"aging"`
}

// PipeEntry describes a pipe and its operation counters.
type PipeEntry struct {
	Name     string   `json:"name"`
	Port     uint16   `json:"port"`
	Type     string   `json:"type"`
	Domain   string   `json:"domain"`
	Root     bool     `json:"root"`
	NbFlows  uint32   `json:"nb_flows"`
	Fields   []string `json:"fields,omitempty"`
	Entries  int      `json:"entries"`
	InFlight int      `json:"in_flight"`
	Added    uint64   `json:"added"`
	Removed  uint64   `json:"removed"`
	Failed   uint64   `json:"failed"`
	Aged     uint64   `json:"aged"`
	Forward  string   `json:"forward"`
	Miss     string   `json:"miss"`
}

// EntryEntry is one pipe entry with its counter, when it has one.
type EntryEntry struct {
	Handle   uint64  `json:"handle"`
	Queue    uint16  `json:"queue"`
	Status   string  `json:"status"`
	Priority uint32  `json:"priority,omitempty"`
	Index    uint32  `json:"index,omitempty"`
	AgingSec uint32  `json:"aging_seconds,omitempty"`
	Aged     bool    `json:"aged"`
	Counter  *Counts `json:"counter,omitempty"`
}

// Counts is a packet and byte counter value.
type Counts struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// EntryListResponse holds paginated entry results.
type EntryListResponse struct {
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Entries []EntryEntry `json:"entries"`
}

// ResourceEntry describes a configured shared resource.
type ResourceEntry struct {
	Type     string  `json:"type"`
	ID       uint32  `json:"id"`
	Bindings int     `json:"bindings"`
	Global   bool    `json:"global"`
	Refs     int     `json:"refs"`
	Counter  *Counts `json:"counter,omitempty"`
}

// SessionEntry holds a single CT session.
type SessionEntry struct {
	Handle     uint64  `json:"handle"`
	Origin     string  `json:"origin"`
	Reply      string  `json:"reply"`
	Protocol   string  `json:"protocol"`
	Zone       uint32  `json:"zone"`
	MetaOrigin uint32  `json:"meta_origin"`
	MetaReply  uint32  `json:"meta_reply"`
	Status     string  `json:"status"`
	Aged       bool    `json:"aged"`
	OriginCtr  *Counts `json:"origin_counter,omitempty"`
	ReplyCtr   *Counts `json:"reply_counter,omitempty"`
}

// SessionListResponse holds paginated session results.
type SessionListResponse struct {
	Total    int            `json:"total"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
	Sessions []SessionEntry `json:"sessions"`
}

// SessionSummary holds CT session counts per port.
type SessionSummary struct {
	Port         uint16 `json:"port"`
	Total        int    `json:"total"`
	IPv4Sessions int    `json:"ipv4_sessions"`
	IPv6Sessions int    `json:"ipv6_sessions"`
	TCPSessions  int    `json:"tcp_sessions"`
	UDPSessions  int    `json:"udp_sessions"`
	Pending      int    `json:"pending"`
	Aged         int    `json:"aged"`
}

// ClassifyRequest carries a raw Ethernet frame as hex.
type ClassifyRequest struct {
	Port  uint16 `json:"port"`
	Frame string `json:"frame"`
}

// ClassifyResponse is the CT view of a classified frame.
type ClassifyResponse struct {
	Tuple    string `json:"tuple"`
	Type     string `json:"type"`
	Found    bool   `json:"found"`
	Reply    bool   `json:"reply"`
	Session  uint64 `json:"session,omitempty"`
	Tunneled bool   `json:"tunneled"`
	VNI      uint32 `json:"vni,omitempty"`
	Queue    uint16 `json:"queue"`
}

// EventEntry holds a single completion event.
type EventEntry struct {
	Seq    uint64 `json:"seq"`
	Time   string `json:"time"`
	Port   uint16 `json:"port"`
	Queue  uint16 `json:"queue"`
	Entry  uint64 `json:"entry"`
	Pipe   string `json:"pipe,omitempty"`
	Op     string `json:"op"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TextResponse wraps text output such as dumps and exported configs.
type TextResponse struct {
	Output string `json:"output"`
}
