package config

import "time"

// Config is the typed configuration compiled from the AST.
type Config struct {
	System          SystemConfig
	Resources       ResourcesConfig
	Ports           []*PortConfig
	SharedResources []*SharedResourceConfig
	Pipes           []*PipeConfig
	CT              *CTConfig // nil when connection tracking is not configured
	API             APIConfig
	Warnings        []string // non-fatal validation warnings
}

// SystemConfig holds the engine-wide settings.
type SystemConfig struct {
	ModeArgs   string
	Queues     uint16
	QueueDepth uint32
	// DataplaneType selects the driver: "sw" (default) or "ebpf".
	DataplaneType   string
	ACLCollisions   uint8
	PipeMissMonitor bool
	RSSKey          []byte
	EventBufferSize int
	Syslog          []*SyslogConfig
}

// SyslogConfig is a remote syslog destination.
type SyslogConfig struct {
	Host     string // host or host:port
	Facility string
	Severity string
}

// ResourcesConfig sizes the per-port and shared resource pools.
type ResourcesConfig struct {
	Counters uint32
	Meters   uint32
	// Shared maps resource type names ("counter", "meter", "rss",
	// "mirror", "crypto") to the number of shared ids.
	Shared map[string]uint32
}

// PortConfig describes one port to start.
type PortConfig struct {
	ID           uint16
	Interface    string // kernel interface probed for capabilities
	Devargs      string
	PrivDataSize uint16
	Pair         int // paired port id, -1 when unpaired
}

// SharedResourceConfig is one shared resource to configure and bind.
type SharedResourceConfig struct {
	Type string // "counter", "meter", "rss", "mirror"
	ID   uint32

	// meter
	CIR       uint64
	CBS       uint64
	EIR       uint64
	EBS       uint64
	Algorithm string // "rfc2697", "rfc2698", "rfc4115"
	LimitType string // "bytes", "packets"

	// rss
	Queues []uint16
	Hash   []string // "ipv4", "ipv6", "tcp", "udp"

	// mirror
	Targets []*ForwardConfig

	BindPorts []uint16
}

// PipeConfig describes one pipe and its static entries.
type PipeConfig struct {
	Name    string
	Port    uint16
	Type    string
	Domain  string
	Root    bool
	NbFlows uint32

	// Match lists the fields each entry supplies.
	Match []string
	// MatchValues are constant for every entry of the pipe.
	MatchValues []FieldValue

	Monitor   []string // "count", "meter", "aging", "mirror"
	AgingSec  uint32
	CounterID uint32
	MeterID   uint32
	MirrorID  uint32

	Forward *ForwardConfig
	Miss    *ForwardConfig
	Entries []*EntryConfig
}

// FieldValue is a field name with its textual value, parsed by the flow
// package at build time.
type FieldValue struct {
	Field string
	Value string
}

// EntryConfig is a static entry added after the pipe is created.
type EntryConfig struct {
	Name      string
	Values    []FieldValue
	Forward   *ForwardConfig
	AgingSec  uint32
	CounterID uint32
	MeterID   uint32
}

// ForwardConfig is a forwarding target.
type ForwardConfig struct {
	Kind   string // "port", "pipe", "drop", "rss", "shared-rss", "none"
	Port   uint16
	Pipe   string
	Queues []uint16
	RSSID  uint32
}

// CTConfig configures connection tracking.
type CTConfig struct {
	Queues   uint16
	Sessions map[string]uint32 // "ipv4", "ipv6", "both"

	ZoneBits   uint32
	ActionBits uint32
	UserBits   uint32

	// Timeouts in seconds.
	TCPTimeout    uint16
	TCPSessionDel uint16
	UDPTimeout    uint16

	AgingInterval time.Duration
	AgingCore     int // -1 leaves the GC unpinned
	AutoRemove    bool

	Asymmetric        bool
	AsymmetricCounter bool
	SwParsing         bool
	NoAging           bool
	Stats             bool
	SymmetricHash     bool
	Tunnel            string // "none", "vxlan"
	VxlanPort         uint16
	WorkerStats       bool

	// Managed mode takes per-direction settings instead of the tunnel
	// and hash statements.
	Managed   bool
	Direction [2]CTDirection // origin, reply
}

// CTDirection holds the managed-mode settings of one direction.
type CTDirection struct {
	MatchInner     bool
	ZoneMatchMask  uint32
	MetaModifyMask uint32
}

// APIConfig selects the listen addresses of the management servers.
type APIConfig struct {
	HTTP   string
	GRPC   string
	APIKey string
	// HTTPS serves the REST API over TLS with a self-signed certificate
	// kept in CertDir.
	HTTPS   string
	CertDir string
	Users   map[string]string // basic auth user -> password
}

const (
	DefaultModeArgs        = "vnf,hws"
	DefaultQueues          = 1
	DefaultQueueDepth      = 128
	DefaultEventBufferSize = 1024
	DefaultAgingInterval   = time.Second
)

// FindPipe returns the pipe named name, or nil.
func (c *Config) FindPipe(name string) *PipeConfig {
	for _, p := range c.Pipes {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// FindPort returns the port with the given id, or nil.
func (c *Config) FindPort(id uint16) *PortConfig {
	for _, p := range c.Ports {
		if p.ID == id {
			return p
		}
	}
	return nil
}
