package flow

import "fmt"

// PipeType selects the matching structure of a pipe.
type PipeType uint8

const (
	PipeBasic PipeType = iota
	PipeControl
	PipeLPM
	PipeCT
	PipeACL
	PipeOrderedList
	PipeHash
)

var pipeTypeNames = [...]string{"basic", "control", "lpm", "ct", "acl", "ordered-list", "hash"}

func (t PipeType) String() string {
	if int(t) < len(pipeTypeNames) {
		return pipeTypeNames[t]
	}
	return fmt.Sprintf("PipeType(%d)", t)
}

// ParsePipeType maps a pipe type name to a PipeType.
func ParsePipeType(s string) (PipeType, error) {
	for i, n := range pipeTypeNames {
		if n == s {
			return PipeType(i), nil
		}
	}
	return 0, errorf(ErrInvalidValue, "unknown pipe type %q", s)
}

// Domain is the steering domain a pipe is attached to.
type Domain uint8

const (
	DomainDefault Domain = iota
	DomainSecureIngress
	DomainEgress
	DomainSecureEgress
)

var domainNames = [...]string{"default", "secure-ingress", "egress", "secure-egress"}

func (d Domain) String() string {
	if int(d) < len(domainNames) {
		return domainNames[d]
	}
	return fmt.Sprintf("Domain(%d)", d)
}

// Secure reports whether crypto actions are allowed in the domain.
func (d Domain) Secure() bool {
	return d == DomainSecureIngress || d == DomainSecureEgress
}

// ParseDomain maps a domain name to a Domain.
func ParseDomain(s string) (Domain, error) {
	for i, n := range domainNames {
		if n == s {
			return Domain(i), nil
		}
	}
	return 0, errorf(ErrInvalidValue, "unknown domain %q", s)
}

// DirectionInfo hints the traffic direction of a pipe.
type DirectionInfo uint8

const (
	DirectionBidirectional DirectionInfo = iota
	DirectionNetworkToHost
	DirectionHostToNetwork
)

// Flags modify how an entry operation is submitted.
type Flags uint32

const (
	// NoWait rings the doorbell: the queue buffer is flushed immediately.
	NoWait Flags = 0
	// WaitForBatch buffers the operation until the next flush.
	WaitForBatch Flags = 1 << 0
)

// EntryOp is the operation a completion reports.
type EntryOp uint8

const (
	OpAdd EntryOp = iota
	OpDel
	OpUpd
	OpAged
)

func (o EntryOp) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDel:
		return "del"
	case OpUpd:
		return "upd"
	case OpAged:
		return "aged"
	}
	return fmt.Sprintf("EntryOp(%d)", o)
}

// EntryStatus is the last known state of an entry.
type EntryStatus uint8

const (
	StatusInProcess EntryStatus = iota
	StatusSuccess
	StatusError
)

func (s EntryStatus) String() string {
	switch s {
	case StatusInProcess:
		return "in-process"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("EntryStatus(%d)", s)
}

// ResourceType is the class of a shared resource.
type ResourceType uint8

const (
	ResourceMeter ResourceType = iota
	ResourceCount
	ResourceRSS
	ResourceCrypto
	ResourceMirror
	ResourceMax
)

var resourceNames = [...]string{"meter", "counter", "rss", "crypto", "mirror"}

func (t ResourceType) String() string {
	if int(t) < len(resourceNames) {
		return resourceNames[t]
	}
	return fmt.Sprintf("ResourceType(%d)", t)
}

// ParseResourceType maps a resource type name to a ResourceType.
func ParseResourceType(s string) (ResourceType, error) {
	for i, n := range resourceNames {
		if n == s {
			return ResourceType(i), nil
		}
	}
	return 0, errorf(ErrInvalidValue, "unknown resource type %q", s)
}

// MonitorFlags select the monitor actions of a pipe or entry.
type MonitorFlags uint8

const (
	MonitorMeter  MonitorFlags = 1 << 1
	MonitorCount  MonitorFlags = 1 << 2
	MonitorAging  MonitorFlags = 1 << 3
	MonitorMirror MonitorFlags = 1 << 4
)

func (f MonitorFlags) String() string {
	var s string
	for _, m := range []struct {
		f MonitorFlags
		n string
	}{{MonitorMeter, "meter"}, {MonitorCount, "count"}, {MonitorAging, "aging"}, {MonitorMirror, "mirror"}} {
		if f&m.f != 0 {
			if s != "" {
				s += " "
			}
			s += m.n
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// RSSFlags select the headers an RSS hash covers.
type RSSFlags uint32

const (
	RSSIPv4 RSSFlags = 1 << 0
	RSSIPv6 RSSFlags = 1 << 1
	RSSUDP  RSSFlags = 1 << 2
	RSSTCP  RSSFlags = 1 << 3
)

// RSSHashFunc is the RSS hash function.
type RSSHashFunc uint8

const (
	RSSHashToeplitz RSSHashFunc = iota
	RSSHashSymmetricToeplitz
)

// MeterAlgorithm is the policing algorithm of a meter.
type MeterAlgorithm uint8

const (
	MeterRFC2697 MeterAlgorithm = iota
	MeterRFC2698
	MeterRFC4115
)

// MeterLimitType is the unit a meter rate is expressed in.
type MeterLimitType uint8

const (
	MeterLimitBytes MeterLimitType = iota
	MeterLimitPackets
)

// MeterColorMode selects whether incoming color is honored.
type MeterColorMode uint8

const (
	MeterColorBlind MeterColorMode = iota
	MeterColorAware
)

// MeterColor is a packet color.
type MeterColor uint8

const (
	ColorGreen MeterColor = iota
	ColorYellow
	ColorRed
)

// TargetType is a well known forwarding target.
type TargetType uint8

const (
	TargetKernel TargetType = iota
)

// CfgFlags are engine-wide options.
type CfgFlags uint32

const (
	// CfgPipeMissMon enables per-pipe miss counters.
	CfgPipeMissMon CfgFlags = 1 << 0
)

// L3Type selects the IP header of a Header.
type L3Type uint8

const (
	L3None L3Type = iota
	L3IPv4
	L3IPv6
)

// L4Type selects the transport header of a Header.
type L4Type uint8

const (
	L4None L4Type = iota
	L4TCP
	L4UDP
	L4ICMP
)

// TunType is the tunnel kind of a match or encap.
type TunType uint8

const (
	TunNone TunType = iota
	TunVXLAN
	TunGRE
	TunGTPU
	TunESP
	TunMPLSoUDP
	TunGENEVE
)

// Crypto enums follow the IPsec offload model: protocol, direction, the
// header reformat applied around it and the ICV length.
type (
	CryptoProto    uint8
	CryptoAction   uint8
	CryptoReformat uint8
	CryptoNet      uint8
	CryptoHeader   uint8
)

const (
	CryptoProtoNone CryptoProto = iota
	CryptoProtoESP
)

const (
	CryptoActionNone CryptoAction = iota
	CryptoActionEncrypt
	CryptoActionDecrypt
)

const (
	ReformatNone CryptoReformat = iota
	ReformatEncap
	ReformatDecap
)

const (
	NetNone CryptoNet = iota
	NetTunnel
	NetTransport
)

const (
	HeaderNone CryptoHeader = iota
	HeaderIPv4
	HeaderIPv6
	HeaderIPv4UDP
	HeaderIPv6UDP
)

// Eth is an Ethernet header.
type Eth struct {
	Dst  [6]byte
	Src  [6]byte
	Type uint16
}

// VLAN is an 802.1Q tag.
type VLAN struct {
	TCI uint16
}

// IPv4 is the matchable part of an IPv4 header.
type IPv4 struct {
	Src       [4]byte
	Dst       [4]byte
	DSCPECN   uint8
	NextProto uint8
	TTL       uint8
}

// IPv6 is the matchable part of an IPv6 header.
type IPv6 struct {
	Src          [16]byte
	Dst          [16]byte
	TrafficClass uint8
	NextProto    uint8
	HopLimit     uint8
}

// L4 covers TCP, UDP and ICMP; which fields apply depends on L4Type.
type L4 struct {
	SrcPort  uint16
	DstPort  uint16
	TCPFlags uint8
	ICMPType uint8
	ICMPCode uint8
}

// Header is one layer stack (outer or inner).
type Header struct {
	Eth    Eth
	VLANs  uint8 // number of valid VLAN tags
	VLAN   [2]VLAN
	L3Type L3Type
	IP4    IPv4
	IP6    IPv6
	L4Type L4Type
	L4     L4
}

// Tunnel is a tunnel header.
type Tunnel struct {
	Type   TunType
	VNI    uint32
	GREKey uint32
	TEID   uint32
	ESPSPI uint32
	ESPSN  uint32
	MPLS   MPLSHeader
}

// Meta is the packet metadata visible to matches and actions.
type Meta struct {
	PktMeta       uint32
	U32           [4]uint32
	Mark          uint32
	PortMeta      uint32
	Random        uint16
	IPsecSyndrome uint8
	MeterColor    MeterColor
}

// Match describes header and metadata values, or a mask over them.
// All fields are fixed size so a Match copies by assignment.
type Match struct {
	Flags uint32
	Meta  Meta
	Outer Header
	Tun   Tunnel
	Inner Header
}

// Encap is the header stack pushed by an encap action.
type Encap struct {
	Outer Header
	Tun   Tunnel
}

// Security selects a crypto shared resource for the packet.
type Security struct {
	Proto    CryptoProto
	CryptoID uint32
}

// Actions are the modifications applied to matching packets. Set fields
// are taken from the entry, or from the pipe template when the pipe's
// action mask marks them constant.
type Actions struct {
	ActionIdx uint8
	Decap     bool
	Pop       bool
	Meta      Meta
	Outer     Header
	Tun       Tunnel
	HasEncap  bool
	Encap     Encap
	HasPush   bool
	Push      VLAN
	Security  Security
}

// ActionType is the kind of an action descriptor.
type ActionType uint8

const (
	ActionAuto ActionType = iota
	ActionAdd
	ActionCopy
)

// ActionDesc modifies a bit range of a named field. Copy reads Src; add
// adds Value to Field.
type ActionDesc struct {
	Type   ActionType
	Field  string
	Src    string
	Offset uint32
	Width  uint32
	Value  uint32
}

// MeterSpec is a per-entry (non shared) meter.
type MeterSpec struct {
	LimitType MeterLimitType
	CIR       uint64
	CBS       uint64
}

// Monitor selects metering, counting, mirroring and aging. Shared ids
// of zero mean "none".
type Monitor struct {
	Flags           MonitorFlags
	Meter           MeterSpec
	SharedMeterID   uint32
	MeterInitColor  MeterColor
	SharedCounterID uint32
	SharedMirrorID  uint32
	AgingSec        uint32
}

// FwdType is the discriminant of a Fwd.
type FwdType uint8

const (
	FwdTypeNone FwdType = iota
	FwdTypeRSS
	FwdTypePort
	FwdTypePipe
	FwdTypeDrop
	FwdTypeTarget
	FwdTypeOrderedList
)

var fwdTypeNames = [...]string{"none", "rss", "port", "pipe", "drop", "target", "ordered-list"}

func (t FwdType) String() string {
	if int(t) < len(fwdTypeNames) {
		return fwdTypeNames[t]
	}
	return fmt.Sprintf("FwdType(%d)", t)
}

// Fwd is where matching (or missing) packets go. A nil Fwd means none.
// Implementations: FwdRSS, FwdPort, FwdPipe, FwdDrop, FwdTarget,
// FwdOrderedList.
type Fwd interface {
	FwdType() FwdType
}

// FwdRSS spreads packets over queues.
type FwdRSS struct {
	Queues      []uint16
	OuterFlags  RSSFlags
	InnerFlags  RSSFlags
	SharedRSSID uint32
	HashFunc    RSSHashFunc
}

// FwdPort sends packets out of a port.
type FwdPort struct {
	PortID uint16
}

// FwdPipe continues processing in another pipe.
type FwdPipe struct {
	Pipe PipeHandle
}

// FwdDrop drops packets.
type FwdDrop struct{}

// FwdTarget sends packets to a well known target.
type FwdTarget struct {
	Target TargetType
}

// FwdOrderedList continues in one list of an ordered-list pipe.
type FwdOrderedList struct {
	Pipe PipeHandle
	Idx  uint32
}

func (FwdRSS) FwdType() FwdType         { return FwdTypeRSS }
func (FwdPort) FwdType() FwdType        { return FwdTypePort }
func (FwdPipe) FwdType() FwdType        { return FwdTypePipe }
func (FwdDrop) FwdType() FwdType        { return FwdTypeDrop }
func (FwdTarget) FwdType() FwdType      { return FwdTypeTarget }
func (FwdOrderedList) FwdType() FwdType { return FwdTypeOrderedList }

func fwdTypeOf(f Fwd) FwdType {
	if f == nil {
		return FwdTypeNone
	}
	return f.FwdType()
}

// copyFwd returns a Fwd that shares no memory with f.
func copyFwd(f Fwd) Fwd {
	if rss, ok := f.(FwdRSS); ok {
		rss.Queues = append([]uint16(nil), rss.Queues...)
		return rss
	}
	return f
}

// OrderedListElementType is the discriminant of an ordered list element.
type OrderedListElementType uint8

const (
	ElementActions OrderedListElementType = iota
	ElementActionsMask
	ElementActionDescs
	ElementMonitor
)

// OrderedListElement is one element of an ordered list. Implementations:
// ListActions, ListActionsMask, ListActionDescs, ListMonitor.
type OrderedListElement interface {
	ElementType() OrderedListElementType
}

type ListActions struct{ Actions Actions }
type ListActionsMask struct{ Mask Actions }
type ListActionDescs struct{ Descs []ActionDesc }
type ListMonitor struct{ Monitor Monitor }

func (ListActions) ElementType() OrderedListElementType     { return ElementActions }
func (ListActionsMask) ElementType() OrderedListElementType { return ElementActionsMask }
func (ListActionDescs) ElementType() OrderedListElementType { return ElementActionDescs }
func (ListMonitor) ElementType() OrderedListElementType     { return ElementMonitor }

// OrderedList is an ordered sequence of action/monitor elements.
type OrderedList struct {
	Idx      uint32
	Elements []OrderedListElement
}

func (l *OrderedList) clone() *OrderedList {
	if l == nil {
		return nil
	}
	c := &OrderedList{Idx: l.Idx, Elements: make([]OrderedListElement, len(l.Elements))}
	for i, el := range l.Elements {
		if d, ok := el.(ListActionDescs); ok {
			d.Descs = append([]ActionDesc(nil), d.Descs...)
			el = d
		}
		c.Elements[i] = el
	}
	return c
}

// Query is a counter snapshot.
type Query struct {
	TotalBytes uint64
	TotalPkts  uint64
}

// Completion reports the outcome of an entry operation. It is produced
// only by EntriesProcess.
type Completion struct {
	Entry   EntryHandle
	Queue   uint16
	Status  EntryStatus
	Op      EntryOp
	UserCtx any
	Err     error
}
