// Package dataplane defines the boundary between the flow engine and the
// hardware (or software) tables it programs. A Driver exposes per-port rule
// tables, a batched submission doorbell and a completion queue per port
// queue.
package dataplane

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Backend type names accepted by NewDriver.
const (
	TypeSW   = "sw"
	TypeEBPF = "ebpf"
)

// Driver errors. The flow engine maps ErrQueueFull and ErrNoSpace to
// resource exhaustion and everything else to a driver fault.
var (
	ErrQueueFull    = errors.New("queue full")
	ErrNoSpace      = errors.New("table full")
	ErrUnknownPort  = errors.New("unknown port")
	ErrUnknownTable = errors.New("unknown table")
	ErrUnknownRule  = errors.New("unknown rule")
	ErrPortBusy     = errors.New("port already open")
)

// TableKind selects the lookup structure a table is backed by.
type TableKind uint8

const (
	TableExact TableKind = iota // masked exact match
	TableLPM                    // longest prefix match
	TableIndexed                // direct index (hash / ordered-list pipes)
	TableTernary                // priority ordered masked match (ACL, control)
)

func (k TableKind) String() string {
	switch k {
	case TableExact:
		return "exact"
	case TableLPM:
		return "lpm"
	case TableIndexed:
		return "indexed"
	case TableTernary:
		return "ternary"
	}
	return fmt.Sprintf("TableKind(%d)", k)
}

// PortSpec describes a port to open.
type PortSpec struct {
	ID         uint16
	Queues     uint16
	QueueDepth uint32
	Counters   uint32 // shared counter slots
	Devargs    string
}

// TableSpec describes a rule table backing one pipe.
type TableSpec struct {
	ID         uint32
	Name       string
	Kind       TableKind
	KeySize    int
	ValueSize  int
	MaxEntries uint32
	Root       bool
	MissStats  bool
}

// OpKind is the kind of a submitted rule operation.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpModify
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("OpKind(%d)", k)
}

// Op is one rule operation in a submitted batch. Rule is an opaque cookie
// echoed back in the matching Result.
type Op struct {
	Kind      OpKind
	Table     uint32
	Rule      uint64
	Priority  uint32
	PrefixLen int
	Key       []byte
	Mask      []byte
	Value     []byte
}

// Result is the completion of one submitted Op.
type Result struct {
	Rule uint64
	Kind OpKind
	Err  error
}

// Stats is a packet/byte counter snapshot.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

// SharedKind identifies a shared object class a port can reserve.
type SharedKind uint8

const (
	SharedMeter SharedKind = iota
	SharedCounter
	SharedRSS
	SharedCrypto
	SharedMirror
)

// Driver programs rule tables on ports. Submit only queues work; results
// become visible through Poll on the same port queue, in submission order.
type Driver interface {
	Name() string
	OpenPort(spec PortSpec) error
	ClosePort(port uint16) error
	CreateTable(port uint16, spec TableSpec) error
	DestroyTable(port uint16, table uint32) error
	Reserve(port uint16, kind SharedKind, id uint32) error
	Submit(port, queue uint16, ops []Op) error
	Poll(port, queue uint16, max int) ([]Result, error)
	RuleStats(port uint16, table uint32, rule uint64) (Stats, error)
	LastHit(port uint16, table uint32, rule uint64) (time.Time, error)
	SharedStats(port uint16, kind SharedKind, id uint32) (Stats, error)
	MissStats(port uint16, table uint32) (Stats, error)
	Close() error
}

// backendRegistry holds constructors for driver backends that live in
// their own packages and register from init.
var backendRegistry = map[string]func() Driver{}

// RegisterBackend registers a driver constructor under the given type name.
func RegisterBackend(dpType string, ctor func() Driver) {
	backendRegistry[dpType] = ctor
}

// Backends returns the registered backend names plus the built-in ebpf one.
func Backends() []string {
	names := []string{TypeEBPF}
	for name := range backendRegistry {
		if name != TypeEBPF {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// NewDriver creates a driver for the given type. An empty type selects the
// software backend.
func NewDriver(dpType string) (Driver, error) {
	if dpType == "" {
		dpType = TypeSW
	}
	if ctor, ok := backendRegistry[dpType]; ok {
		return ctor(), nil
	}
	if dpType == TypeEBPF {
		return NewEBPF(), nil
	}
	return nil, fmt.Errorf("unknown dataplane type %q", dpType)
}
