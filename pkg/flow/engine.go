// Package flow is the control plane of a match-action flow pipeline: ports,
// pipes, pipe entries with an asynchronous lifecycle, shared resources,
// chunked aging and connection tracking. Hardware is reached through a
// dataplane.Driver; entry state only changes inside EntriesProcess.
package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

const (
	DefaultQueueDepth    = 128
	DefaultACLCollisions = 3
	MaxACLCollisions     = 8
	DefaultNbFlows       = 8 * 1024
	maxRSSKeyLen         = 64
	entryValueSize       = 32
)

// Resources sizes the per-port counter and meter pools.
type Resources struct {
	NbCounters uint32
	NbMeters   uint32
}

// Config configures an Engine.
type Config struct {
	Flags      CfgFlags
	Queues     uint16
	QueueDepth uint32
	Resources  Resources
	// NrACLCollisions bounds the ACL pipe collision chain (default 3, max 8).
	NrACLCollisions uint8
	// Mode is a comma separated mode string such as "vnf,hws".
	Mode string
	// SharedResources is the id quota per shared resource type; valid ids
	// are 1..quota.
	SharedResources [ResourceMax]uint32
	RSSKey          []byte
	// UnbindFunc, if set, is told when a resource binding goes away.
	UnbindFunc func(typ ResourceType, id uint32, target BindTarget)
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Mode is the parsed mode string.
type Mode struct {
	Kind     string // vnf, switch or remote-vnf
	HWS      bool
	Isolated bool
	Expert   bool
}

// ParseMode parses a mode string.
func ParseMode(s string) (Mode, error) {
	var m Mode
	for _, tok := range strings.Split(s, ",") {
		switch tok = strings.TrimSpace(tok); tok {
		case "vnf", "switch", "remote-vnf", "remote_vnf":
			if m.Kind != "" {
				return m, errorf(ErrInvalidValue, "mode %q: more than one of vnf/switch/remote-vnf", s)
			}
			m.Kind = strings.ReplaceAll(tok, "_", "-")
		case "hws":
			m.HWS = true
		case "isolated":
			m.Isolated = true
		case "expert":
			m.Expert = true
		case "":
		default:
			return m, errorf(ErrInvalidValue, "mode %q: unknown token %q", s, tok)
		}
	}
	if m.Kind == "" {
		return m, errorf(ErrInvalidValue, "mode %q: missing vnf/switch/remote-vnf", s)
	}
	return m, nil
}

func (m Mode) String() string {
	parts := []string{m.Kind}
	if m.HWS {
		parts = append(parts, "hws")
	}
	if m.Isolated {
		parts = append(parts, "isolated")
	}
	if m.Expert {
		parts = append(parts, "expert")
	}
	return strings.Join(parts, ",")
}

// Engine owns every port, pipe, entry and shared resource.
//
// Lock order: mu, then a queue's mu, then entMu. The driver is called with
// any of them held and never calls back.
type Engine struct {
	cfg   Config
	mode  Mode
	drv   dataplane.Driver
	log   *slog.Logger
	clock func() time.Time

	mu          sync.RWMutex
	ports       arena[*port]
	portIDs     map[uint16]PortHandle
	pipes       arena[*pipe]
	resources   map[resourceKey]*resource
	ct          *CT // written with entMu held too; entry release reads it under entMu
	nextTable   uint32
	portStarted bool
	destroyed   bool

	entMu   sync.Mutex
	entries arena[*entry]
}

// New validates cfg and creates an engine driving drv.
func New(cfg Config, drv dataplane.Driver) (*Engine, error) {
	if drv == nil {
		return nil, errorf(ErrInvalidValue, "nil driver")
	}
	if cfg.Queues == 0 {
		return nil, errorf(ErrInvalidValue, "at least one queue is required")
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.NrACLCollisions == 0 {
		cfg.NrACLCollisions = DefaultACLCollisions
	}
	if cfg.NrACLCollisions > MaxACLCollisions {
		return nil, errorf(ErrInvalidValue, "nr_acl_collisions %d exceeds %d", cfg.NrACLCollisions, MaxACLCollisions)
	}
	if len(cfg.RSSKey) > maxRSSKeyLen {
		return nil, errorf(ErrInvalidValue, "rss key of %d bytes exceeds %d", len(cfg.RSSKey), maxRSSKeyLen)
	}
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	cfg.RSSKey = append([]byte(nil), cfg.RSSKey...)

	e := &Engine{
		cfg:       cfg,
		mode:      mode,
		drv:       drv,
		log:       cfg.Logger,
		clock:     cfg.Clock,
		portIDs:   make(map[uint16]PortHandle),
		resources: make(map[resourceKey]*resource),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "flow")
	if e.clock == nil {
		e.clock = time.Now
	}
	e.log.Info("flow engine initialized",
		"mode", mode.String(), "queues", cfg.Queues, "queue_depth", cfg.QueueDepth, "driver", drv.Name())
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Mode returns the parsed mode.
func (e *Engine) Mode() Mode { return e.mode }

// Driver returns the driver the engine programs.
func (e *Engine) Driver() dataplane.Driver { return e.drv }

// Destroy stops every port and tears down the CT engine. The engine is
// unusable afterwards.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	var err error
	var handles []PortHandle
	e.ports.each(func(h uint64, _ *port) bool {
		handles = append(handles, PortHandle(h))
		return true
	})
	for _, h := range handles {
		err = multierr.Append(err, e.stopPortLocked(h))
	}
	e.setCT(nil)
	e.destroyed = true
	e.log.Info("flow engine destroyed")
	return err
}

func (e *Engine) checkLive() error {
	if e.destroyed {
		return errorf(ErrBadState, "engine destroyed")
	}
	return nil
}

func (e *Engine) allocTable() uint32 {
	e.nextTable++
	return e.nextTable
}

func (e *Engine) portLocked(h PortHandle) (*port, error) {
	p, ok := e.ports.get(uint64(h))
	if !ok {
		return nil, errorf(ErrNotFound, "port handle %#x", uint64(h))
	}
	return p, nil
}

func (e *Engine) pipeLocked(h PipeHandle) (*pipe, error) {
	p, ok := e.pipes.get(uint64(h))
	if !ok {
		return nil, errorf(ErrNotFound, "pipe handle %#x", uint64(h))
	}
	return p, nil
}

func (e *Engine) queueOf(p *port, queue uint16) (*queue, error) {
	if int(queue) >= len(p.queues) {
		return nil, errorf(ErrInvalidValue, "queue %d out of range (port %d has %d)", queue, p.id, len(p.queues))
	}
	return p.queues[queue], nil
}

func (e *Engine) String() string {
	return fmt.Sprintf("flow.Engine{mode=%s driver=%s}", e.mode, e.drv.Name())
}
