package flow

import (
	"go.uber.org/multierr"

	"github.com/psaab/flowpipe/pkg/dataplane"
	"github.com/psaab/flowpipe/pkg/device"
)

// PortType selects how a port is addressed.
type PortType uint8

const (
	PortByID PortType = iota
)

// PortConfig configures a port.
type PortConfig struct {
	PortID       uint16
	Type         PortType
	Devargs      string
	PrivDataSize uint16
	// Device answers capability queries; nil means a software device that
	// supports everything.
	Device device.Device
}

type port struct {
	handle PortHandle
	id     uint16
	cfg    PortConfig
	dev    device.Device
	queues []*queue
	pipes  []PipeHandle
	pair   PortHandle
	priv   []byte
	ctPipe PipeHandle
}

// PortStart opens a port on the driver. When CT is initialized the port
// gets the CT queues after the regular ones.
func (e *Engine) PortStart(cfg PortConfig) (PortHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(); err != nil {
		return 0, err
	}
	if cfg.Type != PortByID {
		return 0, errorf(ErrInvalidValue, "port %d: unsupported port type %d", cfg.PortID, cfg.Type)
	}
	if _, ok := e.portIDs[cfg.PortID]; ok {
		return 0, errorf(ErrAlreadyExists, "port %d already started", cfg.PortID)
	}
	dev := cfg.Device
	if dev == nil {
		dev = device.NewStatic("sw", e.cfg.Queues)
	}
	if mq := dev.MaxQueues(); mq > 0 && e.cfg.Queues > mq {
		return 0, errorf(ErrNotSupported, "port %d: device %s has %d queues, %d configured",
			cfg.PortID, dev.Name(), mq, e.cfg.Queues)
	}

	nq := int(e.cfg.Queues)
	if e.ct != nil {
		nq += int(e.ct.cfg.NbArmQueues)
	}
	spec := dataplane.PortSpec{
		ID:         cfg.PortID,
		Queues:     uint16(nq),
		QueueDepth: e.cfg.QueueDepth,
		Counters:   e.cfg.Resources.NbCounters,
		Devargs:    cfg.Devargs,
	}
	if err := e.drv.OpenPort(spec); err != nil {
		return 0, driverErr("open port", err)
	}

	p := &port{
		id:   cfg.PortID,
		cfg:  cfg,
		dev:  dev,
		priv: make([]byte, cfg.PrivDataSize),
	}
	for i := 0; i < nq; i++ {
		p.queues = append(p.queues, &queue{id: uint16(i)})
	}
	if err := e.reserveGlobalLocked(p); err != nil {
		if cerr := e.drv.ClosePort(cfg.PortID); cerr != nil {
			e.log.Warn("failed to close port after reservation failure", "port", cfg.PortID, "err", cerr)
		}
		return 0, err
	}
	p.handle = PortHandle(e.ports.insert(p))
	e.portIDs[cfg.PortID] = p.handle
	e.portStarted = true
	e.log.Info("port started", "port", cfg.PortID, "device", dev.Name(), "queues", nq)
	return p.handle, nil
}

// PortStop destroys every pipe of the port, including entries still in
// flight, and closes it on the driver.
func (e *Engine) PortStop(h PortHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopPortLocked(h)
}

func (e *Engine) stopPortLocked(h PortHandle) error {
	p, err := e.portLocked(h)
	if err != nil {
		return err
	}
	err = e.flushPipesLocked(p)
	e.unbindTargetLocked(h)
	for _, r := range e.resources {
		delete(r.reserved, p.id)
	}
	if p.pair.IsValid() {
		if peer, ok := e.ports.get(uint64(p.pair)); ok && peer.pair == h {
			peer.pair = 0
		}
	}
	if cerr := e.drv.ClosePort(p.id); cerr != nil {
		err = multierr.Append(err, driverErr("close port", cerr))
	}
	e.ports.remove(uint64(h))
	delete(e.portIDs, p.id)
	e.log.Info("port stopped", "port", p.id)
	return err
}

// PortPipesFlush destroys every pipe of the port and keeps it open.
func (e *Engine) PortPipesFlush(h PortHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.portLocked(h)
	if err != nil {
		return err
	}
	return e.flushPipesLocked(p)
}

func (e *Engine) flushPipesLocked(p *port) error {
	var err error
	// Reverse creation order so forward targets outlive their sources.
	for i := len(p.pipes) - 1; i >= 0; i-- {
		if derr := e.destroyPipeLocked(p.pipes[i], true); derr != nil {
			err = multierr.Append(err, derr)
		}
	}
	p.pipes = nil
	for _, q := range p.queues {
		q.mu.Lock()
		q.reset()
		q.mu.Unlock()
	}
	return err
}

// PortPair pairs two ports; unmatched traffic of one defaults to the other.
func (e *Engine) PortPair(h, peer PortHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.portLocked(h)
	if err != nil {
		return err
	}
	pp, err := e.portLocked(peer)
	if err != nil {
		return err
	}
	if h == peer {
		return errorf(ErrInvalidValue, "port %d cannot pair with itself", p.id)
	}
	p.pair = peer
	pp.pair = h
	e.log.Info("ports paired", "port", p.id, "peer", pp.id)
	return nil
}

// PortPrivData returns the caller-owned private area of a port.
func (e *Engine) PortPrivData(h PortHandle) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.portLocked(h)
	if err != nil {
		return nil, err
	}
	return p.priv, nil
}

// PortByID returns the handle of a started port.
func (e *Engine) PortByID(id uint16) (PortHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.portIDs[id]
	if !ok {
		return 0, errorf(ErrNotFound, "port %d not started", id)
	}
	return h, nil
}

// PortInfo is a snapshot of a started port.
type PortInfo struct {
	Handle   PortHandle
	ID       uint16
	Device   string
	Features string
	Queues   int
	Pipes    int
	PairID   int // -1 when unpaired
}

// Ports lists the started ports.
func (e *Engine) Ports() []PortInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []PortInfo
	e.ports.each(func(h uint64, p *port) bool {
		info := PortInfo{
			Handle:   PortHandle(h),
			ID:       p.id,
			Device:   p.dev.Name(),
			Features: device.Describe(p.dev),
			Queues:   len(p.queues),
			Pipes:    len(p.pipes),
			PairID:   -1,
		}
		if peer, ok := e.ports.get(uint64(p.pair)); ok {
			info.PairID = int(peer.id)
		}
		out = append(out, info)
		return true
	})
	return out
}
