package flow

import (
	"sort"

	"github.com/psaab/flowpipe/pkg/dataplane"
	"github.com/psaab/flowpipe/pkg/device"
)

// ResourceConfig is the configuration of a shared resource. Implementations:
// MeterConfig, CounterConfig, RSSConfig, CryptoConfig, MirrorConfig.
type ResourceConfig interface {
	ResourceType() ResourceType
	validate() error
}

// MeterConfig configures a shared meter. EIR/EBS are the peak (RFC 2698)
// or excess (RFC 4115) rate and burst.
type MeterConfig struct {
	LimitType MeterLimitType
	Alg       MeterAlgorithm
	ColorMode MeterColorMode
	CIR       uint64
	CBS       uint64
	EIR       uint64
	EBS       uint64
}

// CounterConfig configures a shared counter.
type CounterConfig struct{}

// RSSConfig configures a shared RSS action.
type RSSConfig struct {
	Queues     []uint16
	OuterFlags RSSFlags
	InnerFlags RSSFlags
	HashFunc   RSSHashFunc
}

// CryptoConfig configures an IPsec SA offload context.
type CryptoConfig struct {
	Proto    CryptoProto
	Action   CryptoAction
	Reformat CryptoReformat
	Net      CryptoNet
	Header   CryptoHeader
	ICVLen   uint8
	SPI      uint32
	Key      []byte
}

// MirrorConfig configures a shared mirror.
type MirrorConfig struct {
	Targets []Fwd
}

func (MeterConfig) ResourceType() ResourceType   { return ResourceMeter }
func (CounterConfig) ResourceType() ResourceType { return ResourceCount }
func (RSSConfig) ResourceType() ResourceType     { return ResourceRSS }
func (CryptoConfig) ResourceType() ResourceType  { return ResourceCrypto }
func (MirrorConfig) ResourceType() ResourceType  { return ResourceMirror }

func (c MeterConfig) validate() error {
	if c.CIR == 0 || c.CBS == 0 {
		return errorf(ErrInvalidValue, "meter needs cir and cbs")
	}
	switch c.Alg {
	case MeterRFC2697:
	case MeterRFC2698:
		if c.EIR < c.CIR {
			return errorf(ErrInvalidValue, "rfc2698 meter needs pir >= cir")
		}
	case MeterRFC4115:
		if c.EBS == 0 {
			return errorf(ErrInvalidValue, "rfc4115 meter needs ebs")
		}
	default:
		return errorf(ErrInvalidValue, "unknown meter algorithm %d", c.Alg)
	}
	return nil
}

func (CounterConfig) validate() error { return nil }

func (c RSSConfig) validate() error {
	if len(c.Queues) == 0 {
		return errorf(ErrInvalidValue, "rss needs at least one queue")
	}
	if c.OuterFlags == 0 && c.InnerFlags == 0 {
		return errorf(ErrInvalidValue, "rss needs hash flags")
	}
	return nil
}

func (c CryptoConfig) validate() error {
	if c.Proto != CryptoProtoESP {
		return errorf(ErrInvalidValue, "crypto protocol must be esp")
	}
	if c.Action == CryptoActionNone {
		return errorf(ErrInvalidValue, "crypto action must be encrypt or decrypt")
	}
	switch c.ICVLen {
	case 8, 12, 16:
	default:
		return errorf(ErrInvalidValue, "icv length %d not in {8,12,16}", c.ICVLen)
	}
	switch len(c.Key) {
	case 16, 32:
	default:
		return errorf(ErrInvalidValue, "crypto key must be 16 or 32 bytes")
	}
	if c.Net == NetTunnel && c.Header == HeaderNone {
		return errorf(ErrInvalidValue, "tunnel mode needs an outer header type")
	}
	return nil
}

func (c MirrorConfig) validate() error {
	if len(c.Targets) == 0 {
		return errorf(ErrInvalidValue, "mirror needs a target")
	}
	for _, t := range c.Targets {
		switch t.(type) {
		case FwdPort, FwdPipe, FwdTarget:
		default:
			return errorf(ErrInvalidValue, "mirror target %s not supported", fwdTypeOf(t))
		}
	}
	return nil
}

// BindTarget is a port or pipe a shared resource can be bound to. A nil
// BindTarget is the global scope.
type BindTarget interface {
	bindTarget()
}

func (PortHandle) bindTarget() {}
func (PipeHandle) bindTarget() {}

type resourceKey struct {
	typ ResourceType
	id  uint32
}

type resource struct {
	key      resourceKey
	cfg      ResourceConfig
	bindings map[BindTarget]bool // nil key is global
	reserved map[uint16]bool     // driver ports holding the object
	refs     int                 // live entries referencing it, guarded by entMu
}

var resourceFeature = [ResourceMax]device.Feature{
	ResourceMeter:  device.FeatureMeter,
	ResourceCount:  device.FeatureCounter,
	ResourceRSS:    device.FeatureRSS,
	ResourceCrypto: device.FeatureCrypto,
	ResourceMirror: device.FeatureMirror,
}

var sharedKind = [ResourceMax]dataplane.SharedKind{
	ResourceMeter:  dataplane.SharedMeter,
	ResourceCount:  dataplane.SharedCounter,
	ResourceRSS:    dataplane.SharedRSS,
	ResourceCrypto: dataplane.SharedCrypto,
	ResourceMirror: dataplane.SharedMirror,
}

func (e *Engine) checkResourceID(typ ResourceType, id uint32) error {
	if typ >= ResourceMax {
		return errorf(ErrInvalidValue, "unknown resource type %d", typ)
	}
	quota := e.cfg.SharedResources[typ]
	if quota == 0 {
		return errorf(ErrNotSupported, "no shared %s resources configured", typ)
	}
	if id == 0 || id > quota {
		return errorf(ErrInvalidValue, "%s id %d outside 1..%d", typ, id, quota)
	}
	return nil
}

// anyPortSupports reports whether some started port (or, with no port,
// the default software device) supports f.
func (e *Engine) anyPortSupports(f device.Feature) bool {
	found, ok := false, false
	e.ports.each(func(_ uint64, p *port) bool {
		found = true
		if p.dev.Supported(f) {
			ok = true
			return false
		}
		return true
	})
	return ok || !found
}

// ConfigureResource stores cfg under (type, id). Re-configuring a resource
// referenced by a live entry fails with ErrInUse.
func (e *Engine) ConfigureResource(typ ResourceType, id uint32, cfg ResourceConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(); err != nil {
		return err
	}
	if err := e.checkResourceID(typ, id); err != nil {
		return err
	}
	if cfg == nil {
		return errorf(ErrInvalidValue, "nil %s config", typ)
	}
	if cfg.ResourceType() != typ {
		return errorf(ErrInvalidValue, "%s config given for %s resource %d", cfg.ResourceType(), typ, id)
	}
	if !e.anyPortSupports(resourceFeature[typ]) {
		return errorf(ErrNotSupported, "device lacks %s support", typ)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg = copyResourceConfig(cfg)

	key := resourceKey{typ, id}
	r, ok := e.resources[key]
	if !ok {
		e.resources[key] = &resource{
			key:      key,
			cfg:      cfg,
			bindings: make(map[BindTarget]bool),
			reserved: make(map[uint16]bool),
		}
		return nil
	}
	e.entMu.Lock()
	refs := r.refs
	e.entMu.Unlock()
	if refs > 0 {
		return errorf(ErrInUse, "%s %d is referenced by %d entries", typ, id, refs)
	}
	r.cfg = cfg
	return nil
}

func copyResourceConfig(cfg ResourceConfig) ResourceConfig {
	switch c := cfg.(type) {
	case RSSConfig:
		c.Queues = append([]uint16(nil), c.Queues...)
		return c
	case CryptoConfig:
		c.Key = append([]byte(nil), c.Key...)
		return c
	case MirrorConfig:
		targets := make([]Fwd, len(c.Targets))
		for i, t := range c.Targets {
			targets[i] = copyFwd(t)
		}
		c.Targets = targets
		return c
	}
	return cfg
}

// BindResources binds every id to target (a PortHandle, a PipeHandle or
// nil for global scope). All ids must be configured. Binding an id to the
// same target twice is a no-op.
func (e *Engine) BindResources(typ ResourceType, ids []uint32, target BindTarget) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(); err != nil {
		return err
	}
	if typ >= ResourceMax {
		return errorf(ErrInvalidValue, "unknown resource type %d", typ)
	}
	if e.cfg.SharedResources[typ] == 0 {
		return errorf(ErrNotSupported, "no shared %s resources configured", typ)
	}

	var ports []*port
	switch t := target.(type) {
	case nil:
		e.ports.each(func(_ uint64, p *port) bool {
			ports = append(ports, p)
			return true
		})
	case PortHandle:
		p, err := e.portLocked(t)
		if err != nil {
			return err
		}
		ports = []*port{p}
	case PipeHandle:
		pp, err := e.pipeLocked(t)
		if err != nil {
			return err
		}
		ports = []*port{pp.port}
	default:
		return errorf(ErrNotSupported, "cannot bind to %T", target)
	}

	rs := make([]*resource, 0, len(ids))
	for _, id := range ids {
		if err := e.checkResourceID(typ, id); err != nil {
			return err
		}
		r, ok := e.resources[resourceKey{typ, id}]
		if !ok {
			return errorf(ErrInvalidValue, "%s %d bound before it was configured", typ, id)
		}
		rs = append(rs, r)
	}
	for _, r := range rs {
		for _, p := range ports {
			if err := e.reserveLocked(r, p); err != nil {
				return err
			}
		}
		r.bindings[target] = true
	}
	e.log.Debug("bound shared resources", "type", typ.String(), "count", len(ids))
	return nil
}

func (e *Engine) reserveLocked(r *resource, p *port) error {
	if r.reserved[p.id] {
		return nil
	}
	if err := e.drv.Reserve(p.id, sharedKind[r.key.typ], r.key.id); err != nil {
		return errorf(ErrNoMemory, "reserve %s %d on port %d: %v", r.key.typ, r.key.id, p.id, err)
	}
	r.reserved[p.id] = true
	return nil
}

// reserveGlobalLocked reserves globally bound resources on a new port.
func (e *Engine) reserveGlobalLocked(p *port) error {
	for _, r := range e.resources {
		if r.bindings[nil] {
			if err := e.reserveLocked(r, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// unbindTargetLocked drops every binding to target and tells UnbindFunc.
func (e *Engine) unbindTargetLocked(target BindTarget) {
	keys := make([]resourceKey, 0, len(e.resources))
	for k := range e.resources {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].typ != keys[j].typ {
			return keys[i].typ < keys[j].typ
		}
		return keys[i].id < keys[j].id
	})
	for _, k := range keys {
		r := e.resources[k]
		if !r.bindings[target] {
			continue
		}
		delete(r.bindings, target)
		if ph, ok := target.(PortHandle); ok {
			if p, ok := e.ports.get(uint64(ph)); ok {
				delete(r.reserved, p.id)
			}
		}
		if e.cfg.UnbindFunc != nil {
			e.cfg.UnbindFunc(k.typ, k.id, target)
		}
	}
}

// boundFor reports whether r is bound to a scope covering pipe pp.
func (r *resource) boundFor(pp *pipe) bool {
	return r.bindings[nil] || r.bindings[pp.port.handle] || r.bindings[pp.handle]
}

// ResourceResult is the query result of one shared resource.
type ResourceResult struct {
	ID      uint32
	Counter Query
}

// QueryResources reads shared counters, summed over every port holding
// them. Only counters can be queried.
func (e *Engine) QueryResources(typ ResourceType, ids []uint32) ([]ResourceResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if typ != ResourceCount {
		return nil, errorf(ErrNotSupported, "query of %s resources", typ)
	}
	out := make([]ResourceResult, 0, len(ids))
	for _, id := range ids {
		if err := e.checkResourceID(typ, id); err != nil {
			return nil, err
		}
		r, ok := e.resources[resourceKey{typ, id}]
		if !ok {
			return nil, errorf(ErrInvalidValue, "counter %d not configured", id)
		}
		res := ResourceResult{ID: id}
		for portID := range r.reserved {
			s, err := e.drv.SharedStats(portID, dataplane.SharedCounter, id)
			if err != nil {
				return nil, driverErr("query counter", err)
			}
			res.Counter.TotalPkts += s.Packets
			res.Counter.TotalBytes += s.Bytes
		}
		out = append(out, res)
	}
	return out, nil
}

// ResourceInfo is a snapshot of a shared resource.
type ResourceInfo struct {
	Type     ResourceType
	ID       uint32
	Bindings int
	Global   bool
	Refs     int
}

// Resources lists configured shared resources ordered by type and id.
func (e *Engine) Resources() []ResourceInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.entMu.Lock()
	defer e.entMu.Unlock()
	out := make([]ResourceInfo, 0, len(e.resources))
	for k, r := range e.resources {
		out = append(out, ResourceInfo{
			Type:     k.typ,
			ID:       k.id,
			Bindings: len(r.bindings),
			Global:   r.bindings[nil],
			Refs:     r.refs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}
